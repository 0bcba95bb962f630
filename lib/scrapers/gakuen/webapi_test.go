package gakuen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebAPILogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathWebAPILogin, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Data struct {
				LoginUserID        string `json:"loginUserId"`
				PlainLoginPassword string `json:"plainLoginPassword"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, "student", req.Data.LoginUserID)
		require.Equal(t, "hunter2", req.Data.PlainLoginPassword)

		// the upstream url-encodes its JSON responses
		w.Write([]byte(url.QueryEscape(
			`{"data":{"encryptedPassword":"enc-1"},"statusDto":{"messageList":[]}}`,
		)))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:  server.URL,
		UserID:   "student",
		Password: "hunter2",
	})
	require.NoError(t, err)

	token, err := c.WebAPILogin(context.Background())
	require.NoError(t, err)
	require.Equal(t, "enc-1", token)
	require.Equal(t, "enc-1", c.EncryptedPassword())
}

func TestWebAPILoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(url.QueryEscape(
			`{"data":null,"statusDto":{"messageList":["認証に失敗しました。"]}}`,
		)))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:  server.URL,
		UserID:   "student",
		Password: "wrong",
	})
	require.NoError(t, err)

	_, err = c.WebAPILogin(context.Background())
	require.Error(t, err)
	require.Equal(t, KindLogin, KindOf(err))

	var loginErr *Error
	require.ErrorAs(t, err, &loginErr)
	require.Equal(t, "認証に失敗しました。", loginErr.Message)
}

func TestWebAPILoginErrorPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<div class="innerInfoArea"><p class="innerInfo">システムエラーが発生しました。
			時間をおいて再度お試しください。</p></div>
		</body></html>`))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:  server.URL,
		UserID:   "student",
		Password: "hunter2",
	})
	require.NoError(t, err)

	_, err = c.WebAPILogin(context.Background())
	require.Error(t, err)
	require.Equal(t, KindLogin, KindOf(err))
}

func TestClassBulletinMenu(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathBulletinMenu, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			LoginUserID            string `json:"loginUserId"`
			EncryptedLoginPassword string `json:"encryptedLoginPassword"`
			ProductCd              string `json:"productCd"`
			Data                   struct {
				KaikoNendo int `json:"kaikoNendo"`
				GakkiNo    int `json:"gakkiNo"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, "student", req.LoginUserID)
		require.Equal(t, "enc-1", req.EncryptedLoginPassword)
		require.Equal(t, "ap", req.ProductCd)
		require.Equal(t, 2025, req.Data.KaikoNendo)
		require.Equal(t, 1, req.Data.GakkiNo)

		w.Write([]byte(url.QueryEscape(
			`{"data":{"jgkmDtoList":[{"jugyoName":"データ構造","jugyoCd":"CS101"},{"jugyoName":"情報リテラシー","jugyoCd":"CS102"}]},"statusDto":{"messageList":[]}}`,
		)))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:           server.URL,
		UserID:            "student",
		EncryptedPassword: "enc-1",
	})
	require.NoError(t, err)

	courses, err := c.ClassBulletinMenu(context.Background(), 2025, 1)
	require.NoError(t, err)
	require.Len(t, courses, 2)
	require.Equal(t, "データ構造", courses[0].Title)
	require.Equal(t, "情報リテラシー", courses[1].Title)
}

func TestCourseAttendance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathBulletinDetail, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Data struct {
				JugyoName string `json:"jugyoName"`
				JugyoCd   string `json:"jugyoCd"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		// the menu item rides the detail request unchanged
		require.Equal(t, "データ構造", req.Data.JugyoName)
		require.Equal(t, "CS101", req.Data.JugyoCd)

		w.Write([]byte(url.QueryEscape(
			`{"data":{"attInfoDtoList":[{"shusekiKaisu":12,"kessekiKaisu":1,"chikokKaisu":2,"sotaiKaisu":0,"koketsuKaisu":3}]},"statusDto":{"messageList":[]}}`,
		)))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:           server.URL,
		UserID:            "student",
		EncryptedPassword: "enc-1",
	})
	require.NoError(t, err)

	course := BulletinCourse{
		Title: "データ構造",
		item:  json.RawMessage(`{"jugyoName":"データ構造","jugyoCd":"CS101"}`),
	}
	att, err := c.CourseAttendance(context.Background(), course)
	require.NoError(t, err)
	require.Equal(t, AttendanceSummary{
		Present:   12,
		Absent:    1,
		Late:      2,
		LeftEarly: 0,
		Excused:   3,
	}, att)
}

func TestCourseAttendanceMissingCounters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(url.QueryEscape(
			`{"data":{"attInfoDtoList":[]},"statusDto":{"messageList":[]}}`,
		)))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL:           server.URL,
		UserID:            "student",
		EncryptedPassword: "enc-1",
	})
	require.NoError(t, err)

	_, err = c.CourseAttendance(context.Background(), BulletinCourse{item: json.RawMessage(`{}`)})
	require.Error(t, err)
	require.Equal(t, KindData, KindOf(err))
}

func TestWebapiCallRequiresLoginToken(t *testing.T) {
	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL: "https://portal.example.ac.jp",
		UserID:  "student",
	})
	require.NoError(t, err)

	_, err = c.ClassBulletinMenu(context.Background(), 2025, 1)
	require.Error(t, err)
	require.Equal(t, KindPermission, KindOf(err))
}
