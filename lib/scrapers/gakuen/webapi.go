package gakuen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/codes"
)

// the webapi endpoints return url-encoded JSON with a status envelope
type webapiEnvelope struct {
	Data      json.RawMessage `json:"data"`
	StatusDto struct {
		MessageList []string `json:"messageList"`
	} `json:"statusDto"`
}

func decodeWebAPIBody(body []byte) (*webapiEnvelope, error) {
	unquoted, err := url.QueryUnescape(string(body))
	if err != nil {
		unquoted = string(body)
	}
	unquoted = strings.ReplaceAll(unquoted, "　", " ")

	var envelope webapiEnvelope
	err = json.Unmarshal([]byte(unquoted), &envelope)
	if err != nil {
		return nil, dataError("bad_webapi_body", err.Error())
	}
	return &envelope, nil
}

func (e *webapiEnvelope) statusMessage() string {
	return strings.Join(e.StatusDto.MessageList, "")
}

type webAPILoginData struct {
	EncryptedPassword string `json:"encryptedPassword"`
}

// WebAPILogin performs the one-time JSON login that yields the
// reusable encrypted-password token the light flow depends on. The
// token is retained on the client and returned for persistence.
func (c *Client) WebAPILogin(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "client:WebAPILogin")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"data": map[string]string{
				"loginUserId":        c.userID,
				"plainLoginPassword": c.password,
			},
		}).
		Post(pathWebAPILogin)
	if err != nil {
		span.SetStatus(codes.Error, "webapi login request failed")
		return "", networkError("webapi_login", 0, err)
	}

	// a rejected login renders an HTML error page instead of JSON
	if strings.Contains(string(res.Body()), "innerInfo") {
		doc, derr := parseDocument(res.Body())
		if derr == nil {
			if msg, ok := optionalText(doc.Find("p.innerInfo")); ok {
				span.SetStatus(codes.Error, "webapi login rejected")
				return "", loginError("rejected", strings.Join(strings.Fields(msg), " "))
			}
		}
	}

	envelope, err := decodeWebAPIBody(res.Body())
	if err != nil {
		span.SetStatus(codes.Error, "bad webapi login body")
		return "", err
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "webapi login rejected")
		return "", loginError("rejected", envelope.statusMessage())
	}

	var data webAPILoginData
	err = json.Unmarshal(envelope.Data, &data)
	if err != nil {
		return "", dataError("bad_webapi_body", err.Error())
	}
	if data.EncryptedPassword == "" {
		return "", dataError("no_encrypted_password", "webapi login yielded no encrypted password")
	}

	c.encryptedPassword = data.EncryptedPassword
	return data.EncryptedPassword, nil
}

// Logout invalidates the webapi session on the server side.
func (c *Client) Logout(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Logout")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"loginUserId":            c.userID,
			"plainLoginPassword":     "",
			"encryptedLoginPassword": c.encryptedPassword,
			"langCd":                 "",
			"productCd":              "ap",
			"subProductCd":           "apa",
		}).
		Post(pathWebAPILogout)
	if err != nil {
		span.SetStatus(codes.Error, "webapi logout request failed")
		return networkError("webapi_logout", 0, err)
	}

	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "webapi logout rejected")
		msg := fmt.Sprintf("status %d", res.StatusCode())
		if envelope, derr := decodeWebAPIBody(res.Body()); derr == nil {
			msg = envelope.statusMessage()
		}
		return &Error{Kind: KindNetwork, Code: "webapi_logout", Message: msg, HTTPStatus: res.StatusCode()}
	}
	return nil
}

// webapiCall wraps the shared request shape of the authenticated
// bulletin endpoints.
func (c *Client) webapiCall(ctx context.Context, path string, data any) (json.RawMessage, error) {
	if c.encryptedPassword == "" {
		return nil, permissionError("no_encrypted_password", "webapi calls require WebAPILogin first")
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"loginUserId":            c.userID,
			"plainLoginPassword":     "",
			"encryptedLoginPassword": c.encryptedPassword,
			"langCd":                 "",
			"productCd":              "ap",
			"subProductCd":           "apa",
			"data":                   data,
		}).
		Post(path)
	if err != nil {
		return nil, networkError("webapi_call", 0, err)
	}

	envelope, err := decodeWebAPIBody(res.Body())
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != 200 {
		return nil, dataError("webapi_rejected", envelope.statusMessage())
	}
	return envelope.Data, nil
}

// BulletinCourse is one course of the bulletin menu. The raw menu item
// must round-trip unchanged as the request body of the detail calls.
type BulletinCourse struct {
	Title string
	item  json.RawMessage
}

// ClassBulletinMenu lists the per-course bulletin menu for a school
// year and semester (0 = all, 1 = spring, 2 = fall). Year 0 selects the
// current year.
func (c *Client) ClassBulletinMenu(ctx context.Context, year, semester int) ([]BulletinCourse, error) {
	ctx, span := tracer.Start(ctx, "client:ClassBulletinMenu")
	defer span.End()

	data, err := c.webapiCall(ctx, pathBulletinMenu, map[string]int{
		"kaikoNendo": year,
		"gakkiNo":    semester,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var menu struct {
		Items []json.RawMessage `json:"jgkmDtoList"`
	}
	err = json.Unmarshal(data, &menu)
	if err != nil {
		span.SetStatus(codes.Error, "bad bulletin menu body")
		return nil, dataError("bad_webapi_body", err.Error())
	}

	var courses []BulletinCourse
	for _, item := range menu.Items {
		var fields struct {
			Title string `json:"jugyoName"`
		}
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		courses = append(courses, BulletinCourse{Title: fields.Title, item: item})
	}
	return courses, nil
}

// ClassNoticeDetail resolves one bulletin menu course to its full
// notice payload.
func (c *Client) ClassNoticeDetail(ctx context.Context, course BulletinCourse) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "client:ClassNoticeDetail")
	defer span.End()

	data, err := c.webapiCall(ctx, pathBulletinDetail, course.item)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

// AttendanceSummary is the per-course attendance counter set carried by
// the bulletin detail payload.
type AttendanceSummary struct {
	Present   int `json:"shusekiKaisu"`
	Absent    int `json:"kessekiKaisu"`
	Late      int `json:"chikokKaisu"`
	LeftEarly int `json:"sotaiKaisu"`
	Excused   int `json:"koketsuKaisu"`
}

// CourseAttendance fetches the bulletin detail of one course and
// extracts the attendance counters.
func (c *Client) CourseAttendance(ctx context.Context, course BulletinCourse) (AttendanceSummary, error) {
	data, err := c.ClassNoticeDetail(ctx, course)
	if err != nil {
		return AttendanceSummary{}, err
	}

	var detail struct {
		Attendance []AttendanceSummary `json:"attInfoDtoList"`
	}
	err = json.Unmarshal(data, &detail)
	if err != nil {
		return AttendanceSummary{}, dataError("bad_webapi_body", err.Error())
	}
	if len(detail.Attendance) == 0 {
		return AttendanceSummary{}, dataError("no_attendance", "bulletin detail carries no attendance counters")
	}
	return detail.Attendance[0], nil
}
