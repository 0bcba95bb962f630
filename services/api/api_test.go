package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gakuenhub-backend/lib/scrapers/gakuen"

	"github.com/stretchr/testify/require"
)

type stubStudents struct {
	checkErr    error
	registered  []string
	removed     []string
	assignments []gakuen.AssignmentRecord
	fetchErr    error
	dropped     []string
}

func (s *stubStudents) CheckCredentials(ctx context.Context, userID, password string) error {
	return s.checkErr
}

func (s *stubStudents) RegisterUser(ctx context.Context, userID, password, deviceToken string) error {
	s.registered = append(s.registered, userID+"/"+deviceToken)
	return nil
}

func (s *stubStudents) RemoveUser(ctx context.Context, deviceToken string) error {
	s.removed = append(s.removed, deviceToken)
	return nil
}

func (s *stubStudents) GetRoster(ctx context.Context, userID, password string) ([]gakuen.RosterEntry, error) {
	return nil, s.fetchErr
}

func (s *stubStudents) GetCalendar(ctx context.Context, userID, password string, year int, month time.Month) ([]gakuen.CalendarEvent, error) {
	return nil, s.fetchErr
}

func (s *stubStudents) GetAssignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error) {
	return s.assignments, s.fetchErr
}

func (s *stubStudents) GetNotices(ctx context.Context, userID string) ([]gakuen.Notice, error) {
	return nil, s.fetchErr
}

func (s *stubStudents) GetDaySchedule(ctx context.Context, userID string) (*gakuen.DaySchedule, error) {
	return &gakuen.DaySchedule{}, s.fetchErr
}

func (s *stubStudents) DropCached(userID string) {
	s.dropped = append(s.dropped, userID)
}

type stubOAuth struct {
	stored  []string
	revoked []string
	active  bool
}

func (s *stubOAuth) StoreTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	s.stored = append(s.stored, userID)
	return nil
}

func (s *stubOAuth) Revoke(ctx context.Context, userID string) error {
	s.revoked = append(s.revoked, userID)
	return nil
}

func (s *stubOAuth) HasTokens(ctx context.Context, userID string) (bool, error) {
	return s.active, nil
}

func post(t *testing.T, handler http.Handler, path, body string) (*http.Response, envelope) {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return rec.Result(), out
}

func TestLoginCheck(t *testing.T) {
	students := &stubStudents{}
	handler := New(students, &stubOAuth{}).Handler()

	res, out := post(t, handler, "/login_check", `{"username":"s1","password":"p"}`)
	require.Equal(t, 200, res.StatusCode)
	require.True(t, out.Status)

	res, out = post(t, handler, "/login_check", `{"username":"s1"}`)
	require.Equal(t, 400, res.StatusCode)
	require.False(t, out.Status)

	students.checkErr = &gakuen.Error{Kind: gakuen.KindLogin, Code: "rejected", Message: "rejected"}
	res, out = post(t, handler, "/login_check", `{"username":"s1","password":"bad"}`)
	require.Equal(t, 401, res.StatusCode)
	require.False(t, out.Status)
}

func TestAssignmentsRoute(t *testing.T) {
	students := &stubStudents{assignments: []gakuen.AssignmentRecord{{
		Title:   "要約レポート",
		DueDate: "2025-07-31",
		DueTime: "23:59",
	}}}
	handler := New(students, &stubOAuth{}).Handler()

	res, out := post(t, handler, "/kadai", `{"username":"s1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.True(t, out.Status)
	require.NotNil(t, out.Data)

	students.fetchErr = &gakuen.Error{Kind: gakuen.KindNetwork, Code: "walk_exhausted", Message: "gave up"}
	res, _ = post(t, handler, "/kadai", `{"username":"s1"}`)
	require.Equal(t, 500, res.StatusCode)
}

func TestPushRegistration(t *testing.T) {
	students := &stubStudents{}
	handler := New(students, &stubOAuth{}).Handler()

	res, _ := post(t, handler, "/push/send", `{"username":"s1","password":"p","deviceToken":"d1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, []string{"s1/d1"}, students.registered)

	res, _ = post(t, handler, "/push/unregister", `{"deviceToken":"d1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, []string{"d1"}, students.removed)
}

func TestOAuthRoutes(t *testing.T) {
	students := &stubStudents{}
	oauth := &stubOAuth{}
	handler := New(students, oauth).Handler()

	res, _ := post(t, handler, "/oauth/tokens",
		`{"username":"s1","access_token":"a","refresh_token":"r"}`)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, []string{"s1"}, oauth.stored)
	// a fresh grant must invalidate cached assignment results
	require.Equal(t, []string{"s1"}, students.dropped)

	res, out := post(t, handler, "/oauth/status", `{"username":"s1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.False(t, out.Status)

	oauth.active = true
	res, out = post(t, handler, "/oauth/status", `{"username":"s1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.True(t, out.Status)

	res, _ = post(t, handler, "/oauth/revoke", `{"username":"s1"}`)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, []string{"s1"}, oauth.revoked)
	require.Equal(t, []string{"s1", "s1"}, students.dropped)
}

func TestMethodRouting(t *testing.T) {
	handler := New(&stubStudents{}, &stubOAuth{}).Handler()

	req := httptest.NewRequest("GET", "/kadai", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Result().StatusCode)
}
