package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"gakuenhub-backend/lib/scrapers/gakuen"
	"gakuenhub-backend/lib/timezone"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// StudentDirectory is the aggregation surface the routes forward to.
type StudentDirectory interface {
	CheckCredentials(ctx context.Context, userID, password string) error
	RegisterUser(ctx context.Context, userID, password, deviceToken string) error
	RemoveUser(ctx context.Context, deviceToken string) error
	GetRoster(ctx context.Context, userID, password string) ([]gakuen.RosterEntry, error)
	GetCalendar(ctx context.Context, userID, password string, year int, month time.Month) ([]gakuen.CalendarEvent, error)
	GetAssignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error)
	GetNotices(ctx context.Context, userID string) ([]gakuen.Notice, error)
	GetDaySchedule(ctx context.Context, userID string) (*gakuen.DaySchedule, error)
	DropCached(userID string)
}

// OAuthStore manages the external assignment provider's grants.
type OAuthStore interface {
	StoreTokens(ctx context.Context, userID, accessToken, refreshToken string) error
	Revoke(ctx context.Context, userID string) error
	HasTokens(ctx context.Context, userID string) (bool, error)
}

type API struct {
	students StudentDirectory
	oauth    OAuthStore
}

func New(students StudentDirectory, oauth OAuthStore) API {
	return API{students: students, oauth: oauth}
}

// Handler builds the route table. Every response carries the same
// status/message/data envelope.
func (a API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/login_check", a.loginCheck).Methods("POST")
	r.HandleFunc("/roster", a.roster).Methods("GET")
	r.HandleFunc("/calendar", a.calendar).Methods("GET")
	r.HandleFunc("/kadai", a.assignments).Methods("POST")
	r.HandleFunc("/notices", a.notices).Methods("POST")
	r.HandleFunc("/schedule/today", a.daySchedule).Methods("POST")
	r.HandleFunc("/push/send", a.registerPush).Methods("POST")
	r.HandleFunc("/push/unregister", a.unregisterPush).Methods("POST")
	r.HandleFunc("/oauth/tokens", a.receiveTokens).Methods("POST")
	r.HandleFunc("/oauth/revoke", a.revokeTokens).Methods("POST")
	r.HandleFunc("/oauth/status", a.oauthStatus).Methods("POST")
	return handlers.CORS()(r)
}

type envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gakuen.KindOf(err) {
	case gakuen.KindLogin:
		status = http.StatusUnauthorized
	case gakuen.KindPermission:
		status = http.StatusForbidden
	}
	writeJSON(w, status, envelope{Status: false, Message: err.Error()})
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: true, Data: data})
}

func decode(w http.ResponseWriter, r *http.Request, body any) bool {
	err := json.NewDecoder(r.Body).Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: false, Message: "invalid request body"})
		return false
	}
	return true
}

func missingParams(w http.ResponseWriter, values ...string) bool {
	for _, v := range values {
		if v == "" {
			writeJSON(w, http.StatusBadRequest, envelope{
				Status:  false,
				Message: "学籍番号またはパスワードを入力してください",
			})
			return true
		}
	}
	return false
}

type credentialBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a API) loginCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:loginCheck")
	defer span.End()

	var body credentialBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username, body.Password) {
		return
	}

	err := a.students.CheckCredentials(ctx, body.Username, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: true, Message: "success"})
}

func (a API) roster(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:roster")
	defer span.End()

	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")
	if missingParams(w, username, password) {
		return
	}

	roster, err := a.students.GetRoster(ctx, username, password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, roster)
}

func (a API) calendar(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:calendar")
	defer span.End()

	query := r.URL.Query()
	username := query.Get("username")
	password := query.Get("password")
	if missingParams(w, username, password) {
		return
	}

	now := timezone.Now()
	year, month := now.Year(), now.Month()
	if q, err := strconv.Atoi(query.Get("year")); err == nil {
		year = q
	}
	if q, err := strconv.Atoi(query.Get("month")); err == nil && q >= 1 && q <= 12 {
		month = time.Month(q)
	}

	events, err := a.students.GetCalendar(ctx, username, password, year, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, events)
}

type userBody struct {
	Username string `json:"username"`
}

func (a API) assignments(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:assignments")
	defer span.End()

	var body userBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username) {
		return
	}

	records, err := a.students.GetAssignments(ctx, body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, records)
}

func (a API) notices(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:notices")
	defer span.End()

	var body userBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username) {
		return
	}

	notices, err := a.students.GetNotices(ctx, body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, notices)
}

func (a API) daySchedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:daySchedule")
	defer span.End()

	var body userBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username) {
		return
	}

	day, err := a.students.GetDaySchedule(ctx, body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, day)
}

type pushBody struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceToken string `json:"deviceToken"`
}

func (a API) registerPush(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:registerPush")
	defer span.End()

	var body pushBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username, body.Password, body.DeviceToken) {
		return
	}

	err := a.students.RegisterUser(ctx, body.Username, body.Password, body.DeviceToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: true, Message: "Data stored and pushed successfully"})
}

func (a API) unregisterPush(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:unregisterPush")
	defer span.End()

	var body pushBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.DeviceToken) {
		return
	}

	err := a.students.RemoveUser(ctx, body.DeviceToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: true, Message: "Device unregistered successfully"})
}

type tokenBody struct {
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (a API) receiveTokens(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:receiveTokens")
	defer span.End()

	var body tokenBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username, body.AccessToken, body.RefreshToken) {
		return
	}

	err := a.oauth.StoreTokens(ctx, body.Username, body.AccessToken, body.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	// assignment results may now include the external source
	a.students.DropCached(body.Username)
	writeJSON(w, http.StatusOK, envelope{Status: true, Message: "User tokens stored successfully"})
}

func (a API) revokeTokens(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:revokeTokens")
	defer span.End()

	var body tokenBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username) {
		return
	}

	err := a.oauth.Revoke(ctx, body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	a.students.DropCached(body.Username)
	writeJSON(w, http.StatusOK, envelope{Status: true, Message: "User tokens revoked successfully"})
}

func (a API) oauthStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "api:oauthStatus")
	defer span.End()

	var body tokenBody
	if !decode(w, r, &body) {
		return
	}
	if missingParams(w, body.Username) {
		return
	}

	active, err := a.oauth.HasTokens(ctx, body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, envelope{Status: false, Message: "User tokens are not active"})
		return
	}
	writeData(w, map[string]string{"token_status": "active"})
}
