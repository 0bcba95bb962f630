package classroom

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/restyutil"
	"gakuenhub-backend/lib/scrapers/gakuen"
	"gakuenhub-backend/lib/timezone"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBase  = "https://classroom.googleapis.com/v1"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	revokeURL       = "https://oauth2.googleapis.com/revoke"
)

// assignments whose deadline passed more than this long ago are not
// worth surfacing anymore
const staleDeadline = 24 * time.Hour

type Options struct {
	ClientID     string
	ClientSecret string
	// overridable for tests
	APIBase  string
	TokenURL string
}

// Client fetches pending coursework from Google Classroom with
// per-user refresh tokens held in the datastore.
type Client struct {
	qry   *db.Queries
	http  *resty.Client
	oauth oauth2.Config
}

func NewClient(database *sql.DB, opts Options) *Client {
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}

	client := resty.New()
	client.SetBaseURL(opts.APIBase)
	client.SetTimeout(time.Second * 15)
	restyutil.InstrumentClient(client, tracer)

	return &Client{
		qry:  db.New(database),
		http: client,
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: opts.TokenURL},
		},
	}
}

// accessToken resolves a usable bearer token for the user, refreshing
// through the oauth endpoint when the stored one has expired. A failed
// refresh revokes the stored tokens so the client can re-authorize.
func (c *Client) accessToken(ctx context.Context, userID string) (string, error) {
	stored, err := c.qry.GetUserTokens(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("no stored tokens for user: %w", err)
	}

	source := c.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       time.Unix(stored.ExpiresAt, 0),
	})
	token, err := source.Token()
	if err != nil {
		slog.WarnContext(ctx, "classroom token refresh failed, revoking stored tokens",
			"user", userID,
			"err", err,
		)
		if rerr := c.qry.RevokeUserTokens(ctx, userID); rerr != nil {
			slog.ErrorContext(ctx, "failed to revoke classroom tokens", "user", userID, "err", rerr)
		}
		return "", err
	}

	if token.AccessToken != stored.AccessToken {
		err = c.qry.UpsertUserTokens(ctx, db.UpsertUserTokensParams{
			UserID:       userID,
			RefreshToken: stored.RefreshToken,
			AccessToken:  token.AccessToken,
			ExpiresAt:    token.Expiry.Unix(),
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to persist refreshed classroom token", "user", userID, "err", err)
		}
	}
	return token.AccessToken, nil
}

// StoreTokens persists a fresh authorization grant. The access token
// is stamped as already expired so the first use goes through a
// refresh, which validates the grant.
func (c *Client) StoreTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	ctx, span := tracer.Start(ctx, "classroom:StoreTokens")
	defer span.End()

	return c.qry.UpsertUserTokens(ctx, db.UpsertUserTokensParams{
		UserID:       userID,
		RefreshToken: refreshToken,
		AccessToken:  accessToken,
		ExpiresAt:    timezone.Now().Unix(),
	})
}

// HasTokens reports whether the user currently holds an authorization
// grant.
func (c *Client) HasTokens(ctx context.Context, userID string) (bool, error) {
	_, err := c.qry.GetUserTokens(ctx, userID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Revoke invalidates the user's authorization at Google and always
// clears the stored tokens, even when the upstream revoke fails.
func (c *Client) Revoke(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "classroom:Revoke")
	defer span.End()

	stored, err := c.qry.GetUserTokens(ctx, userID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	for _, token := range []string{stored.AccessToken, stored.RefreshToken} {
		if token == "" {
			continue
		}
		res, err := c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{"token": token}).
			Post(revokeURL)
		if err == nil && res.StatusCode() == 200 {
			break
		}
	}

	return c.qry.RevokeUserTokens(ctx, userID)
}

type course struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type dueDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type dueTime struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

type courseWork struct {
	ID            string   `json:"id"`
	CourseID      string   `json:"courseId"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	AlternateLink string   `json:"alternateLink"`
	DueDate       *dueDate `json:"dueDate"`
	DueTime       *dueTime `json:"dueTime"`
}

// Assignments yields the user's pending coursework as assignment
// records shaped like the scraped ones, so downstream consumers never
// care which source a record came from.
func (c *Client) Assignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error) {
	ctx, span := tracer.Start(ctx, "classroom:Assignments")
	defer span.End()

	token, err := c.accessToken(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, "no usable access token")
		return nil, err
	}

	courses, err := c.activeCourses(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list courses")
		return nil, err
	}

	courseNames := map[string]string{}
	for _, course := range courses {
		courseNames[course.ID] = course.Name
	}

	var records []gakuen.AssignmentRecord
	for _, course := range courses {
		works, err := c.courseWork(ctx, token, course.ID)
		if err != nil {
			slog.WarnContext(ctx, "skipping classroom course with failing coursework fetch",
				"course", course.ID,
				"err", err,
			)
			continue
		}
		for _, work := range works {
			due, ok := dueInstant(work)
			if !ok || time.Since(due) > staleDeadline {
				continue
			}
			pending, err := c.hasPendingSubmission(ctx, token, work)
			if err != nil {
				slog.WarnContext(ctx, "skipping coursework with failing submission fetch",
					"course", work.CourseID,
					"coursework", work.ID,
					"err", err,
				)
				continue
			}
			if !pending {
				continue
			}
			records = append(records, recordFromCourseWork(work, courseNames[work.CourseID], due))
		}
	}
	return records, nil
}

func (c *Client) activeCourses(ctx context.Context, token string) ([]course, error) {
	var body struct {
		Courses []course `json:"courses"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("courseStates", "ACTIVE").
		SetResult(&body).
		Get("/courses")
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("list courses: status %d", res.StatusCode())
	}
	return body.Courses, nil
}

func (c *Client) courseWork(ctx context.Context, token, courseID string) ([]courseWork, error) {
	var body struct {
		CourseWork []courseWork `json:"courseWork"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get(fmt.Sprintf("/courses/%s/courseWork", courseID))
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("list coursework: status %d", res.StatusCode())
	}
	return body.CourseWork, nil
}

// hasPendingSubmission reports whether the user still has an
// unsubmitted hand-in for the coursework item.
func (c *Client) hasPendingSubmission(ctx context.Context, token string, work courseWork) (bool, error) {
	var body struct {
		StudentSubmissions []struct {
			ID string `json:"id"`
		} `json:"studentSubmissions"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParamsFromValues(map[string][]string{
			"states": {"NEW", "CREATED", "RECLAIMED_BY_STUDENT"},
		}).
		SetResult(&body).
		Get(fmt.Sprintf("/courses/%s/courseWork/%s/studentSubmissions", work.CourseID, work.ID))
	if err != nil {
		return false, err
	}
	if res.StatusCode() != 200 {
		return false, fmt.Errorf("list submissions: status %d", res.StatusCode())
	}
	return len(body.StudentSubmissions) > 0, nil
}

// dueInstant resolves the UTC-anchored due fields to one instant.
// Items without a time component default to end of day.
func dueInstant(work courseWork) (time.Time, bool) {
	if work.DueDate == nil {
		return time.Time{}, false
	}
	hours, minutes := 23, 59
	if work.DueTime != nil {
		hours, minutes = work.DueTime.Hours, work.DueTime.Minutes
	}
	return time.Date(
		work.DueDate.Year, time.Month(work.DueDate.Month), work.DueDate.Day,
		hours, minutes, 0, 0, time.UTC,
	), true
}

func recordFromCourseWork(work courseWork, courseName string, due time.Time) gakuen.AssignmentRecord {
	local := due.In(timezone.Location)
	url := work.AlternateLink
	if url == "" {
		url = fmt.Sprintf("https://classroom.google.com/c/%s/a/%s/details", work.CourseID, work.ID)
	}
	return gakuen.AssignmentRecord{
		ID:          work.ID,
		CourseID:    work.CourseID,
		CourseName:  courseName,
		Title:       work.Title,
		Description: work.Description,
		DueDate:     local.Format("2006-01-02"),
		DueTime:     local.Format("15:04"),
		URL:         url,
	}
}
