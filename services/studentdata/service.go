package studentdata

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/scrapers/gakuen"
	"gakuenhub-backend/lib/textutil"
	"gakuenhub-backend/lib/timezone"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/codes"
)

// ClassroomSource yields externally-managed assignments to merge with
// the scraped ones.
type ClassroomSource interface {
	Assignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error)
}

type Options struct {
	// campus portal address
	BaseURL string
	// optional second assignment source
	Classroom ClassroomSource
	// result cache lifetime, defaults to 10 minutes
	CacheTTL time.Duration
}

// Service aggregates per-student portal data behind a result cache.
type Service struct {
	qry       *db.Queries
	makeTx    db.MakeTx
	classroom ClassroomSource
	sessions  sessionCache
	baseURL   string

	assignmentCache *expirable.LRU[string, []gakuen.AssignmentRecord]
	noticeCache     *expirable.LRU[string, []gakuen.Notice]
}

func NewService(database *sql.DB, opts Options) Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute * 10
	}
	qry := db.New(database)
	return Service{
		qry:             qry,
		makeTx:          db.NewMakeTx(database),
		classroom:       opts.Classroom,
		sessions:        newSessionCache(qry, opts.BaseURL),
		baseURL:         opts.BaseURL,
		assignmentCache: expirable.NewLRU[string, []gakuen.AssignmentRecord](2048, nil, ttl),
		noticeCache:     expirable.NewLRU[string, []gakuen.Notice](2048, nil, ttl),
	}
}

// RegisterUser validates the credentials against the portal's JSON
// login and stores the reusable encrypted password for polling.
func (s Service) RegisterUser(ctx context.Context, userID, password, deviceToken string) error {
	ctx, span := tracer.Start(ctx, "studentdata:RegisterUser")
	defer span.End()

	client, err := gakuen.NewClient(ctx, gakuen.ClientOptions{
		BaseURL:  s.baseURL,
		UserID:   userID,
		Password: password,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	encrypted, err := client.WebAPILogin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "portal login failed")
		return err
	}

	now := timezone.Now().Unix()
	err = s.qry.UpsertUser(ctx, db.UpsertUserParams{
		UserID:            userID,
		EncryptedPassword: encrypted,
		DeviceToken:       deviceToken,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("failed to store user credential: %w", err)
	}
	s.sessions.Drop(userID)
	return nil
}

// CheckCredentials validates a portal login without persisting
// anything.
func (s Service) CheckCredentials(ctx context.Context, userID, password string) error {
	ctx, span := tracer.Start(ctx, "studentdata:CheckCredentials")
	defer span.End()

	client, err := gakuen.NewClient(ctx, gakuen.ClientOptions{
		BaseURL:  s.baseURL,
		UserID:   userID,
		Password: password,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = client.WebAPILogin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "portal login failed")
	}
	return err
}

// DropCached evicts the user's cached fetch results, for when an
// external source changed out of band.
func (s Service) DropCached(userID string) {
	s.assignmentCache.Remove(userID)
	s.noticeCache.Remove(userID)
}

// RemoveUser deletes whichever user registered the device token.
func (s Service) RemoveUser(ctx context.Context, deviceToken string) error {
	ctx, span := tracer.Start(ctx, "studentdata:RemoveUser")
	defer span.End()
	return s.qry.DeleteUserByDeviceToken(ctx, deviceToken)
}

// Users lists every registered user, for poll scheduling.
func (s Service) Users(ctx context.Context) ([]db.User, error) {
	return s.qry.GetAllUsers(ctx)
}

// deactivate drops a credential the portal stopped accepting. The
// session is evicted so no stale client keeps serving from cache, and
// the user row and any linked oauth tokens go away in one transaction.
func (s Service) deactivate(ctx context.Context, userID string) {
	slog.WarnContext(ctx, "portal rejected stored credential, deactivating user", "user", userID)
	s.sessions.Drop(userID)

	tx, discard, commit, err := s.makeTx()
	if err != nil {
		slog.ErrorContext(ctx, "failed to deactivate user", "user", userID, "err", err)
		return
	}
	defer discard()

	if err := tx.DeleteUser(ctx, userID); err != nil {
		slog.ErrorContext(ctx, "failed to deactivate user", "user", userID, "err", err)
		return
	}
	if err := tx.RevokeUserTokens(ctx, userID); err != nil {
		slog.ErrorContext(ctx, "failed to deactivate user", "user", userID, "err", err)
		return
	}
	if err := commit(); err != nil {
		slog.ErrorContext(ctx, "failed to deactivate user", "user", userID, "err", err)
	}
}

// session resolves a cached light session, deactivating the stored
// credential when the portal rejects it outright.
func (s Service) session(ctx context.Context, userID string) (*gakuen.Client, error) {
	client, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if gakuen.KindOf(err) == gakuen.KindLogin {
			s.deactivate(ctx, userID)
		}
		return nil, err
	}
	return client, nil
}

// GetAssignments merges the portal walk with the optional classroom
// source. Classroom failures degrade to scraped-only results.
func (s Service) GetAssignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error) {
	ctx, span := tracer.Start(ctx, "studentdata:GetAssignments")
	defer span.End()

	if cached, hit := s.assignmentCache.Get(userID); hit {
		span.AddEvent("cache hit")
		return cached, nil
	}

	client, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	records, err := client.Assignments(ctx)
	if err != nil {
		if gakuen.KindOf(err) == gakuen.KindLogin {
			s.deactivate(ctx, userID)
		} else {
			s.sessions.Drop(userID)
		}
		span.SetStatus(codes.Error, "assignment walk failed")
		return nil, err
	}

	if s.classroom != nil {
		external, err := s.classroom.Assignments(ctx, userID)
		if err != nil {
			slog.WarnContext(ctx, "classroom fetch failed, serving scraped data only",
				"user", userID,
				"err", err,
			)
		} else {
			records = append(records, external...)
		}
	}

	s.assignmentCache.Add(userID, records)
	return records, nil
}

// GetNotices yields the unread campus notice board entries.
func (s Service) GetNotices(ctx context.Context, userID string) ([]gakuen.Notice, error) {
	ctx, span := tracer.Start(ctx, "studentdata:GetNotices")
	defer span.End()

	if cached, hit := s.noticeCache.Get(userID); hit {
		span.AddEvent("cache hit")
		return cached, nil
	}

	client, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	notices, err := client.UnreadNotices(ctx)
	if err != nil {
		if gakuen.KindOf(err) == gakuen.KindLogin {
			s.deactivate(ctx, userID)
		} else {
			s.sessions.Drop(userID)
		}
		span.SetStatus(codes.Error, "notice fetch failed")
		return nil, err
	}

	s.noticeCache.Add(userID, notices)
	return notices, nil
}

// GetDaySchedule yields the current day's timetable view.
func (s Service) GetDaySchedule(ctx context.Context, userID string) (*gakuen.DaySchedule, error) {
	ctx, span := tracer.Start(ctx, "studentdata:GetDaySchedule")
	defer span.End()

	client, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	day, err := client.Schedule(ctx)
	if err != nil {
		if gakuen.KindOf(err) == gakuen.KindLogin {
			s.deactivate(ctx, userID)
		} else {
			s.sessions.Drop(userID)
		}
		span.SetStatus(codes.Error, "day schedule fetch failed")
		return nil, err
	}
	return day, nil
}

// GetRoster runs a full interactive login and returns the roster, with
// per-course attendance counters merged in from the bulletin webapi.
// Full sessions need the plaintext password, which is never stored, so
// the session is ephemeral.
func (s Service) GetRoster(ctx context.Context, userID, password string) ([]gakuen.RosterEntry, error) {
	ctx, span := tracer.Start(ctx, "studentdata:GetRoster")
	defer span.End()

	client, err := gakuen.NewClient(ctx, gakuen.ClientOptions{
		BaseURL:  s.baseURL,
		UserID:   userID,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	_, err = client.WebAPILogin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "portal login failed")
		return nil, err
	}
	roster, err := client.Login(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "full login failed")
		return nil, err
	}

	s.mergeAttendance(ctx, client, roster)
	return roster, nil
}

// mergeAttendance annotates roster entries with the attendance counters
// of the matching bulletin course. Bulletin failures degrade to a bare
// roster.
func (s Service) mergeAttendance(ctx context.Context, client *gakuen.Client, roster []gakuen.RosterEntry) {
	courses, err := client.ClassBulletinMenu(ctx, 0, 0)
	if err != nil {
		slog.WarnContext(ctx, "bulletin menu fetch failed, serving roster without attendance", "err", err)
		return
	}

	byKey := map[string]int{}
	for i, entry := range roster {
		byKey[textutil.NormalizeKey(entry.Title)] = i
	}
	for _, course := range courses {
		i, ok := byKey[textutil.NormalizeKey(course.Title)]
		if !ok {
			continue
		}
		att, err := client.CourseAttendance(ctx, course)
		if err != nil {
			slog.WarnContext(ctx, "attendance fetch failed, skipping course",
				"course", course.Title,
				"err", err,
			)
			continue
		}
		roster[i].Attendance = &att
	}
}

// GetCalendar runs a full login and fetches one month of schedule
// events.
func (s Service) GetCalendar(ctx context.Context, userID, password string, year int, month time.Month) ([]gakuen.CalendarEvent, error) {
	ctx, span := tracer.Start(ctx, "studentdata:GetCalendar")
	defer span.End()

	client, err := gakuen.NewClient(ctx, gakuen.ClientOptions{
		BaseURL:  s.baseURL,
		UserID:   userID,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	_, err = client.Login(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "full login failed")
		return nil, err
	}
	events, err := client.MonthEvents(ctx, year, month)
	if err != nil {
		span.SetStatus(codes.Error, "month fetch failed")
		return nil, err
	}
	return events, nil
}
