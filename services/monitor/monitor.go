package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/scrapers/gakuen"
	"gakuenhub-backend/lib/timezone"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
)

// AssignmentSource enumerates registered users and their current
// assignment lists.
type AssignmentSource interface {
	Users(ctx context.Context) ([]db.User, error)
	GetAssignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error)
}

// Queue receives the reminders the monitor produces.
type Queue interface {
	Enqueue(ctx context.Context, poolID, deviceToken, payload string) error
}

// pool for reminders that should go out immediately
const realtimePool = "realtime"

type Options struct {
	// defaults to 5 minutes
	Interval time.Duration
	// deadlines closer than this trigger a reminder, defaults to one
	// hour
	DueSoon time.Duration
}

// Service polls every registered user's assignments and queues a
// reminder when a deadline comes within reach. Each deadline is
// announced once.
type Service struct {
	students AssignmentSource
	queue    Queue
	dueSoon  time.Duration
	notified *expirable.LRU[string, struct{}]
}

func NewService(ctx context.Context, students AssignmentSource, queue Queue, opts Options) Service {
	if opts.Interval == 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.DueSoon == 0 {
		opts.DueSoon = time.Hour
	}

	s := Service{
		students: students,
		queue:    queue,
		dueSoon:  opts.DueSoon,
		notified: expirable.NewLRU[string, struct{}](8192, nil, 24*time.Hour),
	}
	go s.pollDaemon(ctx, opts.Interval)
	return s
}

type reminder struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Sweep checks every user once. The portal restarts nightly, polling
// during that window only produces noise, so it is skipped.
func (s Service) Sweep(ctx context.Context) error {
	return s.sweep(ctx, timezone.Now())
}

func quietHours(now time.Time) bool {
	h := now.Hour()
	return h >= 3 && (h < 6 || (h == 6 && now.Minute() < 10))
}

func (s Service) sweep(ctx context.Context, now time.Time) error {
	ctx, span := tracer.Start(ctx, "monitor:sweep")
	defer span.End()

	if quietHours(now) {
		span.AddEvent("quiet hours, skipping")
		return nil
	}

	users, err := s.students.Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	span.SetAttributes(attribute.Int("users", len(users)))

	for _, user := range users {
		records, err := s.students.GetAssignments(ctx, user.UserID)
		if err != nil {
			slog.WarnContext(ctx, "skipping user with failing assignment fetch",
				"user", user.UserID,
				"err", err,
			)
			continue
		}
		for _, record := range records {
			err := s.remind(ctx, user, record, now)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s Service) remind(ctx context.Context, user db.User, record gakuen.AssignmentRecord, now time.Time) error {
	due, err := time.ParseInLocation("2006-01-02 15:04", record.DueDate+" "+record.DueTime, timezone.Location)
	if err != nil {
		return nil
	}
	until := due.Sub(now)
	if until <= 0 || until > s.dueSoon {
		return nil
	}

	key := user.UserID + ":" + record.CourseID + ":" + record.Title + record.Description
	if _, seen := s.notified.Get(key); seen {
		return nil
	}

	payload, err := json.Marshal(reminder{
		Title: "【注意】課題の締切が近づいています！",
		Body: fmt.Sprintf("授業「%s」の課題の締切が近づいています！\n締め切り: %s %s",
			record.CourseName, record.DueDate, record.DueTime),
	})
	if err != nil {
		return err
	}

	err = s.queue.Enqueue(ctx, realtimePool, user.DeviceToken, string(payload))
	if err != nil {
		return fmt.Errorf("failed to queue reminder: %w", err)
	}
	s.notified.Add(key, struct{}{})
	return nil
}

func (s Service) pollDaemon(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "start daemon", "task", "sweep assignment deadlines")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.Sweep(ctx)
			if err != nil {
				slog.WarnContext(ctx, "deadline sweep failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
