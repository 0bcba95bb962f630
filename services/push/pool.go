package push

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/timezone"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sender delivers one payload to one device. Implementations wrap the
// actual push transport (APNs, FCM, a test double).
type Sender interface {
	Send(ctx context.Context, deviceToken, payload string) error
}

// Window is a fixed daily delivery slot in portal-local hours, start
// inclusive and end exclusive. A window with Start > End spans
// midnight.
type Window struct {
	Start int
	End   int
}

func (w Window) contains(t time.Time) bool {
	hour := t.In(timezone.Location).Hour()
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

type Options struct {
	Sender Sender
	// Windows pins named pools to a delivery slot. Pools without an
	// entry flush on the next tick.
	Windows map[string]Window
	// defaults to one minute
	FlushInterval time.Duration
}

// Service is a sqlite-backed push queue. Enqueued payloads survive
// restarts and are flushed by a background daemon once their pool's
// delivery window opens.
type Service struct {
	qry     *db.Queries
	sender  Sender
	windows map[string]Window
}

func NewService(ctx context.Context, database *sql.DB, opts Options) Service {
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Minute
	}

	s := Service{
		qry:     db.New(database),
		sender:  opts.Sender,
		windows: opts.Windows,
	}
	go s.flushDaemon(ctx, opts.FlushInterval)
	return s
}

// Enqueue persists one payload under a pool. Delivery happens on a
// later flush tick, never inline.
func (s Service) Enqueue(ctx context.Context, poolID, deviceToken, payload string) error {
	ctx, span := tracer.Start(ctx, "push:Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("pool", poolID))

	err := s.qry.EnqueuePush(ctx, db.EnqueuePushParams{
		ID:          uuid.NewString(),
		PoolID:      poolID,
		DeviceToken: deviceToken,
		Payload:     payload,
		CreatedAt:   timezone.Now().Unix(),
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to enqueue push")
		return fmt.Errorf("failed to enqueue push: %w", err)
	}
	return nil
}

func (s Service) due(poolID string, now time.Time) bool {
	window, pinned := s.windows[poolID]
	if !pinned {
		return true
	}
	return window.contains(now)
}

// Flush delivers every queued payload whose pool is currently due.
// Failed sends stay queued for the next tick, only delivered payloads
// are removed.
func (s Service) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "push:Flush")
	defer span.End()

	pools, err := s.qry.ListPushPools(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list push pools")
		return fmt.Errorf("failed to list push pools: %w", err)
	}

	now := timezone.Now()
	for _, pool := range pools {
		if !s.due(pool, now) {
			continue
		}
		queued, err := s.qry.ListPoolPush(ctx, pool)
		if err != nil {
			return fmt.Errorf("failed to list pool %q: %w", pool, err)
		}
		for _, item := range queued {
			err := s.sender.Send(ctx, item.DeviceToken, item.Payload)
			if err != nil {
				slog.WarnContext(ctx, "push delivery failed, keeping queued",
					"pool", pool,
					"id", item.ID,
					"err", err,
				)
				continue
			}
			err = s.qry.DeletePush(ctx, item.ID)
			if err != nil {
				return fmt.Errorf("failed to dequeue push %q: %w", item.ID, err)
			}
		}
	}
	return nil
}

func (s Service) flushDaemon(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "start daemon", "task", "flush due push pools")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.Flush(ctx)
			if err != nil {
				slog.WarnContext(ctx, "push flush failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
