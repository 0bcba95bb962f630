package gakuen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gakuenhub-backend/lib/textutil"
	"gakuenhub-backend/lib/timezone"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CalendarEvent is one normalized, time-boxed schedule entry. AllDay
// events carry whole-day boundaries at local midnight, timed events
// precise instants.
type CalendarEvent struct {
	Title  string
	Start  time.Time
	End    time.Time
	AllDay bool
	// merged in from the roster when the title matches
	Teacher string
	Room    string
}

// raw shape of the schedule widget's JSON payload
type rawCalendarEvent struct {
	Title     string `json:"title"`
	Start     string `json:"start"`
	End       string `json:"end"`
	AllDay    bool   `json:"allDay"`
	ClassName string `json:"className"`
}

type rawCalendarPayload struct {
	Events []rawCalendarEvent `json:"events"`
}

// advertising notices are rendered into the calendar with this class
// and are not academic events
const advertEventClass = "eventKeijiAd"

// the widget's instant format, e.g. 2025-04-07T09:00:00+0900
const eventTimeLayout = "2006-01-02T15:04:05-0700"

// MonthEvents issues one stateful partial-update request for the
// requested month and normalizes the returned events. Requires a full
// Login, whose harvested schedule region id addresses the request.
func (c *Client) MonthEvents(ctx context.Context, year int, month time.Month) ([]CalendarEvent, error) {
	ctx, span := tracer.Start(ctx, "client:MonthEvents")
	defer span.End()
	span.SetAttributes(
		attribute.Int("year", year),
		attribute.Int("month", int(month)),
	)

	if !c.fullAuth {
		span.SetStatus(codes.Error, "not authenticated")
		return nil, permissionError("not_authenticated", "MonthEvents requires a full Login first")
	}

	contentRegion := fmt.Sprintf("funcForm:%s:content", c.scheduleRegion)
	monthStart := strconv.FormatInt(
		time.Date(year, month, 1, 0, 0, 0, 0, timezone.Location).Unix(), 10,
	) + "000"

	form, err := c.authForm(map[string]string{
		"javax.faces.partial.ajax":   "true",
		"javax.faces.partial.render": contentRegion,
		contentRegion:                contentRegion,
		contentRegion + "_start":     monthStart,
		contentRegion + "_end":       monthStart,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathPortal)
	if err != nil {
		span.SetStatus(codes.Error, "month request failed")
		return nil, networkError("month_request", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "month request rejected")
		return nil, networkError("month_request", res.StatusCode(), nil)
	}

	envelope, err := parsePartialResponse(res.Body())
	if err != nil {
		span.SetStatus(codes.Error, "bad partial-update envelope")
		return nil, err
	}
	c.tokens.refresh(envelope.tokens())

	payload, ok := envelope.region(":content")
	if !ok {
		span.SetStatus(codes.Error, "payload region missing")
		return nil, dataError("missing_region", "partial response has no content region")
	}

	var raw rawCalendarPayload
	err = json.Unmarshal([]byte(strings.TrimSpace(payload)), &raw)
	if err != nil {
		span.SetStatus(codes.Error, "bad schedule payload")
		return nil, dataError("bad_payload", err.Error())
	}

	return c.normalizeEvents(ctx, raw.Events), nil
}

func (c *Client) normalizeEvents(ctx context.Context, raw []rawCalendarEvent) []CalendarEvent {
	var events []CalendarEvent
	for _, m := range raw {
		event, ok := c.normalizeEvent(ctx, m)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	return events
}

func (c *Client) normalizeEvent(ctx context.Context, m rawCalendarEvent) (CalendarEvent, bool) {
	event := CalendarEvent{
		Title:  textutil.NormalizeTitle(m.Title),
		AllDay: m.AllDay,
	}

	if m.AllDay {
		if m.ClassName == advertEventClass {
			return CalendarEvent{}, false
		}
		start, err := parseEventTime(m.Start)
		if err != nil {
			logSkippedEvent(ctx, m, err)
			return CalendarEvent{}, false
		}
		end, err := parseEventTime(m.End)
		if err != nil {
			logSkippedEvent(ctx, m, err)
			return CalendarEvent{}, false
		}
		// the server anchors all-day boundaries a day early, shift the
		// start so the local date range lines up
		event.Start = timezone.StartOfDay(start).AddDate(0, 0, 1)
		event.End = timezone.StartOfDay(end)
	} else {
		start, err := parseEventTime(m.Start)
		if err != nil {
			logSkippedEvent(ctx, m, err)
			return CalendarEvent{}, false
		}
		event.Start = start.In(timezone.Location)
		event.End = event.Start.Add(LessonDuration)
		if c.endTime == EndTimeFromServer {
			if end, err := parseEventTime(m.End); err == nil {
				event.End = end.In(timezone.Location)
			}
		}
	}

	if entry, ok := c.matchRoster(event.Title); ok {
		event.Teacher = strings.Join(entry.Teachers, " / ")
		event.Room = entry.Room
	}
	return event, true
}

func parseEventTime(s string) (time.Time, error) {
	t, err := time.Parse(eventTimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func logSkippedEvent(ctx context.Context, m rawCalendarEvent, err error) {
	slog.WarnContext(ctx, "skipping calendar event with unparsable instant",
		"title", m.Title,
		"start", m.Start,
		"end", m.End,
		"err", err,
	)
}

// similarity floor for the fuzzy fallback, exact key matches always
// win first
const rosterMatchThreshold = 0.93

// matchRoster resolves an event title to a roster entry: exact
// normalized-key lookup first, Jaro-Winkler fallback for titles the
// calendar renders with extra decorations.
func (c *Client) matchRoster(title string) (RosterEntry, bool) {
	if entry, ok := c.rosterByTitle(title); ok {
		return entry, true
	}

	key := textutil.NormalizeKey(title)
	best := -1
	bestScore := rosterMatchThreshold
	for i, entry := range c.roster {
		score := matchr.JaroWinkler(key, textutil.NormalizeKey(entry.Title), false)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		return RosterEntry{}, false
	}
	return c.roster[best], true
}
