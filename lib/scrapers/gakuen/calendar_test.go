package gakuen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"gakuenhub-backend/lib/textutil"
	"gakuenhub-backend/lib/timezone"

	"github.com/stretchr/testify/require"
)

func clientWithRoster(t testing.TB, entries []RosterEntry) *Client {
	c, err := NewClient(context.Background(), ClientOptions{
		BaseURL: "https://portal.example.ac.jp",
	})
	require.NoError(t, err)
	c.roster = entries
	c.rosterIndex = map[string]int{}
	for i, entry := range entries {
		c.rosterIndex[textutil.NormalizeKey(entry.Title)] = i
	}
	return c
}

func TestNormalizeEventAllDayShift(t *testing.T) {
	c := clientWithRoster(t, nil)

	event, ok := c.normalizeEvent(context.Background(), rawCalendarEvent{
		Title:  "春季休業",
		Start:  "2025-04-06T00:00:00+0900",
		End:    "2025-04-08T00:00:00+0900",
		AllDay: true,
	})
	require.True(t, ok)
	require.True(t, event.AllDay)
	require.Equal(t, time.Date(2025, 4, 7, 0, 0, 0, 0, timezone.Location), event.Start)
	require.Equal(t, time.Date(2025, 4, 8, 0, 0, 0, 0, timezone.Location), event.End)
}

func TestNormalizeEventDropsAdverts(t *testing.T) {
	c := clientWithRoster(t, nil)

	_, ok := c.normalizeEvent(context.Background(), rawCalendarEvent{
		Title:     "お知らせ",
		Start:     "2025-04-06T00:00:00+0900",
		End:       "2025-04-07T00:00:00+0900",
		AllDay:    true,
		ClassName: advertEventClass,
	})
	require.False(t, ok)
}

func TestNormalizeEventSynthesizedEnd(t *testing.T) {
	c := clientWithRoster(t, nil)

	event, ok := c.normalizeEvent(context.Background(), rawCalendarEvent{
		Title: "データ構造",
		Start: "2025-04-07T09:00:00+0900",
		End:   "2025-04-07T23:59:59+0900",
	})
	require.True(t, ok)
	require.False(t, event.AllDay)
	require.Equal(t, time.Date(2025, 4, 7, 9, 0, 0, 0, timezone.Location), event.Start)
	require.Equal(t, event.Start.Add(LessonDuration), event.End)
}

func TestNormalizeEventServerEnd(t *testing.T) {
	c := clientWithRoster(t, nil)
	c.endTime = EndTimeFromServer

	event, ok := c.normalizeEvent(context.Background(), rawCalendarEvent{
		Title: "データ構造",
		Start: "2025-04-07T09:00:00+0900",
		End:   "2025-04-07T12:00:00+0900",
	})
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 4, 7, 12, 0, 0, 0, timezone.Location), event.End)
}

func TestNormalizeEventSkipsUnparsableInstant(t *testing.T) {
	c := clientWithRoster(t, nil)

	_, ok := c.normalizeEvent(context.Background(), rawCalendarEvent{
		Title: "データ構造",
		Start: "not a time",
	})
	require.False(t, ok)
}

func TestMatchRoster(t *testing.T) {
	c := clientWithRoster(t, []RosterEntry{
		{Title: "データ構造", Teachers: []string{"佐藤 花子"}, Room: "202教室"},
		{Title: "プログラミング演習Ⅰ", Teachers: []string{"山田 太郎"}, Room: "PC1"},
	})

	// exact after whitespace normalization
	entry, ok := c.matchRoster("データ構造")
	require.True(t, ok)
	require.Equal(t, "202教室", entry.Room)

	// fuzzy fallback bridges near-identical glyph variants
	entry, ok = c.matchRoster("プログラミング演習I")
	require.True(t, ok)
	require.Equal(t, "PC1", entry.Room)

	_, ok = c.matchRoster("体育")
	require.False(t, ok)
}

func TestMonthEvents(t *testing.T) {
	const envelope = `<?xml version="1.0" encoding="UTF-8"?>
<partial-response><changes>
<update id="funcForm:j_idt361:content"><![CDATA[{"events":[
{"title":"データ構造","start":"2025-04-07T09:00:00+0900","end":"2025-04-07T10:30:00+0900","allDay":false,"className":"event1"},
{"title":"お知らせ","start":"2025-04-06T00:00:00+0900","end":"2025-04-07T00:00:00+0900","allDay":true,"className":"eventKeijiAd"}
]}]]></update>
<update id="j_id1:javax.faces.ViewState:0"><![CDATA[vs-2]]></update>
</changes></partial-response>`

	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathPortal, r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(envelope))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)
	c.tokens.replace(SessionTokens{
		SyncToken:  "token-1",
		LoginKey:   "key-1",
		DeviceKind: "p",
		LoginType:  "0",
		ViewState:  "vs-1",
	})
	c.scheduleRegion = "j_idt361"
	c.roster = []RosterEntry{{Title: "データ構造", Teachers: []string{"佐藤 花子"}, Room: "202教室"}}
	c.rosterIndex = map[string]int{textutil.NormalizeKey("データ構造"): 0}
	c.fullAuth = true

	events, err := c.MonthEvents(context.Background(), 2025, time.April)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "データ構造", events[0].Title)
	require.Equal(t, "佐藤 花子", events[0].Teacher)
	require.Equal(t, "202教室", events[0].Room)

	// the request addresses the harvested region id and re-sends the
	// full token unit
	require.Equal(t, "funcForm:j_idt361:content", gotForm.Get("javax.faces.partial.render"))
	require.Equal(t, "token-1", gotForm.Get(fieldSyncToken))
	require.Equal(t, "vs-1", gotForm.Get(fieldViewState))

	// the view state rolls forward from the envelope
	tokens, err := c.Tokens()
	require.NoError(t, err)
	require.Equal(t, "vs-2", tokens.ViewState)
	require.Equal(t, "token-1", tokens.SyncToken)
}

func TestMonthEventsRequiresLogin(t *testing.T) {
	c := clientWithRoster(t, nil)
	_, err := c.MonthEvents(context.Background(), 2025, time.April)
	require.Error(t, err)
	require.Equal(t, KindPermission, KindOf(err))
}
