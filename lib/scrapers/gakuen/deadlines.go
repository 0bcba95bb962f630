package gakuen

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gakuenhub-backend/lib/textutil"
	"gakuenhub-backend/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

// Deadline is one row of the home page's assignment-deadline widget, a
// lighter view of upcoming work than the full assignment walk.
type Deadline struct {
	// the badge text of the row, e.g. 課題
	Kind   string
	Posted string
	Title  string
	Course string
	// the widget renders the due date without a time, the portal closes
	// submissions at 23:59 of that day
	Due time.Time
}

const deadlineDueLayout = "2006/01/02/15:04"

// DeadlineList issues one partial-update request against the harvested
// deadline-widget region and parses its rows. Requires a full Login,
// whose harvested region id addresses the request.
func (c *Client) DeadlineList(ctx context.Context) ([]Deadline, error) {
	ctx, span := tracer.Start(ctx, "client:DeadlineList")
	defer span.End()

	if !c.fullAuth {
		span.SetStatus(codes.Error, "not authenticated")
		return nil, permissionError("not_authenticated", "DeadlineList requires a full Login first")
	}

	region := "funcForm:" + c.assignmentRegion
	form, err := c.authForm(map[string]string{
		"javax.faces.partial.ajax":   "true",
		"javax.faces.partial.render": region,
		region:                       region,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathPortal)
	if err != nil {
		span.SetStatus(codes.Error, "deadline request failed")
		return nil, networkError("deadline_request", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "deadline request rejected")
		return nil, networkError("deadline_request", res.StatusCode(), nil)
	}

	envelope, err := parsePartialResponse(res.Body())
	if err != nil {
		span.SetStatus(codes.Error, "bad partial-update envelope")
		return nil, err
	}
	c.tokens.refresh(envelope.tokens())

	payload, ok := envelope.region(region)
	if !ok {
		span.SetStatus(codes.Error, "payload region missing")
		return nil, dataError("missing_region", "partial response has no deadline region")
	}

	doc, err := parseDocument([]byte(payload))
	if err != nil {
		return nil, err
	}

	var deadlines []Deadline
	doc.Find("li.ui-datalist-item").Each(func(_ int, item *goquery.Selection) {
		d, ok := parseDeadline(ctx, item)
		if !ok {
			return
		}
		deadlines = append(deadlines, d)
	})
	return deadlines, nil
}

// parseDeadline reads one widget row. Rows without the assignment badge
// are other notice kinds and are skipped silently, badged rows with an
// unparsable due date are skipped with a warning.
func parseDeadline(ctx context.Context, item *goquery.Selection) (Deadline, bool) {
	sign, ok := optionalText(item.Find(".signPortal.signPortalKadai"))
	if !ok {
		return Deadline{}, false
	}

	dates := item.Find(".textDate")
	dueText := strings.TrimSpace(dates.Last().Text())
	due, err := time.ParseInLocation(deadlineDueLayout, dueText+"/23:59", timezone.Location)
	if err != nil {
		slog.WarnContext(ctx, "skipping deadline row with unparsable due date",
			"due", dueText,
			"err", err,
		)
		return Deadline{}, false
	}

	return Deadline{
		Kind:   sign,
		Posted: strings.TrimSpace(dates.First().Text()),
		Title:  textutil.NormalizeTitle(item.Find(".textTitle").First().Text()),
		Course: textutil.NormalizeTitle(item.Find(".textFrom").Eq(1).Text()),
		Due:    due,
	}, true
}
