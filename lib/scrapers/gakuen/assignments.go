package gakuen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"gakuenhub-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Window is a raw publish or submit period as the portal renders it.
type Window struct {
	Start string
	End   string
}

// AssignmentRecord is one assignment harvested by the list walk.
type AssignmentRecord struct {
	ID            string
	CourseID      string
	CourseName    string
	SemesterLabel string
	Group         string
	Title         string
	PublishWindow Window
	SubmitWindow  Window
	// derived from the submit-window end text
	DueDate string
	DueTime string

	Description      string
	SubmissionMethod string
	MinLength        string
	MaxLength        string
	URL              string
}

// anchors that open an assignment detail view carry this marker in
// their postback id, plain notice anchors do not
const assignmentAnchorMarker = "j_idt81"

// Assignments walks the assignment list one item at a time: a detail
// fetch, then a return-to-list call the server requires to keep its
// cursor on the same list. Network failures are retried up to the
// walk budget with a fresh light login, except on the final item where
// the upstream habitually fails as its end-of-list signal.
func (c *Client) Assignments(ctx context.Context) ([]AssignmentRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Assignments")
	defer span.End()

	if !c.lightAuth {
		span.SetStatus(codes.Error, "not authenticated")
		return nil, permissionError("not_authenticated", "Assignments requires LoginLight first")
	}

	anchors, err := c.listAssignmentAnchors(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to enumerate assignment list")
		return nil, err
	}
	total := len(anchors)
	span.SetAttributes(attribute.Int("anchors", total))

	var records []AssignmentRecord
	retries := 0
	for i := 0; i < total; {
		record, err := c.assignmentDetail(ctx, anchors[i])
		if err != nil && KindOf(err) == KindNetwork {
			if i == total-1 {
				// the portal regularly drops the connection instead of
				// rendering an empty tail, treat it as end of list
				span.AddEvent("network failure on final item, stopping walk")
				break
			}
			retries++
			if retries > c.maxRetries {
				span.SetStatus(codes.Error, "walk retry budget exhausted")
				return nil, &Error{
					Kind:    KindNetwork,
					Code:    "walk_exhausted",
					Message: fmt.Sprintf("assignment walk failed at item %d of %d after %d retries", i, total, c.maxRetries),
					Item:    i,
					Total:   total,
					cause:   err,
				}
			}
			slog.WarnContext(ctx, "assignment walk failure, re-authenticating",
				"item", i,
				"total", total,
				"retry", retries,
				"err", err,
			)
			if lerr := c.LoginLight(ctx); lerr != nil {
				return nil, lerr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
		retries = 0
		i++
	}

	return records, nil
}

// listAssignmentAnchors fetches the mobile list view and enumerates
// the anchors that match the detail postback marker.
func (c *Client) listAssignmentAnchors(ctx context.Context) ([]string, error) {
	form, err := c.authForm(map[string]string{
		"pmPage:funcForm":                   "pmPage:funcForm",
		"pmPage:funcForm:j_idt107_active":   "0,1",
		"javax.faces.RenderKitId":           "PRIMEFACES_MOBILE",
		"rx.sync.source":                    "pmPage:funcForm:j_idt107:j_idt126",
		"pmPage:funcForm:j_idt107:j_idt126": "pmPage:funcForm:j_idt107:j_idt126",
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathMobilePortal)
	if err != nil {
		return nil, networkError("assignment_list", 0, err)
	}
	if res.StatusCode() != 200 {
		return nil, networkError("assignment_list", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return nil, err
	}
	if banner, found := errorBanner(doc); found {
		return nil, loginError("rejected", banner)
	}
	c.tokens.refresh(tokensFromDocument(doc))

	var ids []string
	doc.Find("div.mainContent li a").Each(func(_ int, a *goquery.Selection) {
		id := a.AttrOr("id", "")
		if id == "" || !strings.Contains(id, assignmentAnchorMarker) {
			return
		}
		ids = append(ids, id)
	})
	return ids, nil
}

// assignmentDetail performs one full walk step: the detail fetch and
// the return-to-list call. A nil record with a nil error means the
// detail view lacked a mandatory field and the item was skipped.
func (c *Client) assignmentDetail(ctx context.Context, anchorID string) (*AssignmentRecord, error) {
	form, err := c.authForm(map[string]string{
		"pmPage:funcForm":         "pmPage:funcForm",
		"javax.faces.RenderKitId": "PRIMEFACES_MOBILE",
		"rx.sync.source":          anchorID,
		anchorID:                  anchorID,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathMobileDetail)
	if err != nil {
		return nil, networkError("assignment_detail", 0, err)
	}
	if res.StatusCode() != 200 {
		return nil, networkError("assignment_detail", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return nil, err
	}
	c.tokens.refresh(tokensFromDocument(doc))

	record := c.parseAssignment(ctx, doc, anchorID)

	err = c.returnToList(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// returnToList navigates back so the server keeps its list cursor,
// without it the next detail postback would reset the walk.
func (c *Client) returnToList(ctx context.Context) error {
	form, err := c.authForm(map[string]string{
		"pmPage:funcForm":                   "pmPage:funcForm",
		"pmPage:funcForm:tstContent":        "",
		"pmPage:funcForm:tstComment":        "",
		"pmPage:funcForm:j_idt278:j_idt281": "",
		"javax.faces.RenderKitId":           "PRIMEFACES_MOBILE",
		"rx.sync.source":                    "pmPage:funcForm:j_idt278:j_idt281",
	})
	if err != nil {
		return err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathMobileReturn)
	if err != nil {
		return networkError("return_to_list", 0, err)
	}
	if res.StatusCode() != 200 {
		return networkError("return_to_list", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return err
	}
	c.tokens.refresh(tokensFromDocument(doc))
	return nil
}

var (
	courseIDRegex = regexp.MustCompile(`\[(.*?)\]`)
	dueDateRegex  = regexp.MustCompile(`(\d{4}/\d{2}/\d{2})`)
	dueTimeRegex  = regexp.MustCompile(`(\d{2}:\d{2})`)
)

// parseAssignment extracts one record from a detail view. Optional
// fields default to empty, a missing mandatory field skips the record
// with a warning instead of failing the walk.
func (c *Client) parseAssignment(ctx context.Context, doc *goquery.Document, anchorID string) *AssignmentRecord {
	record := AssignmentRecord{
		ID:  anchorID,
		URL: c.assignmentURL(),
	}

	if info := doc.Find("div.jugyoInfo"); info.Length() > 0 {
		labels := info.Find("span.nendoGakkiDisp")
		if text, ok := optionalText(labels.Eq(0)); ok {
			record.SemesterLabel = textutil.NormalizeTitle(text)
		}
		if text, ok := optionalText(labels.Eq(1)); ok {
			record.CourseName = textutil.NormalizeTitle(text)
		}
		if m := courseIDRegex.FindStringSubmatch(info.Text()); len(m) > 1 {
			record.CourseID = m[1]
		}
	}

	table := doc.Find("ul.tableData")
	if table.Length() == 0 {
		slog.WarnContext(ctx, "skipping assignment without a detail table", "anchor", anchorID)
		return nil
	}

	if group, ok := labeledField(table, "課題グループ"); ok {
		record.Group = group
	}
	if title, ok := labeledField(table, "課題名"); ok {
		record.Title = textutil.NormalizeTitle(title)
	}
	if description, ok := labeledField(table, "課題内容"); ok {
		record.Description = description
	}
	record.PublishWindow = labeledWindow(table, "課題公開期間")
	record.SubmitWindow = labeledWindow(table, "課題提出期間")
	c.parseSubmissionMethod(table, &record)

	if m := dueDateRegex.FindStringSubmatch(record.SubmitWindow.End); len(m) > 1 {
		record.DueDate = strings.ReplaceAll(m[1], "/", "-")
	}
	if m := dueTimeRegex.FindStringSubmatch(record.SubmitWindow.End); len(m) > 1 {
		record.DueTime = m[1]
	}

	if record.Title == "" || record.DueDate == "" || record.DueTime == "" {
		slog.WarnContext(ctx, "skipping assignment with missing mandatory fields",
			"anchor", anchorID,
			"title", record.Title,
			"submit_window_end", record.SubmitWindow.End,
		)
		return nil
	}
	return &record
}

// labeledField finds the list item following the label element whose
// text contains the given caption.
func labeledField(table *goquery.Selection, caption string) (string, bool) {
	var value string
	found := false
	table.Find("label").EachWithBreak(func(_ int, label *goquery.Selection) bool {
		if !strings.Contains(label.Text(), caption) {
			return true
		}
		value, found = optionalText(label.Parent().Next())
		return false
	})
	return value, found
}

// labeledWindow reads a "start ～ end" period row: three spans where
// the first is the start and the third the end.
func labeledWindow(table *goquery.Selection, caption string) Window {
	var window Window
	table.Find("label").EachWithBreak(func(_ int, label *goquery.Selection) bool {
		if !strings.Contains(label.Text(), caption) {
			return true
		}
		spans := label.Parent().Next().Find("span")
		if spans.Length() >= 3 {
			window.Start = strings.TrimSpace(spans.Eq(0).Text())
			window.End = strings.TrimSpace(spans.Eq(2).Text())
		}
		return false
	})
	return window
}

// the submission method row is captioned by a bare list item rather
// than a label element
func (c *Client) parseSubmissionMethod(table *goquery.Selection, record *AssignmentRecord) {
	table.Find("li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		if !strings.Contains(li.Text(), "課題提出方法") || li.Children().Length() > 0 {
			return true
		}
		method := li.Next()
		if text, ok := optionalText(method); ok {
			record.SubmissionMethod = text
		}
		lengths := method.Find("span.smallInput")
		if lengths.Length() >= 2 {
			record.MinLength = strings.TrimSpace(lengths.Eq(0).Text())
			record.MaxLength = strings.TrimSpace(lengths.Eq(1).Text())
		}
		return false
	})
}

// assignmentURL reproduces the deep link the mobile portal accepts to
// land directly on the assignment list.
func (c *Client) assignmentURL() string {
	loginInfo, err := json.Marshal(map[string]string{
		"userId":            c.userID,
		"password":          "",
		"encryptedPassword": c.encryptedPassword,
		"autoLoginAuthCd":   "",
		"parameterMap":      "",
	})
	if err != nil {
		return ""
	}
	u := *c.BaseURL
	u.Path = pathMobileLogin
	u.RawQuery = url.Values{"webApiLoginInfo": {string(loginInfo)}}.Encode()
	return u.String()
}
