package gakuen

import (
	"context"
	"encoding/json"
	"strings"

	"gakuenhub-backend/lib/htmlutil"
	"gakuenhub-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

// Notice is one unread entry on the campus notice board.
type Notice struct {
	Title string
	// server-assigned anchor id, usable as an opaque reference
	Ref       string
	Important bool
}

// DayInfo is the header of the daily schedule page.
type DayInfo struct {
	Date    string
	Weekday string
}

// AllDayNote is a dateless note pinned to the top of a day.
type AllDayNote struct {
	Title     string
	Ref       string
	Important bool
}

// DayLesson is one timetable row of the daily schedule.
type DayLesson struct {
	Time string
	// 1-based period index derived from the slot start, 0 when the slot
	// does not match a known period
	LessonNumber int
	// marker the portal attaches to changed lessons, e.g. a room move
	SpecialTag   string
	Name         string
	Teachers     []string
	Room         string
	PreviousRoom string
}

// DaySchedule is one day of the mobile portal's timetable view.
type DaySchedule struct {
	Day     DayInfo
	AllDay  []AllDayNote
	Lessons []DayLesson
}

// period start times of the standard lesson grid
var lessonNumberByStart = map[string]int{
	"09:00": 1,
	"10:40": 2,
	"13:00": 3,
	"14:40": 4,
	"16:20": 5,
	"18:00": 6,
	"19:40": 7,
}

// UnreadNotices fetches the unread entries of the campus notice board.
// It drives its own navigation, routed straight to the board by the
// login info function id, so it only needs the encrypted password.
func (c *Client) UnreadNotices(ctx context.Context) ([]Notice, error) {
	ctx, span := tracer.Start(ctx, "client:UnreadNotices")
	defer span.End()

	if c.encryptedPassword == "" {
		span.SetStatus(codes.Error, "missing encrypted password")
		return nil, permissionError("no_encrypted_password", "UnreadNotices requires the encrypted password harvested by WebAPILogin")
	}

	loginInfo, err := json.Marshal(map[string]string{
		"funcId":            "Bsd507",
		"formId":            "Bsd50701",
		"userId":            c.userID,
		"password":          "",
		"encryptedPassword": c.encryptedPassword,
		"autoLoginAuthCd":   "",
		"parameterMap":      "",
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetQueryParam("webApiLoginInfo", string(loginInfo)).
		Get(pathMobileLogin)
	if err != nil {
		span.SetStatus(codes.Error, "notice board login page request failed")
		return nil, networkError("notice_login", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "notice board login page unavailable")
		return nil, networkError("notice_login", res.StatusCode(), nil)
	}

	if _, err := c.postMobileLoginForm(ctx); err != nil {
		return nil, err
	}

	form, err := c.authForm(map[string]string{
		"javax.faces.partial.ajax":                   "true",
		"javax.faces.source":                         "pmPage:funcForm:j_idt103:2:j_idt145",
		"javax.faces.partial.execute":                "pmPage:funcForm:j_idt103:2:j_idt145",
		"javax.faces.partial.render":                 "pmPage:funcForm:mainContent",
		"javax.faces.behavior.event":                 "click",
		"javax.faces.partial.event":                  "click",
		"pmPage:funcForm:j_idt103_newTab":            "pmPage:funcForm:j_idt103:2:j_idt104",
		"pmPage:funcForm:j_idt103_tabindex":          "2",
		"pmPage:funcForm":                            "pmPage:funcForm",
		"pmPage:funcForm:keyword_input":              "",
		"pmPage:funcForm:j_idt98":                    "",
		"pmPage:funcForm:j_idt95_collapsed":          "true",
		"pmPage:funcForm:j_idt103:0:j_idt109_active": "0,1,2,3,4,5,-1",
		"pmPage:funcForm:j_idt103_activeIndex":       "2",
		"javax.faces.RenderKitId":                    "PRIMEFACES_MOBILE",
	})
	if err != nil {
		return nil, err
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathNoticeBoard)
	if err != nil {
		span.SetStatus(codes.Error, "notice board request failed")
		return nil, networkError("notice_board", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "notice board unavailable")
		return nil, networkError("notice_board", res.StatusCode(), nil)
	}

	envelope, err := parsePartialResponse(res.Body())
	if err != nil {
		return nil, err
	}
	c.tokens.refresh(envelope.tokens())

	content, ok := envelope.region(":mainContent")
	if !ok {
		span.SetStatus(codes.Error, "main content region missing")
		return nil, dataError("missing_region", "notice board response carries no main content region")
	}
	doc, err := parseDocument([]byte(content))
	if err != nil {
		return nil, err
	}

	var notices []Notice
	doc.Find("li").Each(func(_ int, item *goquery.Selection) {
		classes := item.AttrOr("class", "")
		if !strings.Contains(classes, "listIndent") || !strings.Contains(classes, "newRead") {
			return
		}
		link := item.Find("a").First()
		if link.Length() == 0 {
			return
		}
		notices = append(notices, Notice{
			Title:     textutil.NormalizeTitle(link.Text()),
			Ref:       link.AttrOr("id", ""),
			Important: strings.Contains(classes, "importantRead"),
		})
	})
	return notices, nil
}

// Schedule fetches the timetable view of the current day. Requires a
// completed light flow.
func (c *Client) Schedule(ctx context.Context) (*DaySchedule, error) {
	ctx, span := tracer.Start(ctx, "client:Schedule")
	defer span.End()

	if !c.lightAuth {
		span.SetStatus(codes.Error, "not authenticated")
		return nil, permissionError("not_authenticated", "Schedule requires a completed LoginLight")
	}

	form, err := c.authForm(map[string]string{
		"javax.faces.partial.ajax":        "true",
		"javax.faces.source":              "pmPage:funcForm:j_idt98",
		"javax.faces.partial.execute":     "pmPage:funcForm:j_idt98",
		"javax.faces.partial.render":      "pmPage:funcForm:mainContent",
		"pmPage:funcForm:j_idt98":         "pmPage:funcForm:j_idt98",
		"pmPage:funcForm":                 "pmPage:funcForm",
		"pmPage:funcForm:j_idt107_active": "0,1",
		"javax.faces.RenderKitId":         "PRIMEFACES_MOBILE",
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathMobilePortal)
	if err != nil {
		span.SetStatus(codes.Error, "day schedule request failed")
		return nil, networkError("day_schedule", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "day schedule unavailable")
		return nil, networkError("day_schedule", res.StatusCode(), nil)
	}

	envelope, err := parsePartialResponse(res.Body())
	if err != nil {
		return nil, err
	}
	c.tokens.refresh(envelope.tokens())

	content, ok := envelope.region(":mainContent")
	if !ok {
		span.SetStatus(codes.Error, "main content region missing")
		return nil, dataError("missing_region", "day schedule response carries no main content region")
	}
	doc, err := parseDocument([]byte(content))
	if err != nil {
		return nil, err
	}
	return parseDaySchedule(doc), nil
}

func parseDaySchedule(doc *goquery.Document) *DaySchedule {
	out := &DaySchedule{}

	if raw, ok := optionalText(doc.Find("span.dateDisp")); ok {
		out.Day = parseDayInfo(raw)
	}

	doc.Find("div.syujitsuPanel a").Each(func(_ int, link *goquery.Selection) {
		title := textutil.NormalizeTitle(link.Text())
		if title == "" {
			return
		}
		out.AllDay = append(out.AllDay, AllDayNote{
			Title:     title,
			Ref:       link.AttrOr("id", ""),
			Important: strings.Contains(title, "重要"),
		})
	})

	doc.Find("li").Each(func(_ int, item *goquery.Selection) {
		header := item.Find("div.jknbtHdr").First()
		if header.Length() == 0 {
			return
		}
		out.Lessons = append(out.Lessons, parseDayLesson(item, header))
	})

	return out
}

// the header renders as "date(weekday)"
func parseDayInfo(raw string) DayInfo {
	open := strings.Index(raw, "(")
	if open < 0 {
		return DayInfo{Date: raw}
	}
	return DayInfo{
		Date:    strings.TrimSpace(raw[:open]),
		Weekday: strings.TrimSuffix(strings.TrimSpace(raw[open+1:]), ")"),
	}
}

func parseDayLesson(item, header *goquery.Selection) DayLesson {
	lesson := DayLesson{}

	hdrText := htmlutil.GetText(header.Get(0))
	if tag, ok := optionalText(header.Find("span.signLesson")); ok {
		lesson.SpecialTag = tag
		hdrText = strings.ReplaceAll(hdrText, tag, "")
	}
	lesson.Time = strings.TrimSpace(hdrText)
	for start, num := range lessonNumberByStart {
		if strings.Contains(lesson.Time, start) {
			lesson.LessonNumber = num
			break
		}
	}

	if name, ok := optionalText(item.Find("span.jugyoName")); ok {
		lesson.Name = textutil.NormalizeTitle(name)
	}
	item.Find("a.tantoKyoin").Each(func(_ int, teacher *goquery.Selection) {
		lesson.Teachers = append(lesson.Teachers, textutil.NormalizeTitle(teacher.Text()))
	})

	details := item.Find("div.jknbtDtl").First()
	if details.Length() == 0 {
		return lesson
	}
	details.Children().Filter("div").Each(func(_ int, div *goquery.Selection) {
		_, hasID := div.Attr("id")
		_, hasClass := div.Attr("class")
		text := strings.TrimSpace(div.Text())
		switch {
		case !hasID && !hasClass && strings.Contains(text, "教室"):
			lesson.Room = text
		case hasID:
			// a room change renders the previous room in a nested div
			// under the only id-bearing child
			if prev, ok := optionalText(div.Find("div")); ok {
				lesson.PreviousRoom = prev
			}
		}
	})
	return lesson
}
