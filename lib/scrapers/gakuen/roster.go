package gakuen

import (
	"fmt"
	"strings"

	"gakuenhub-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

// RosterTag is a positional annotation the portal renders in a lesson
// header, e.g. a room-change or cancellation marker.
type RosterTag struct {
	Kind string
	Text string
}

// RosterEntry is one enrolled lesson harvested during the full login.
// Immutable for the rest of the session.
type RosterEntry struct {
	Title    string
	Teachers []string
	Room     string
	Tags     []RosterTag
	// filled in from the bulletin detail when the caller merges it,
	// nil when no counters were fetched for the course
	Attendance *AttendanceSummary
}

// parseRoster runs two independent passes over the home page: one for
// the lesson entries, one for the positional tag annotations. Tags
// reference entries by document-order index; an index out of range is
// ignored, not fatal.
func parseRoster(doc *goquery.Document, keepAnnotation bool) []RosterEntry {
	var entries []RosterEntry
	seen := map[string]bool{}

	doc.Find("div.lessonMain").Each(func(_ int, lesson *goquery.Selection) {
		p := lesson.Find("p").First()
		if p.Length() == 0 {
			return
		}
		annotation := strings.TrimSpace(p.Find("span").First().Text())

		title := p.Text()
		if !keepAnnotation && annotation != "" {
			title = strings.Replace(title, annotation, "", 1)
		}
		title = textutil.NormalizeTitle(title)
		if title == "" || seen[textutil.NormalizeKey(title)] {
			return
		}
		seen[textutil.NormalizeKey(title)] = true

		detail := lesson.Find("div.lessonDetail")

		var teachers []string
		detail.Find("a").Each(func(_ int, a *goquery.Selection) {
			name := textutil.NormalizeTitle(a.Text())
			if name != "" {
				teachers = append(teachers, name)
			}
		})

		entries = append(entries, RosterEntry{
			Title:    title,
			Teachers: teachers,
			Room:     parseRoomAssignment(detail, annotation),
		})
	})

	for _, tag := range parsePositionalTags(doc) {
		if tag.index < 0 || tag.index >= len(entries) {
			continue
		}
		entries[tag.index].Tags = append(entries[tag.index].Tags, tag.RosterTag)
	}

	return entries
}

// parseRoomAssignment reads the room text out of a lesson detail
// block. A label element marks the room-change layout, where the third
// div holds the old room and the first the current one.
func parseRoomAssignment(detail *goquery.Selection, annotation string) string {
	divs := detail.Find("div")
	if detail.Find("label").Length() > 0 && divs.Length() >= 3 {
		return fmt.Sprintf(
			"変更: %s → %s",
			strings.TrimSpace(divs.Eq(2).Text()),
			strings.TrimSpace(divs.Eq(0).Text()),
		)
	}

	var rooms []string
	divs.Each(func(_ int, div *goquery.Selection) {
		if text, ok := optionalText(div); ok {
			rooms = append(rooms, text)
		}
	})
	room := strings.Join(rooms, " / ")
	if annotation != "" && room != "" {
		room = annotation + ": " + room
	}
	return room
}

type positionalTag struct {
	RosterTag
	index int
}

// parsePositionalTags yields tag annotations keyed by the document
// order of the lesson header that carries them. The kind is the second
// class on the sign element.
func parsePositionalTags(doc *goquery.Document) []positionalTag {
	var tags []positionalTag
	doc.Find("div.lessonHead").Each(func(index int, head *goquery.Selection) {
		head.Find("span.signLesson").Each(func(_ int, sign *goquery.Selection) {
			kind := ""
			for _, class := range strings.Fields(sign.AttrOr("class", "")) {
				if class != "signLesson" {
					kind = class
					break
				}
			}
			tags = append(tags, positionalTag{
				RosterTag: RosterTag{
					Kind: kind,
					Text: strings.TrimSpace(sign.Text()),
				},
				index: index,
			})
		})
	})
	return tags
}

// Roster returns the lesson entries harvested by the full login.
func (c *Client) Roster() ([]RosterEntry, error) {
	if !c.fullAuth {
		return nil, permissionError("not_authenticated", "Roster requires a full Login first")
	}
	return c.roster, nil
}

func (c *Client) rosterByTitle(title string) (RosterEntry, bool) {
	i, ok := c.rosterIndex[textutil.NormalizeKey(title)]
	if !ok {
		return RosterEntry{}, false
	}
	return c.roster[i], true
}
