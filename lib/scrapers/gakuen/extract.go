package gakuen

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, dataError("bad_html", err.Error())
	}
	return doc, nil
}

// tokensFromDocument scans hidden input fields for the session token
// set. Fields absent from the page come back empty.
func tokensFromDocument(doc *goquery.Document) SessionTokens {
	var t SessionTokens
	doc.Find("input").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		value := input.AttrOr("value", "")
		switch name {
		case fieldSyncToken:
			t.SyncToken = value
		case fieldLoginKey:
			t.LoginKey = value
		case fieldDeviceKind:
			t.DeviceKind = value
		case fieldLoginType:
			t.LoginType = value
		case fieldViewState:
			t.ViewState = value
		}
	})
	return t
}

// errorBanner returns the text of the portal's error message element
// if the page carries one.
func errorBanner(doc *goquery.Document) (string, bool) {
	banner := doc.Find("span.ui-messages-error-detail").First()
	if banner.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(banner.Text()), true
}

// pageState is the result of probing a freshly authenticated page for
// a blocking must-acknowledge notice.
type pageState int

const (
	pageNormal pageState = iota
	pageInterstitial
)

// the desktop portal blocks navigation with a survey notice rendered
// as a dt.msgArea element, the mobile portal uses an info message
func stateOfPage(doc *goquery.Document) pageState {
	if doc.Find("dt.msgArea").Length() > 0 {
		return pageInterstitial
	}
	return pageNormal
}

func stateOfMobilePage(doc *goquery.Document) pageState {
	if doc.Find("span.ui-messages-info-detail").Length() > 0 {
		return pageInterstitial
	}
	return pageNormal
}

// partialResponse is the XML envelope a partial-update request comes
// back in. Each update region carries a CDATA-wrapped fragment keyed
// by region name.
type partialResponse struct {
	XMLName xml.Name        `xml:"partial-response"`
	Updates []partialUpdate `xml:"changes>update"`
}

type partialUpdate struct {
	ID      string `xml:"id,attr"`
	Content string `xml:",chardata"`
}

func parsePartialResponse(body []byte) (*partialResponse, error) {
	var p partialResponse
	err := xml.Unmarshal(body, &p)
	if err != nil {
		return nil, dataError("bad_envelope", err.Error())
	}
	return &p, nil
}

// region looks the payload container up by its declared id suffix,
// never by position.
func (p *partialResponse) region(suffix string) (string, bool) {
	for _, u := range p.Updates {
		if strings.HasSuffix(u.ID, suffix) {
			return u.Content, true
		}
	}
	return "", false
}

// tokens walks every region of the envelope: hidden-field fragments
// contribute token fields, the dedicated ViewState region contributes
// the view state. The result is one unit extracted from one response.
func (p *partialResponse) tokens() SessionTokens {
	var out SessionTokens
	for _, u := range p.Updates {
		if strings.Contains(u.ID, "ViewState") {
			out.ViewState = strings.TrimSpace(u.Content)
			continue
		}
		if !strings.Contains(u.Content, fieldSyncToken) {
			continue
		}
		doc, err := parseDocument([]byte(u.Content))
		if err != nil {
			continue
		}
		out = tokensFromDocument(doc).mergedWith(out)
	}
	return out
}

// optionalText pulls trimmed text out of a selection, reporting
// absence instead of failing.
func optionalText(sel *goquery.Selection) (string, bool) {
	if sel.Length() == 0 {
		return "", false
	}
	text := strings.TrimSpace(sel.First().Text())
	if text == "" {
		return "", false
	}
	return text, true
}
