package gakuen

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"gakuenhub-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

// Login drives the full authentication flow: POST the credentials,
// harvest the session tokens, clear a blocking notice if one is up,
// locate the two dynamic region ids later calls depend on and parse
// the class roster. Returns the roster.
func (c *Client) Login(ctx context.Context) ([]RosterEntry, error) {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"loginForm":             "loginForm",
			"loginForm:userId":      c.userID,
			"loginForm:password":    c.password,
			"loginForm:loginButton": "",
			fieldViewState:          viewStateStateless,
		}).
		Post(pathLogin)
	if err != nil {
		span.SetStatus(codes.Error, "login request failed")
		return nil, networkError("login_request", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "login page unavailable")
		return nil, networkError("login_request", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return nil, err
	}
	if banner, found := errorBanner(doc); found {
		span.SetStatus(codes.Error, "portal rejected credentials")
		return nil, loginError("rejected", banner)
	}

	c.tokens.replace(tokensFromDocument(doc))

	if stateOfPage(doc) == pageInterstitial {
		span.AddEvent("interstitial notice, returning to home")
		doc, err = c.returnHome(ctx)
		if err != nil {
			return nil, err
		}
	}

	c.scheduleRegion, err = findScheduleRegion(doc)
	if err != nil {
		span.SetStatus(codes.Error, "schedule region not found")
		return nil, err
	}
	c.assignmentRegion, err = findAssignmentRegion(doc)
	if err != nil {
		span.SetStatus(codes.Error, "assignment region not found")
		return nil, err
	}

	roster := parseRoster(doc, c.keepAnnotation)
	if len(roster) == 0 {
		span.SetStatus(codes.Error, "no roster entries")
		return nil, dataError("empty_roster", "home page yielded zero roster entries")
	}
	c.roster = roster
	c.rosterIndex = map[string]int{}
	for i, entry := range roster {
		c.rosterIndex[textutil.NormalizeKey(entry.Title)] = i
	}

	c.fullAuth = true
	return roster, nil
}

// returnHome acknowledges a blocking notice by navigating back to the
// home page and re-extracting the token unit from that response.
func (c *Client) returnHome(ctx context.Context) (*goquery.Document, error) {
	form, err := c.authForm(map[string]string{
		"headerForm":      "headerForm",
		"headerForm:logo": "",
		"rx.sync.source":  "headerForm:logo",
	})
	if err != nil {
		return nil, err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathHome)
	if err != nil {
		return nil, networkError("return_home", 0, err)
	}
	if res.StatusCode() != 200 {
		return nil, networkError("return_home", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return nil, err
	}
	if banner, found := errorBanner(doc); found {
		return nil, loginError("rejected", banner)
	}
	c.tokens.refresh(tokensFromDocument(doc))
	return doc, nil
}

var scheduleWidgetRegex = regexp.MustCompile(`PrimeFaces\.cw\(\s*["']Schedule["']`)

// findScheduleRegion locates the calendar widget's dynamic region id
// by scanning embedded script blocks for the widget constructor, not
// by document position.
func findScheduleRegion(doc *goquery.Document) (string, error) {
	region := ""
	doc.Find("script[type='text/javascript']").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		id := script.AttrOr("id", "")
		if !strings.HasPrefix(id, "funcForm:") {
			return true
		}
		if !scheduleWidgetRegex.MatchString(script.Text()) {
			return true
		}
		region = strings.TrimPrefix(id, "funcForm:")
		return false
	})
	if region == "" {
		return "", dataError("schedule_region", "no script block declares the schedule widget")
	}
	return region, nil
}

// findAssignmentRegion follows the portal-support navigation anchor to
// the datalist region the assignment deadlines live in.
func findAssignmentRegion(doc *goquery.Document) (string, error) {
	href := doc.Find("div#portalSupport li a").First().AttrOr("href", "")
	region := strings.TrimPrefix(href, "#funcForm:")
	if region == "" || region == href {
		return "", dataError("assignment_region", "portal support anchor missing or malformed")
	}
	return region, nil
}

// LoginLight runs the narrow polling flow. It requires the reusable
// encrypted-password token from a prior WebAPILogin and does not parse
// the roster.
func (c *Client) LoginLight(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:LoginLight")
	defer span.End()

	if c.encryptedPassword == "" {
		span.SetStatus(codes.Error, "missing encrypted password")
		return permissionError("no_encrypted_password", "LoginLight requires the encrypted password harvested by WebAPILogin")
	}

	loginInfo, err := json.Marshal(map[string]string{
		"userId":            c.userID,
		"password":          "",
		"encryptedPassword": c.encryptedPassword,
		"autoLoginAuthCd":   "",
		"parameterMap":      "",
	})
	if err != nil {
		return err
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetQueryParam("webApiLoginInfo", string(loginInfo)).
		Get(pathMobileLogin)
	if err != nil {
		span.SetStatus(codes.Error, "mobile login page request failed")
		return networkError("light_login", 0, err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "mobile login page unavailable")
		return networkError("light_login", res.StatusCode(), nil)
	}

	doc, err := c.postMobileLoginForm(ctx)
	if err != nil {
		return err
	}

	if stateOfMobilePage(doc) == pageInterstitial {
		span.AddEvent("mobile interstitial notice, re-acknowledging")
		doc, err = c.postMobileLoginForm(ctx)
		if err != nil {
			return err
		}
		if stateOfMobilePage(doc) == pageInterstitial {
			span.SetStatus(codes.Error, "interstitial notice did not clear")
			return dataError("interstitial", "mobile interstitial notice did not clear")
		}
	}

	c.lightAuth = true
	return nil
}

func (c *Client) postMobileLoginForm(ctx context.Context) (*goquery.Document, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"pmPage:loginForm":              "pmPage:loginForm",
			"pmPage:loginForm:autoLogin":    "",
			"pmPage:loginForm:userId_input": "",
			"pmPage:loginForm:password":     "",
			fieldViewState:                  viewStateStateless,
			"javax.faces.RenderKitId":       "PRIMEFACES_MOBILE",
		}).
		Post(pathMobileLogin)
	if err != nil {
		return nil, networkError("light_login", 0, err)
	}
	if res.StatusCode() != 200 {
		return nil, networkError("light_login", res.StatusCode(), nil)
	}

	doc, err := parseDocument(res.Body())
	if err != nil {
		return nil, err
	}
	if banner, found := errorBanner(doc); found {
		return nil, loginError("rejected", banner)
	}
	c.tokens.refresh(tokensFromDocument(doc))
	return doc, nil
}
