package gakuen

// server-assigned form field names, these must round-trip unchanged
const (
	fieldSyncToken  = "rx-token"
	fieldLoginKey   = "rx-loginKey"
	fieldDeviceKind = "rx-deviceKbn"
	fieldLoginType  = "rx-loginType"
	fieldViewState  = "javax.faces.ViewState"
)

// the very first authentication request declares this sentinel instead
// of a server-issued view state
const viewStateStateless = "stateless"

// SessionTokens is the correlated set of opaque values the portal
// issues per session. A request is only accepted when all five are
// present and were copied from the most recent response.
type SessionTokens struct {
	SyncToken  string
	LoginKey   string
	DeviceKind string
	LoginType  string
	ViewState  string
}

func (t SessionTokens) complete() bool {
	return t.SyncToken != "" &&
		t.LoginKey != "" &&
		t.DeviceKind != "" &&
		t.LoginType != "" &&
		t.ViewState != ""
}

// mergedWith fills fields the response left blank from the prior unit.
// Partial-update responses often refresh only the sync token and view
// state, the rest still belongs to the same page lineage.
func (t SessionTokens) mergedWith(prior SessionTokens) SessionTokens {
	if t.SyncToken == "" {
		t.SyncToken = prior.SyncToken
	}
	if t.LoginKey == "" {
		t.LoginKey = prior.LoginKey
	}
	if t.DeviceKind == "" {
		t.DeviceKind = prior.DeviceKind
	}
	if t.LoginType == "" {
		t.LoginType = prior.LoginType
	}
	if t.ViewState == "" {
		t.ViewState = prior.ViewState
	}
	return t
}

// tokenStore is the single source of truth for authenticating outgoing
// requests. Tokens are replaced as a unit, never field by field from
// responses belonging to diverging page states. No lock: a session is
// only ever driven by one in-flight request at a time.
type tokenStore struct {
	current SessionTokens
	set     bool
}

func (s *tokenStore) replace(t SessionTokens) {
	s.current = t
	s.set = true
}

// refresh replaces the unit with tokens extracted from one response,
// carrying over fields that response did not re-issue.
func (s *tokenStore) refresh(t SessionTokens) {
	s.replace(t.mergedWith(s.current))
}

func (s *tokenStore) snapshot() (SessionTokens, error) {
	if !s.set || !s.current.complete() {
		return SessionTokens{}, permissionError("tokens_unset", "session tokens not populated, authentication has not completed")
	}
	return s.current, nil
}

func (s *tokenStore) reset() {
	s.current = SessionTokens{}
	s.set = false
}
