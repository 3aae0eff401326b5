// Package osf implements the OAuth2 session, the typed API client, and the
// wire model for the Open Science Framework v2 API.
package osf

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Scope requested during authorization. Full write access is needed to
// upload experiments and data files.
const Scope = "osf.full_write"

// Config holds the OAuth2 parameters of a session. ClientID and RedirectURI
// come from the deployment's OSF application registration.
type Config struct {
	ClientID     string
	RedirectURI  string
	AccountsBase string
	APIBase      string
}

// Session owns the token lifecycle against the accounts service. The API
// uses the implicit grant: the token arrives in the redirect fragment, there
// is no refresh token, and expiry forces a full re-login.
//
// The token is guarded by a mutex because API calls run on their own
// goroutines.
type Session struct {
	cfg    Config
	oauth  oauth2.Config
	client *http.Client

	mu    sync.RWMutex
	token *oauth2.Token
	scope string
	state string
}

// NewSession creates an unauthenticated session.
func NewSession(cfg Config) *Session {
	accounts := cfg.AccountsBase
	if accounts == "" {
		accounts = DefaultAccountsBase
	}
	if !strings.HasSuffix(accounts, "/") {
		accounts += "/"
	}
	cfg.AccountsBase = accounts
	return &Session{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      []string{Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  accounts + "authorize",
				TokenURL: accounts + "token",
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthorizationURL builds the implicit-grant authorization URL together with
// the state parameter embedded in it. The state on the redirect must match.
func (s *Session) AuthorizationURL() (string, string) {
	state := newState()
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	u := s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("response_type", "token"))
	return u, state
}

// ParseTokenFromRedirect extracts the token from the fragment of the
// redirect URL the browser navigates to after the user grants access. The
// session becomes authenticated on success.
func (s *Session) ParseTokenFromRedirect(rawurl string) (*oauth2.Token, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &AuthError{Reason: fmt.Sprintf("invalid redirect url: %v", err)}
	}
	if u.Fragment == "" {
		return nil, &AuthError{Reason: "redirect url has no token fragment"}
	}
	vals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, &AuthError{Reason: fmt.Sprintf("malformed token fragment: %v", err)}
	}
	if e := vals.Get("error"); e != "" {
		reason := e
		if d := vals.Get("error_description"); d != "" {
			reason = d
		}
		return nil, &AuthError{Reason: reason}
	}
	access := vals.Get("access_token")
	if access == "" {
		return nil, &AuthError{Reason: "token fragment has no access_token"}
	}

	s.mu.Lock()
	wantState := s.state
	s.mu.Unlock()
	if wantState != "" && vals.Get("state") != wantState {
		return nil, &AuthError{Reason: "state parameter does not match"}
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   vals.Get("token_type"),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if raw := vals.Get("expires_in"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &AuthError{Reason: fmt.Sprintf("bad expires_in %q", raw)}
		}
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}

	s.mu.Lock()
	s.token = tok
	s.scope = vals.Get("scope")
	s.state = ""
	s.mu.Unlock()
	return tok, nil
}

// Restore installs a previously cached token. It reports false, leaving the
// session unauthenticated, when the token is missing or already expired.
func (s *Session) Restore(tok *oauth2.Token, scope string) bool {
	if tok == nil || tok.AccessToken == "" || expired(tok) {
		return false
	}
	s.mu.Lock()
	s.token = tok
	s.scope = scope
	s.mu.Unlock()
	return true
}

// IsAuthorized reports whether a token is present. Expiry is checked per
// call, not here.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil
}

// Token returns the current token and its scope. The token is nil when the
// session is unauthenticated.
func (s *Session) Token() (*oauth2.Token, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.scope
}

// Invalidate drops the token, returning the session to the unauthenticated
// state. Used on logout and when the server rejects the token.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.scope = ""
	s.mu.Unlock()
}

// Authorize attaches the bearer token to req. It fails with ErrTokenExpired
// before any network dispatch when the token is past its expiry.
func (s *Session) Authorize(req *http.Request) error {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()
	if tok == nil {
		return &AuthError{Reason: "not logged in"}
	}
	if expired(tok) {
		return ErrTokenExpired
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

// Logout revokes the token at the accounts service and clears it. The
// server answers 204 on success; anything else is an API error and the
// token is kept so the caller may retry.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()
	if tok == nil {
		return nil
	}

	form := url.Values{"token": {tok.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.AccountsBase+"revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return &APIError{Status: resp.StatusCode, Detail: "token revoke rejected"}
	}

	s.Invalidate()
	return nil
}

// APIBase returns the configured API base URL.
func (s *Session) APIBase() string {
	return s.cfg.APIBase
}

// RedirectURI returns the configured OAuth redirect URI.
func (s *Session) RedirectURI() string {
	return s.cfg.RedirectURI
}

func expired(tok *oauth2.Token) bool {
	return !tok.Expiry.IsZero() && !time.Now().Before(tok.Expiry)
}

func newState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b)
}
