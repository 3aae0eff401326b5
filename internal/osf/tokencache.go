package osf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// TokenCache persists the access token between runs. Tokens are only valid
// for about an hour, so the cache lives in the process temp directory; it is
// written on login and removed on logout or detected invalidity.
type TokenCache struct {
	Path string
}

// cachedToken is the on-disk layout of the cache file.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope,omitempty"`
}

// DefaultTokenPath returns the cache location inside the temp directory.
func DefaultTokenPath() string {
	return filepath.Join(os.TempDir(), "osfsync-token.json")
}

// Save writes the token, readable only by the current user.
func (tc TokenCache) Save(tok *oauth2.Token, scope string) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("no token to save")
	}
	data, err := json.MarshalIndent(cachedToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
		Scope:       scope,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(tc.Path, data, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return nil
}

// Load reads the cached token. A missing cache yields a nil token and no
// error; a cache that does not parse is discarded.
func (tc TokenCache) Load() (*oauth2.Token, string, error) {
	data, err := os.ReadFile(tc.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read token cache: %w", err)
	}
	var ct cachedToken
	if err := json.Unmarshal(data, &ct); err != nil {
		_ = os.Remove(tc.Path)
		return nil, "", nil
	}
	tok := &oauth2.Token{
		AccessToken: ct.AccessToken,
		TokenType:   ct.TokenType,
		Expiry:      ct.ExpiresAt,
	}
	return tok, ct.Scope, nil
}

// Delete removes the cache file. An absent cache is not an error.
func (tc TokenCache) Delete() error {
	if err := os.Remove(tc.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
