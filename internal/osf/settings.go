package osf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ClientSettings are the OAuth application parameters a deployment can
// serve centrally, so installed copies pick up credential rotations without
// shipping an update.
type ClientSettings struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// FetchClientSettings retrieves a settings document from rawurl. Callers
// keep their configured values on any failure.
func FetchClientSettings(ctx context.Context, rawurl string) (*ClientSettings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("build settings request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Detail: "settings document unavailable"}
	}
	var cs ClientSettings
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("decode settings document: %v", err)}
	}
	return &cs, nil
}
