package osf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// invalidTokenDetail is the detail message the API returns for a token it
// no longer accepts. It maps to ErrTokenExpired so the caller can force a
// re-login instead of showing a raw server error.
const invalidTokenDetail = "User provided an invalid OAuth2 access token"

// GETs are retried on transient failures because they are idempotent.
// Uploads and downloads are not retried; the user re-initiates those.
const (
	maxGetAttempts = 3
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Client issues authenticated calls against the API and decodes responses
// into the wire model. All methods go through the session's expiry gate
// before anything is dispatched.
type Client struct {
	Endpoints
	session *Session
	http    *http.Client
}

// NewClient creates a client bound to the session. The API base comes from
// the session configuration.
func NewClient(session *Session) *Client {
	return &Client{
		Endpoints: Endpoints{APIBase: session.APIBase()},
		session:   session,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// errorDocument is the error envelope of the API.
type errorDocument struct {
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}

// GetJSON issues an authenticated GET and decodes the response into v.
// Transient failures (transport errors, 429, 5xx) are retried with capped
// backoff.
func (c *Client) GetJSON(ctx context.Context, rawurl string, v any) error {
	var err error
	for attempt := 0; attempt < maxGetAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		err = c.do(ctx, http.MethodGet, rawurl, nil, v)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// PostJSON issues an authenticated POST with a JSON body and decodes the
// response into v (ignored when v is nil). POSTs are never retried.
func (c *Client) PostJSON(ctx context.Context, rawurl string, body, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawurl, bytes.NewReader(data), v)
}

// LoggedInUser fetches the profile of the authenticated user.
func (c *Client) LoggedInUser(ctx context.Context) (*User, error) {
	u, err := c.Endpoint("logged_in_user")
	if err != nil {
		return nil, err
	}
	var doc UserDocument
	if err := c.GetJSON(ctx, u, &doc); err != nil {
		return nil, err
	}
	return &doc.Data, nil
}

// FileInfo fetches the entity detail of a plain file or folder id.
func (c *Client) FileInfo(ctx context.Context, id string) (*Entity, error) {
	u, err := c.Endpoint("file_info", id)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := c.GetJSON(ctx, u, &doc); err != nil {
		return nil, err
	}
	return &doc.Data, nil
}

// VerifyNode checks that a linked node id still resolves. The response body
// is decoded for shape only and discarded.
func (c *Client) VerifyNode(ctx context.Context, id string) error {
	u, err := c.NodeURL(id)
	if err != nil {
		return err
	}
	var doc struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.GetJSON(ctx, u, &doc); err != nil {
		return err
	}
	if len(doc.Data) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("node %q resolved to an empty document", id)}
	}
	return nil
}

// UploadTarget resolves the entity that uploads for a linked node id go
// through. A composite id names a provider root and is matched by id inside
// the project's provider listing; a plain id names a folder and resolves
// directly. The returned entity carries the upload link and the files href.
func (c *Client) UploadTarget(ctx context.Context, nodeID string) (*Entity, error) {
	if project, _, ok := SplitNodeID(nodeID); ok {
		u, err := c.Endpoint("project_repos", project)
		if err != nil {
			return nil, err
		}
		var list ListDocument
		if err := c.GetJSON(ctx, u, &list); err != nil {
			return nil, err
		}
		ent, found := FindByID(list.Data, nodeID)
		if !found {
			return nil, &ProtocolError{Reason: fmt.Sprintf("provider %q not in project listing", nodeID)}
		}
		return ent, nil
	}
	return c.FileInfo(ctx, nodeID)
}

// ListAll fetches a collection URL and follows its pagination links until
// the listing is complete.
func (c *Client) ListAll(ctx context.Context, rawurl string) ([]Entity, error) {
	var out []Entity
	next := rawurl
	for next != "" {
		var page ListDocument
		if err := c.GetJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		next = page.Links.Next
	}
	return out, nil
}

// Projects lists the projects of the authenticated user.
func (c *Client) Projects(ctx context.Context) ([]Entity, error) {
	u, err := c.Endpoint("user_projects")
	if err != nil {
		return nil, err
	}
	return c.ListAll(ctx, u)
}

// Providers lists the storage providers of a project.
func (c *Client) Providers(ctx context.Context, projectID string) ([]Entity, error) {
	u, err := c.Endpoint("project_repos", projectID)
	if err != nil {
		return nil, err
	}
	return c.ListAll(ctx, u)
}

// Session returns the session the client operates on.
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) do(ctx context.Context, method, rawurl string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.session.Authorize(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return ResponseError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("decode %s response: %v", rawurl, err)}
	}
	return nil
}

// ResponseError maps an error response to the taxonomy. A body whose first
// error detail is the known invalid-token message means the server rejected
// the token, which is equivalent to expiry.
func ResponseError(status int, body []byte) error {
	var doc errorDocument
	if json.Unmarshal(body, &doc) == nil && len(doc.Errors) > 0 {
		detail := doc.Errors[0].Detail
		if detail == invalidTokenDetail {
			return ErrTokenExpired
		}
		return &APIError{Status: status, Detail: detail}
	}
	return &APIError{Status: status}
}

func retryable(err error) bool {
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}
