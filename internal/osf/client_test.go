package osf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// testClient wires a client against srv with a non-expiring token.
func testClient(srv *httptest.Server) *Client {
	s := NewSession(Config{ClientID: "c", APIBase: srv.URL + "/v2/"})
	s.Restore(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}, Scope)
	return NewClient(s)
}

func TestGetJSONSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	c := testClient(srv)
	var doc Document
	if err := c.GetJSON(context.Background(), srv.URL+"/v2/files/x/", &doc); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Document{Data: Entity{ID: "abc"}})
	}))
	defer srv.Close()

	c := testClient(srv)
	var doc Document
	if err := c.GetJSON(context.Background(), srv.URL+"/v2/files/abc/", &doc); err != nil {
		t.Fatalf("GetJSON after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
	if doc.Data.ID != "abc" {
		t.Errorf("decoded id = %q", doc.Data.ID)
	}
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"detail": "Not found."}},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.GetJSON(context.Background(), srv.URL+"/v2/files/gone/", &Document{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Detail != "Not found." {
		t.Errorf("APIError = %+v", apiErr)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestGetJSONRejectedToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"detail": invalidTokenDetail}},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.GetJSON(context.Background(), srv.URL+"/v2/users/me/", &UserDocument{})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, rejected tokens are not retried", got)
	}
}

func TestGetJSONExpiredTokenStaysLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired token must not reach the network")
	}))
	defer srv.Close()

	s := NewSession(Config{ClientID: "c", APIBase: srv.URL + "/v2/"})
	s.Restore(&oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Minute)}, Scope)
	s.mu.Lock()
	s.token.Expiry = time.Now().Add(-time.Second)
	s.mu.Unlock()

	c := NewClient(s)
	if err := c.GetJSON(context.Background(), srv.URL+"/v2/users/me/", &Document{}); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestLoggedInUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/users/me/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id":         "u1",
				"type":       "users",
				"attributes": map[string]string{"full_name": "Ada Lovelace"},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	user, err := c.LoggedInUser(context.Background())
	if err != nil {
		t.Fatalf("LoggedInUser: %v", err)
	}
	if user.ID != "u1" || user.Attributes.FullName != "Ada Lovelace" {
		t.Errorf("user = %+v", user)
	}
}

func TestUploadTargetComposite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/nodes/pr0j3/files/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(ListDocument{Data: []Entity{
			{ID: "pr0j3:github", Type: "files", Attributes: Attributes{Kind: "folder", Name: "github"}},
			{ID: "pr0j3:osfstorage", Type: "files", Attributes: Attributes{Kind: "folder", Name: "osfstorage"}},
		}})
	}))
	defer srv.Close()

	c := testClient(srv)
	ent, err := c.UploadTarget(context.Background(), "pr0j3:osfstorage")
	if err != nil {
		t.Fatalf("UploadTarget: %v", err)
	}
	if ent.ID != "pr0j3:osfstorage" || ent.Attributes.Name != "osfstorage" {
		t.Errorf("resolved entity = %+v", ent)
	}
}

func TestUploadTargetCompositeMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ListDocument{Data: []Entity{
			{ID: "pr0j3:github", Type: "files"},
		}})
	}))
	defer srv.Close()

	c := testClient(srv)
	var protoErr *ProtocolError
	if _, err := c.UploadTarget(context.Background(), "pr0j3:osfstorage"); !errors.As(err, &protoErr) {
		t.Errorf("missing provider = %v, want ProtocolError", err)
	}
}

func TestUploadTargetPlainID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/files/f0lder/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Document{Data: Entity{
			ID: "f0lder", Type: "files", Attributes: Attributes{Kind: "folder", Name: "data"},
		}})
	}))
	defer srv.Close()

	c := testClient(srv)
	ent, err := c.UploadTarget(context.Background(), "f0lder")
	if err != nil {
		t.Fatalf("UploadTarget: %v", err)
	}
	if !ent.IsFolder() || ent.ID != "f0lder" {
		t.Errorf("resolved entity = %+v", ent)
	}
}

func TestListAllFollowsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/nodes/p/files/osfstorage/":
			_ = json.NewEncoder(w).Encode(ListDocument{
				Data:  []Entity{{ID: "a", Type: "files"}},
				Links: PageLinks{Next: srv.URL + "/v2/nodes/p/files/osfstorage/page2"},
			})
		case "/v2/nodes/p/files/osfstorage/page2":
			_ = json.NewEncoder(w).Encode(ListDocument{
				Data: []Entity{{ID: "b", Type: "files"}},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	entities, err := c.ListAll(context.Background(), srv.URL+"/v2/nodes/p/files/osfstorage/")
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(entities) != 2 || entities[0].ID != "a" || entities[1].ID != "b" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestVerifyNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/nodes/p/files/osfstorage/":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "p:osfstorage"}}})
		case "/v2/nodes/p/files/empty/":
			// An empty provider root is a valid node.
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case "/v2/files/abc/":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "abc"}})
		case "/v2/files/shapeless/":
			_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"detail": "Not found."}}})
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	ctx := context.Background()

	if err := c.VerifyNode(ctx, "p:osfstorage"); err != nil {
		t.Errorf("composite verify = %v", err)
	}
	if err := c.VerifyNode(ctx, "p:empty"); err != nil {
		t.Errorf("empty provider verify = %v", err)
	}
	if err := c.VerifyNode(ctx, "abc"); err != nil {
		t.Errorf("plain verify = %v", err)
	}

	var protoErr *ProtocolError
	if err := c.VerifyNode(ctx, "shapeless"); !errors.As(err, &protoErr) {
		t.Errorf("response without data member = %v, want ProtocolError", err)
	}
	var apiErr *APIError
	if err := c.VerifyNode(ctx, "gone"); !errors.As(err, &apiErr) {
		t.Errorf("missing node = %v, want APIError", err)
	}
}

func TestResponseError(t *testing.T) {
	// Invalid-token detail maps to expiry.
	err := ResponseError(401, []byte(`{"errors": [{"detail": "`+invalidTokenDetail+`"}]}`))
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("invalid token = %v, want ErrTokenExpired", err)
	}

	// A regular error keeps the detail.
	err = ResponseError(409, []byte(`{"errors": [{"detail": "File already exists."}]}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "File already exists." {
		t.Errorf("conflict = %v", err)
	}
	if !IsConflict(err) {
		t.Error("409 should be reported as a conflict")
	}

	// An undecodable body still carries the status.
	err = ResponseError(502, []byte("<html>bad gateway</html>"))
	if !errors.As(err, &apiErr) || apiErr.Status != 502 || apiErr.Detail != "" {
		t.Errorf("opaque body = %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if retryable(ErrTokenExpired) {
		t.Error("expired tokens are not retryable")
	}
	if retryable(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
	if retryable(&APIError{Status: 404}) {
		t.Error("404 is not retryable")
	}
	if !retryable(&APIError{Status: 429}) {
		t.Error("429 is retryable")
	}
	if !retryable(&APIError{Status: 503}) {
		t.Error("503 is retryable")
	}
}
