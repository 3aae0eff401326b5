package osf

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTokenExpired signals that the access token is past its expiry or was
// rejected by the server as invalid. Recoverable by logging in again.
var ErrTokenExpired = errors.New("access token expired")

// ErrUnknownEndpoint is returned for endpoint names that are not in the
// template table.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// AuthError reports a failed or malformed authorization flow, such as a
// redirect URL without a token fragment.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authorization failed: " + e.Reason
}

// APIError is an error reported by the server, carrying the detail message
// from the response body when one was present.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Detail)
}

// IsConflict reports whether err is an APIError with status 409, which the
// storage backend returns when an upload would clash with an existing name.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// ProtocolError reports a response whose shape does not match what the API
// is documented to return, such as a file entity without a sha256 digest.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "unexpected response shape: " + e.Reason
}

// TransferError reports a network or IO failure during an upload or
// download. It aborts only the transfer it belongs to.
type TransferError struct {
	Direction string
	Path      string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
