// Package authflow runs the short-lived loopback server that completes a
// browser login. The authorization server redirects the browser to a local
// callback with the credentials in the URL fragment; fragments never reach
// a server, so the callback page forwards them as a query string to a
// completion route, which reassembles the full redirect URL and hands it
// to the caller.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const callbackPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>OpenSesame login</title></head>
<body>
<p>Completing login&hellip;</p>
<script>
var h = window.location.hash;
if (h && h.length > 1) {
	window.location.replace(%q + "?" + h.substring(1));
} else {
	document.body.textContent = "The redirect carried no credentials.";
}
</script>
</body>
</html>
`

const donePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>OpenSesame login</title></head>
<body><p>Login complete. You can close this window and return to OpenSesame.</p></body>
</html>
`

const failPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>OpenSesame login</title></head>
<body><p>Login failed. Close this window and try again from OpenSesame.</p></body>
</html>
`

// Flow is one login attempt. Create it with New, point the user's browser
// at the authorization URL, and Run until the redirect arrives.
type Flow struct {
	complete func(redirectURL string) error
	logger   *slog.Logger

	addr         string
	redirectURI  string
	callbackPath string
	completePath string

	once   sync.Once
	result chan error
}

// New prepares a flow serving the given redirect URI. complete receives
// the reassembled redirect URL exactly once; its error decides the page
// the browser ends on and becomes the result of Run.
func New(redirectURI string, complete func(redirectURL string) error, logger *slog.Logger) (*Flow, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("redirect uri %q is not a loopback http address", redirectURI)
	}
	if logger == nil {
		logger = slog.Default()
	}
	callbackPath := u.Path
	if callbackPath == "" {
		callbackPath = "/"
	}
	return &Flow{
		complete:     complete,
		logger:       logger,
		addr:         u.Host,
		redirectURI:  redirectURI,
		callbackPath: callbackPath,
		completePath: path.Join(callbackPath, "complete"),
		result:       make(chan error, 1),
	}, nil
}

// Run serves the callback until the login completes, the listener fails,
// or ctx is cancelled. The server always shuts down before Run returns.
func (f *Flow) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get(f.callbackPath, f.handleCallback)
	r.Get(f.completePath, f.handleComplete)

	srv := &http.Server{Addr: f.addr, Handler: r}
	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()
	f.logger.Debug("login callback listening", "addr", f.addr, "path", f.callbackPath)

	var err error
	select {
	case err = <-f.result:
	case err = <-listenErr:
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		f.logger.Warn("callback server shutdown", "error", serr)
	}
	return err
}

// handleCallback serves the page that moves the fragment into a query
// string the completion route can see.
func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, callbackPage, f.completePath)
}

// handleComplete rebuilds the redirect URL the browser originally landed
// on and finishes the flow with it.
func (f *Flow) handleComplete(w http.ResponseWriter, r *http.Request) {
	redirect := f.redirectURI + "#" + r.URL.RawQuery
	err := f.complete(redirect)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, failPage)
	} else {
		io.WriteString(w, donePage)
	}
	f.finish(err)
}

func (f *Flow) finish(err error) {
	f.once.Do(func() { f.result <- err })
}
