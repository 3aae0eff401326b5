package extension

import (
	"log/slog"

	"github.com/dkuiper/osfsync/internal/osf"
)

// tokenFileListener persists the session token across restarts. It writes
// the cache on login and removes it on logout, so any form of logout also
// discards the stored credential.
type tokenFileListener struct {
	session *osf.Session
	cache   osf.TokenCache
	logger  *slog.Logger
}

func (l *tokenFileListener) HandleLogin() {
	tok, scope := l.session.Token()
	if tok == nil {
		return
	}
	if err := l.cache.Save(tok, scope); err != nil {
		l.logger.Warn("save token cache", "path", l.cache.Path, "error", err)
		return
	}
	l.logger.Debug("token cached", "path", l.cache.Path)
}

func (l *tokenFileListener) HandleLogout() {
	if err := l.cache.Delete(); err != nil {
		l.logger.Warn("delete token cache", "path", l.cache.Path, "error", err)
		return
	}
	l.logger.Debug("token cache removed", "path", l.cache.Path)
}
