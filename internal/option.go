package internal

import "github.com/dkuiper/osfsync/internal/ui"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	notifier  ui.Notifier
	confirmer ui.Confirmer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithNotifier overrides the terminal notifier, mainly for tests.
func WithNotifier(n ui.Notifier) Option {
	return func(a *application) {
		a.notifier = n
	}
}

// WithConfirmer overrides the non-interactive confirmer, mainly for tests.
func WithConfirmer(c ui.Confirmer) Option {
	return func(a *application) {
		a.confirmer = c
	}
}
