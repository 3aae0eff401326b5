// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkuiper/osfsync/internal/extension"
	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/ui"
	"github.com/dkuiper/osfsync/internal/watcher"
)

// Run starts the sync daemon with the given options. It restores the
// cached session, opens the configured experiment, and watches the run
// output directory, uploading settled batches until a shutdown signal
// arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("api_base", cfg.OSF.APIBase),
		slog.String("watch_path", cfg.Watch.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if cfg.Watch.Experiment == "" || cfg.Watch.Path == "" {
		return fmt.Errorf("daemon mode needs watch.experiment and watch.path")
	}

	ext, err := BuildExtension(ctx, cfg, Collaborators{
		Notifier:  app.notifier,
		Confirmer: app.confirmer,
	}, logger)
	if err != nil {
		return err
	}
	defer ext.Close()

	if ext.Session().IsAuthorized() {
		logger.Info("Session restored from token cache")
	} else {
		logger.Warn("Not logged in; linked uploads stay local until `osfsync login` is run")
	}

	if err := ext.OpenExperiment(ctx, cfg.Watch.Experiment); err != nil {
		return fmt.Errorf("open experiment: %w", err)
	}

	logger.Info("Daemon starting...", slog.String("watch_path", cfg.Watch.Path))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Watch run output and sync settled batches.
	g.Go(func() error {
		return watcher.Watch(gCtx, cfg.Watch.Path, cfg.Watch.Settle(), logger, func(files []string) {
			if err := ext.ProcessDataFiles(gCtx, files); err != nil {
				logger.Warn("data sync incomplete", slog.String("error", err.Error()))
			}
		})
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down daemon...")
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Daemon stopped successfully")
	return nil
}

// Collaborators overrides the user-facing collaborators the extension is
// built with. Nil fields fall back to non-interactive implementations
// suitable for daemon mode: terminal notifications and progress, a fixed
// prompt answer, and a chooser that dismisses every dialog.
type Collaborators struct {
	Notifier  ui.Notifier
	Confirmer ui.Confirmer
	Chooser   ui.PathChooser
	Progress  ui.ProgressFactory
	Selector  ui.NodeSelector
}

// BuildExtension assembles a ready extension from the configuration:
// remote settings bootstrap, session, token cache, collaborators, and a
// session restore from the token cache.
func BuildExtension(ctx context.Context, cfg *Config, collab Collaborators, logger *slog.Logger) (*extension.Extension, error) {
	clientID, redirectURI := cfg.OSF.ClientID, cfg.OSF.RedirectURI
	if cfg.OSF.SettingsURL != "" {
		settingsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		settings, err := osf.FetchClientSettings(settingsCtx, cfg.OSF.SettingsURL)
		cancel()
		if err != nil {
			logger.Warn("settings document unavailable, using configured client",
				slog.String("url", cfg.OSF.SettingsURL),
				slog.String("error", err.Error()))
		} else {
			clientID, redirectURI = settings.ClientID, settings.RedirectURI
			logger.Debug("client settings fetched", slog.String("url", cfg.OSF.SettingsURL))
		}
	}

	session := osf.NewSession(osf.Config{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		AccountsBase: cfg.OSF.AccountsBase,
		APIBase:      cfg.OSF.APIBase,
	})

	term := ui.NewTerminal()
	if collab.Notifier == nil {
		collab.Notifier = term
	}
	if collab.Confirmer == nil {
		collab.Confirmer = &autoConfirmer{yes: cfg.Watch.AssumeYes, logger: logger}
	}
	if collab.Chooser == nil {
		collab.Chooser = headlessChooser{}
	}
	if collab.Progress == nil {
		collab.Progress = term
	}

	tokenFile := cfg.OSF.TokenFile
	if tokenFile == "" {
		tokenFile = osf.DefaultTokenPath()
	}

	ext, err := extension.New(extension.Options{
		Session:   session,
		Cache:     &osf.TokenCache{Path: tokenFile},
		Notifier:  collab.Notifier,
		Confirmer: collab.Confirmer,
		Chooser:   collab.Chooser,
		Progress:  collab.Progress,
		Selector:  collab.Selector,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ext.RestoreSession(restoreCtx)
	return ext, nil
}

// autoConfirmer answers every question with a fixed verdict so the daemon
// never blocks on a prompt. Each decision is logged.
type autoConfirmer struct {
	yes    bool
	logger *slog.Logger
}

func (c *autoConfirmer) Ask(title, question string) bool {
	c.logger.Info("auto-answered prompt",
		slog.String("title", title),
		slog.Bool("answer", c.yes))
	return c.yes
}

// headlessChooser dismisses every path dialog; daemon mode has nowhere to
// ask. Flows treat a dismissal as "skip", never as an error.
type headlessChooser struct{}

func (headlessChooser) ChoosePath(title, suggested string) (string, bool) {
	return "", false
}
