package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/dkuiper/osfsync/internal"
	pkgconfig "github.com/dkuiper/osfsync/pkg/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "osfsync",
		Usage: "Synchronize OpenSesame experiments and collected data with the Open Science Framework",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "<user config dir>/osfsync/config.yaml",
				Value:       pkgconfig.DefaultPath("osfsync"),
				Sources:     cli.EnvVars("OSFSYNC_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			whoamiCommand(),
			lsCommand(),
			statusCommand(),
			linkCommand(),
			unlinkCommand(),
			syncCommand(),
			openCommand(),
			watchCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: compiled-in defaults,
// overlaid by the config file when one exists. An explicitly passed path
// must exist; the default path is optional.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	path := cmd.String("config")
	loaded, err := pkgconfig.LoadOptional(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !loaded {
		if cmd.IsSet("config") {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func newLogger(cmd *cli.Command) *slog.Logger {
	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
