package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/dkuiper/osfsync/internal"
	"github.com/dkuiper/osfsync/internal/authflow"
	"github.com/dkuiper/osfsync/internal/experiment"
	"github.com/dkuiper/osfsync/internal/extension"
	"github.com/dkuiper/osfsync/internal/links"
	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/tree"
	"github.com/dkuiper/osfsync/internal/ui"
)

// app bundles everything a command needs once the config is resolved.
type app struct {
	cfg    *internal.Config
	ext    *extension.Extension
	term   *ui.Terminal
	target *nodeHolder
	logger *slog.Logger
}

// nodeHolder adapts a command-line target id to the selection interface
// the link flows consume.
type nodeHolder struct {
	entity *osf.Entity
}

func (h *nodeHolder) Current() (*osf.Entity, bool) {
	return h.entity, h.entity != nil
}

// setup builds a fully wired extension with interactive terminal
// collaborators. The caller must Close the extension.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	term := ui.NewTerminal()
	target := &nodeHolder{}

	ext, err := internal.BuildExtension(ctx, cfg, internal.Collaborators{
		Notifier:  term,
		Confirmer: term,
		Chooser:   term,
		Progress:  term,
		Selector:  target,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, ext: ext, term: term, target: target, logger: logger}, nil
}

func requireLogin(a *app) error {
	if !a.ext.Session().IsAuthorized() {
		return errors.New("not logged in; run `osfsync login` first")
	}
	return nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in to the Open Science Framework through your browser",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the browser redirect",
				Value: 5 * time.Minute,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.ext.Close()

			if a.ext.Session().IsAuthorized() {
				a.term.Info("Already logged in", "Run `osfsync logout` first to switch accounts.")
				return nil
			}

			authURL, _ := a.ext.Session().AuthorizationURL()
			flow, err := authflow.New(a.ext.Session().RedirectURI(), a.ext.Login, a.logger)
			if err != nil {
				return err
			}

			fmt.Println("Open this URL in your browser to log in:")
			fmt.Println()
			fmt.Println("  " + authURL)
			fmt.Println()

			loginCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			if err := flow.Run(loginCtx); err != nil {
				return fmt.Errorf("login did not complete: %w", err)
			}

			user, err := a.ext.Client().LoggedInUser(ctx)
			if err != nil {
				return err
			}
			a.term.Success("Logged in", "Logged in as "+user.Attributes.FullName+".")
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Revoke the current session and forget the cached token",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.ext.Close()

			if !a.ext.Session().IsAuthorized() {
				a.term.Info("Not logged in", "There is no session to log out from.")
				return nil
			}
			if err := a.ext.Logout(ctx); err != nil {
				return err
			}
			a.term.Success("Logged out", "The session was revoked.")
			return nil
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "Show the logged-in user",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.ext.Close()

			if err := requireLogin(a); err != nil {
				return err
			}
			user, err := a.ext.Client().LoggedInUser(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", user.Attributes.FullName, user.ID)
			return nil
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List your projects, or the contents of a node",
		ArgsUsage: "[node-id | project:provider]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "depth",
				Usage: "How many levels to descend",
				Value: 1,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.ext.Close()

			if err := requireLogin(a); err != nil {
				return err
			}

			fetcher := tree.NewFetcher(a.ext.Client(), a.logger)
			depth := int(cmd.Int("depth"))

			if id := cmd.Args().First(); id != "" {
				root, err := resolveNode(ctx, a.ext.Client(), id)
				if err != nil {
					return err
				}
				return fetcher.Walk(ctx, root, depth, printEntity)
			}

			projects, err := fetcher.Projects(ctx)
			if err != nil {
				return err
			}
			for i := range projects {
				if err := fetcher.Walk(ctx, &projects[i], depth, printEntity); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printEntity(e *osf.Entity, depth int) error {
	indent := strings.Repeat("  ", depth)
	switch {
	case e.IsFile():
		size := "size unknown"
		if e.Attributes.Size != nil {
			size = humanize.IBytes(uint64(*e.Attributes.Size))
		}
		fmt.Printf("%s%s  %s\n", indent, e.String(), size)
	case e.IsFolder():
		fmt.Printf("%s%s/\n", indent, e.String())
	default:
		fmt.Printf("%s%s\n", indent, e.String())
	}
	return nil
}

// resolveNode turns a command-line id into an entity: a composite
// project:provider id names a provider root, anything else a file or
// folder.
func resolveNode(ctx context.Context, client *osf.Client, id string) (*osf.Entity, error) {
	return client.UploadTarget(ctx, id)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the link records of an experiment",
		ArgsUsage: "<experiment file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("experiment file argument is required")
			}
			exp, err := experiment.Load(path)
			if err != nil {
				return err
			}
			reg := links.NewRegistry(exp)

			printRecord := func(label string, id string, ok, autosync bool) {
				if !ok {
					fmt.Printf("%s: not linked\n", label)
					return
				}
				mode := "ask before upload"
				if autosync {
					mode = "always upload"
				}
				fmt.Printf("%s: %s (%s)\n", label, id, mode)
			}
			expID, expOK := reg.ExperimentLink()
			dataID, dataOK := reg.DataLink()
			printRecord("experiment", expID, expOK, reg.Autosync(links.Experiment))
			printRecord("data folder", dataID, dataOK, reg.Autosync(links.Data))
			return nil
		},
	}
}

func linkCommand() *cli.Command {
	targetFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "target",
			Aliases:  []string{"t"},
			Usage:    "Remote folder id, or project:provider for a storage root",
			Required: true,
		}
	}
	return &cli.Command{
		Name:  "link",
		Usage: "Link an experiment or its data output to a remote folder",
		Commands: []*cli.Command{
			{
				Name:      "experiment",
				Usage:     "Upload the experiment into the target folder and remember it",
				ArgsUsage: "<experiment file>",
				Flags:     []cli.Flag{targetFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withLinkTarget(ctx, cmd, func(ctx context.Context, a *app) error {
						return a.ext.LinkExperiment(ctx)
					})
				},
			},
			{
				Name:      "data",
				Usage:     "Remember the target folder as the upload location for run data",
				ArgsUsage: "<experiment file>",
				Flags:     []cli.Flag{targetFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withLinkTarget(ctx, cmd, func(ctx context.Context, a *app) error {
						return a.ext.LinkDataFolder(ctx)
					})
				},
			},
		},
	}
}

// withLinkTarget wires the shared plumbing of the link commands: open the
// experiment, resolve the --target id into the selection the flow reads,
// then run the flow.
func withLinkTarget(ctx context.Context, cmd *cli.Command, run func(context.Context, *app) error) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("experiment file argument is required")
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.ext.Close()

	if err := requireLogin(a); err != nil {
		return err
	}
	target, err := resolveNode(ctx, a.ext.Client(), cmd.String("target"))
	if err != nil {
		return err
	}
	a.target.entity = target

	if err := a.ext.OpenExperiment(ctx, path); err != nil {
		return err
	}
	return run(ctx, a)
}

func unlinkCommand() *cli.Command {
	return &cli.Command{
		Name:  "unlink",
		Usage: "Remove a link record from an experiment",
		Commands: []*cli.Command{
			{
				Name:      "experiment",
				Usage:     "Forget where the experiment lives remotely",
				ArgsUsage: "<experiment file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withExperiment(ctx, cmd, func(_ context.Context, a *app) error {
						return a.ext.UnlinkExperiment()
					})
				},
			},
			{
				Name:      "data",
				Usage:     "Forget where run data is uploaded to",
				ArgsUsage: "<experiment file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withExperiment(ctx, cmd, func(_ context.Context, a *app) error {
						return a.ext.UnlinkData()
					})
				},
			},
		},
	}
}

// withExperiment opens the experiment named by the first argument and
// hands control to run.
func withExperiment(ctx context.Context, cmd *cli.Command, run func(context.Context, *app) error) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("experiment file argument is required")
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.ext.Close()

	if err := a.ext.OpenExperiment(ctx, path); err != nil {
		return err
	}
	return run(ctx, a)
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Upload an experiment or its run data to the linked location",
		Commands: []*cli.Command{
			{
				Name:      "experiment",
				Usage:     "Upload the experiment over its linked remote version",
				ArgsUsage: "<experiment file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withExperiment(ctx, cmd, func(ctx context.Context, a *app) error {
						if err := requireLogin(a); err != nil {
							return err
						}
						return a.ext.SaveExperiment(ctx)
					})
				},
			},
			{
				Name:      "data",
				Usage:     "Upload run data files into the linked data folder",
				ArgsUsage: "<experiment file> <data file>...",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					files := cmd.Args().Slice()
					if len(files) < 2 {
						return errors.New("an experiment file and at least one data file are required")
					}
					return withExperiment(ctx, cmd, func(ctx context.Context, a *app) error {
						if err := requireLogin(a); err != nil {
							return err
						}
						return a.ext.ProcessDataFiles(ctx, files[1:])
					})
				},
			},
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Download an experiment from the Open Science Framework and link it",
		ArgsUsage: "<file-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("file id argument is required")
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.ext.Close()

			if err := requireLogin(a); err != nil {
				return err
			}
			target, err := a.ext.Client().FileInfo(ctx, id)
			if err != nil {
				return err
			}
			a.target.entity = target

			path, err := a.ext.OpenRemoteExperiment(ctx)
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Println(path)
			}
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run the sync daemon: watch the run output directory and upload settled files",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
				return fmt.Errorf("app run error: %w", err)
			}
			return nil
		},
	}
}
