// Package tree loads the remote project hierarchy level by level: the
// user's projects, each project's storage providers, and folder contents.
package tree

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/dkuiper/osfsync/internal/osf"
)

// SkipChildren can be returned from a WalkFunc to keep Walk from
// descending into the entity it was just called with.
var SkipChildren = errors.New("skip children")

// WalkFunc is called by Walk for every entity it visits. Depth is 0 for
// the root the walk started from.
type WalkFunc func(e *osf.Entity, depth int) error

// Fetcher retrieves hierarchy levels on demand.
type Fetcher struct {
	client *osf.Client
	logger *slog.Logger
}

// NewFetcher creates a fetcher on top of the given API client.
func NewFetcher(client *osf.Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

// Projects returns the logged-in user's projects, sorted by title.
func (f *Fetcher) Projects(ctx context.Context) ([]osf.Entity, error) {
	projects, err := f.client.Projects(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(projects, func(a, b osf.Entity) int {
		return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
	})
	return projects, nil
}

// Children expands one level below the given entity: storage providers
// for a project, contents for a provider or folder, nothing for a file.
// Folders sort before files, each group alphabetically.
func (f *Fetcher) Children(ctx context.Context, e *osf.Entity) ([]osf.Entity, error) {
	if e == nil || e.IsFile() {
		return nil, nil
	}

	var (
		children []osf.Entity
		err      error
	)
	if url := e.FilesURL(); url != "" {
		children, err = f.client.ListAll(ctx, url)
	} else if e.Type == "nodes" {
		children, err = f.client.Providers(ctx, e.ID)
	}
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(children, func(a, b osf.Entity) int {
		if a.IsFolder() != b.IsFolder() {
			if a.IsFolder() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
	})
	f.logger.Debug("expanded tree node", "id", e.ID, "children", len(children))
	return children, nil
}

// Walk descends depth first from root, calling fn for every entity it
// visits. Descent stops below maxDepth levels; a negative maxDepth means
// no limit. Returning SkipChildren from fn prunes the current branch.
func (f *Fetcher) Walk(ctx context.Context, root *osf.Entity, maxDepth int, fn WalkFunc) error {
	return f.walk(ctx, root, 0, maxDepth, fn)
}

func (f *Fetcher) walk(ctx context.Context, e *osf.Entity, depth, maxDepth int, fn WalkFunc) error {
	if err := fn(e, depth); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	if maxDepth >= 0 && depth >= maxDepth {
		return nil
	}
	children, err := f.Children(ctx, e)
	if err != nil {
		return err
	}
	for i := range children {
		if err := f.walk(ctx, &children[i], depth+1, maxDepth, fn); err != nil {
			return err
		}
	}
	return nil
}
