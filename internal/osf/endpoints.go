package osf

import (
	"fmt"
	"net/url"
	"strings"
)

// Default service locations. A deployment can point both at the test
// environment (test-api.osf.io, test-accounts.osf.io) through configuration.
const (
	DefaultAPIBase      = "https://api.osf.io/v2/"
	DefaultAccountsBase = "https://accounts.osf.io/oauth2/"
)

// endpointTemplates maps symbolic call names to path templates relative to
// the API base. Positional arguments are path-escaped before interpolation.
var endpointTemplates = map[string]struct {
	path string
	args int
}{
	"logged_in_user": {"users/me/", 0},
	"user_projects":  {"users/me/nodes/", 0},
	"file_info":      {"files/%s/", 1},
	"project_repos":  {"nodes/%s/files/", 1},
	"repo_files":     {"nodes/%s/files/%s/", 2},
}

// Endpoints builds full API URLs from symbolic call names.
type Endpoints struct {
	APIBase string
}

// Endpoint interpolates args into the named template. The name must be known
// and the argument count must match the template.
func (e Endpoints) Endpoint(name string, args ...string) (string, error) {
	t, ok := endpointTemplates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	if len(args) != t.args {
		return "", fmt.Errorf("endpoint %q takes %d arguments, got %d", name, t.args, len(args))
	}
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(a)
	}
	return e.base() + fmt.Sprintf(t.path, escaped...), nil
}

// NodeURL resolves the endpoint for a linked node id. A composite
// "<project>:<provider>" id addresses the root of a storage provider and
// resolves through the repository listing, which returns a list of entities.
// A plain id addresses a single file or folder and resolves through the
// file info endpoint, which returns one entity.
func (e Endpoints) NodeURL(id string) (string, error) {
	if project, provider, ok := SplitNodeID(id); ok {
		return e.Endpoint("repo_files", project, provider)
	}
	return e.Endpoint("file_info", id)
}

// SplitNodeID splits a composite "<project>:<provider>" id. ok is false for
// plain file or folder ids.
func SplitNodeID(id string) (project, provider string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func (e Endpoints) base() string {
	if e.APIBase == "" {
		return DefaultAPIBase
	}
	if !strings.HasSuffix(e.APIBase, "/") {
		return e.APIBase + "/"
	}
	return e.APIBase
}
