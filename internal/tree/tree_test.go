package tree

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/testutil"
)

// fakeAPI serves a two-project hierarchy:
//
//	Alpha study (pr1)
//	  osfstorage (pr1:osfstorage)
//	    data/ (d1)
//	      run1.csv (f2)
//	    exp.osexp (f1)
//	zeta notes (pr2)
func fakeAPI(t *testing.T) *osf.Client {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		switch r.URL.Path {
		case "/v2/users/me/nodes/":
			_ = enc.Encode(osf.ListDocument{Data: []osf.Entity{
				{ID: "pr2", Type: "nodes", Attributes: osf.Attributes{Title: "zeta notes"}},
				{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}},
			}})
		case "/v2/nodes/pr1/files/":
			_ = enc.Encode(osf.ListDocument{Data: []osf.Entity{
				providerEntity(srv, "pr1:osfstorage", "osfstorage", "/v2/nodes/pr1/files/osfstorage/"),
			}})
		case "/v2/nodes/pr2/files/":
			_ = enc.Encode(osf.ListDocument{Data: []osf.Entity{}})
		case "/v2/nodes/pr1/files/osfstorage/":
			_ = enc.Encode(osf.ListDocument{Data: []osf.Entity{
				fileEntity("f1", "exp.osexp"),
				folderEntity(srv, "d1", "data", "/v2/folders/d1/files/"),
			}})
		case "/v2/folders/d1/files/":
			_ = enc.Encode(osf.ListDocument{Data: []osf.Entity{
				fileEntity("f2", "run1.csv"),
			}})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	session := testutil.AuthorizedSession(t, srv.URL+"/v2/")
	return osf.NewClient(session)
}

func fileEntity(id, name string) osf.Entity {
	return osf.Entity{ID: id, Type: "files", Attributes: osf.Attributes{Kind: "file", Name: name}}
}

func folderEntity(srv *httptest.Server, id, name, filesPath string) osf.Entity {
	e := osf.Entity{ID: id, Type: "files", Attributes: osf.Attributes{Kind: "folder", Name: name}}
	e.Relationships.Files.Links.Related.HRef = srv.URL + filesPath
	return e
}

func providerEntity(srv *httptest.Server, id, name, filesPath string) osf.Entity {
	return folderEntity(srv, id, name, filesPath)
}

func TestProjectsSorted(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	projects, err := f.Projects(context.Background())
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("projects = %d, want 2", len(projects))
	}
	// Case-insensitive title order.
	if projects[0].ID != "pr1" || projects[1].ID != "pr2" {
		t.Errorf("order = %s, %s", projects[0].ID, projects[1].ID)
	}
}

func TestChildrenOfProject(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	project := osf.Entity{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}}

	children, err := f.Children(context.Background(), &project)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "pr1:osfstorage" {
		t.Errorf("children = %+v", children)
	}
}

func TestChildrenSortsFoldersFirst(t *testing.T) {
	c := fakeAPI(t)
	f := NewFetcher(c, nil)

	provider, err := c.UploadTarget(context.Background(), "pr1:osfstorage")
	if err != nil {
		t.Fatal(err)
	}
	children, err := f.Children(context.Background(), provider)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	if !children[0].IsFolder() || children[0].Attributes.Name != "data" {
		t.Errorf("first child = %+v, folders sort first", children[0])
	}
	if !children[1].IsFile() || children[1].Attributes.Name != "exp.osexp" {
		t.Errorf("second child = %+v", children[1])
	}
}

func TestChildrenOfFile(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	file := fileEntity("f1", "exp.osexp")

	children, err := f.Children(context.Background(), &file)
	if err != nil || children != nil {
		t.Errorf("file children = %+v, %v, want none", children, err)
	}
	if _, err := f.Children(context.Background(), nil); err != nil {
		t.Errorf("nil entity = %v", err)
	}
}

func TestWalk(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	root := osf.Entity{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}}

	var visited []string
	err := f.Walk(context.Background(), &root, -1, func(e *osf.Entity, depth int) error {
		visited = append(visited, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"pr1", "pr1:osfstorage", "d1", "f2", "f1"}
	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %q, want %q", i, visited[i], want[i])
		}
	}
}

func TestWalkDepthLimit(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	root := osf.Entity{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}}

	var depths []int
	err := f.Walk(context.Background(), &root, 1, func(e *osf.Entity, depth int) error {
		depths = append(depths, depth)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	// Root plus one level.
	if len(depths) != 2 || depths[0] != 0 || depths[1] != 1 {
		t.Errorf("depths = %v", depths)
	}
}

func TestWalkSkipChildren(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	root := osf.Entity{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}}

	var visited []string
	err := f.Walk(context.Background(), &root, -1, func(e *osf.Entity, depth int) error {
		visited = append(visited, e.ID)
		if e.ID == "d1" {
			return SkipChildren
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, id := range visited {
		if id == "f2" {
			t.Error("pruned branch was visited")
		}
	}
}

func TestWalkPropagatesError(t *testing.T) {
	f := NewFetcher(fakeAPI(t), nil)
	root := osf.Entity{ID: "pr1", Type: "nodes", Attributes: osf.Attributes{Title: "Alpha study"}}

	boom := errors.New("boom")
	err := f.Walk(context.Background(), &root, -1, func(e *osf.Entity, depth int) error {
		if e.ID == "pr1:osfstorage" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
