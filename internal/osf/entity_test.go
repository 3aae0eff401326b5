package osf

import (
	"errors"
	"net/url"
	"testing"
)

func fileEntity(id, name, uploadLink string) Entity {
	return Entity{
		ID:   id,
		Type: "files",
		Attributes: Attributes{
			Kind: "file",
			Name: name,
		},
		Links: Links{Upload: uploadLink},
	}
}

func TestUpdateURL(t *testing.T) {
	e := fileEntity("abc", "exp.osexp", "https://files.example.org/v1/resources/p/providers/osfstorage/abc")
	got, err := e.UpdateURL()
	if err != nil {
		t.Fatalf("UpdateURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("kind") != "file" {
		t.Errorf("kind = %q, want file", u.Query().Get("kind"))
	}
	if u.Query().Has("name") {
		t.Error("update URL must not carry a name")
	}
}

func TestCreateURL(t *testing.T) {
	e := Entity{
		Type:       "files",
		Attributes: Attributes{Kind: "folder", Name: "data"},
		Links:      Links{Upload: "https://files.example.org/v1/resources/p/providers/osfstorage/"},
	}
	got, err := e.CreateURL("run 1.csv")
	if err != nil {
		t.Fatalf("CreateURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("kind") != "file" {
		t.Errorf("kind = %q, want file", u.Query().Get("kind"))
	}
	if u.Query().Get("name") != "run 1.csv" {
		t.Errorf("name = %q, want run 1.csv", u.Query().Get("name"))
	}
}

func TestUploadURLWithoutLink(t *testing.T) {
	e := Entity{Type: "files", Attributes: Attributes{Kind: "file"}}
	var protoErr *ProtocolError
	if _, err := e.UpdateURL(); !errors.As(err, &protoErr) {
		t.Errorf("UpdateURL without link = %v, want ProtocolError", err)
	}
}

func TestKindPredicates(t *testing.T) {
	file := Entity{Attributes: Attributes{Kind: "file"}}
	folder := Entity{Attributes: Attributes{Kind: "folder"}}
	node := Entity{Type: "nodes", Attributes: Attributes{Title: "My project"}}

	if !file.IsFile() || file.IsFolder() {
		t.Error("file predicates wrong")
	}
	if !folder.IsFolder() || folder.IsFile() {
		t.Error("folder predicates wrong")
	}
	if node.IsFile() || node.IsFolder() {
		t.Error("node is neither file nor folder")
	}
}

func TestSHA256(t *testing.T) {
	e := Entity{
		ID: "abc",
		Attributes: Attributes{
			Kind:  "file",
			Extra: Extra{Hashes: Hashes{SHA256: "cafe"}},
		},
	}
	got, err := e.SHA256()
	if err != nil {
		t.Fatalf("SHA256: %v", err)
	}
	if got != "cafe" {
		t.Errorf("digest = %q", got)
	}

	var protoErr *ProtocolError
	bare := Entity{ID: "abc", Attributes: Attributes{Kind: "file"}}
	if _, err := bare.SHA256(); !errors.As(err, &protoErr) {
		t.Errorf("missing digest = %v, want ProtocolError", err)
	}
}

func TestFindByIDAndName(t *testing.T) {
	entities := []Entity{
		fileEntity("a1", "first.csv", ""),
		fileEntity("a2", "second.csv", ""),
	}

	if e, ok := FindByID(entities, "a2"); !ok || e.Attributes.Name != "second.csv" {
		t.Errorf("FindByID = %+v, %v", e, ok)
	}
	if _, ok := FindByID(entities, "zz"); ok {
		t.Error("unknown id found")
	}
	if e, ok := FindByName(entities, "first.csv"); !ok || e.ID != "a1" {
		t.Errorf("FindByName = %+v, %v", e, ok)
	}
	if _, ok := FindByName(entities, "third.csv"); ok {
		t.Error("unknown name found")
	}
}

func TestDecodeEntity(t *testing.T) {
	body := []byte(`{"data": {"id": "osfstorage/abc123", "type": "files", "attributes": {"kind": "file", "name": "exp.osexp"}}}`)
	e, err := DecodeEntity(body)
	if err != nil {
		t.Fatalf("DecodeEntity: %v", err)
	}
	if e.ID != "osfstorage/abc123" || e.Attributes.Name != "exp.osexp" {
		t.Errorf("decoded entity = %+v", e)
	}

	var protoErr *ProtocolError
	if _, err := DecodeEntity([]byte("not json")); !errors.As(err, &protoErr) {
		t.Errorf("bad body = %v, want ProtocolError", err)
	}
}

func TestEntityString(t *testing.T) {
	node := Entity{ID: "pr0j3", Attributes: Attributes{Title: "Stroop study"}}
	if got := node.String(); got != "Stroop study (pr0j3)" {
		t.Errorf("node String = %q", got)
	}
	file := fileEntity("abc", "exp.osexp", "")
	if got := file.String(); got != "exp.osexp (abc)" {
		t.Errorf("file String = %q", got)
	}
}
