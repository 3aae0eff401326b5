package osf

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Document is the envelope of a single-entity response.
type Document struct {
	Data Entity `json:"data"`
}

// DecodeEntity unwraps a raw single-entity document, as returned by the
// storage backend after an upload.
func DecodeEntity(body []byte) (*Entity, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ProtocolError{Reason: "undecodable entity document: " + err.Error()}
	}
	return &doc.Data, nil
}

// ListDocument is the envelope of a collection response. Links.Next carries
// the next page URL, empty on the last page.
type ListDocument struct {
	Data  []Entity  `json:"data"`
	Links PageLinks `json:"links"`
}

// PageLinks holds the pagination links of a collection response.
type PageLinks struct {
	Next string `json:"next"`
}

// Entity is a node (project), storage provider, folder, or file as returned
// by the API. Which attribute subset is populated depends on the entity
// type; Kind distinguishes files from folders, Title is only set on nodes.
type Entity struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Attributes    Attributes    `json:"attributes"`
	Links         Links         `json:"links"`
	Relationships Relationships `json:"relationships"`
}

// Attributes mixes node and file-entity attributes. Size is a pointer
// because some storage providers omit it.
type Attributes struct {
	Title        string     `json:"title,omitempty"`
	Category     string     `json:"category,omitempty"`
	Kind         string     `json:"kind,omitempty"`
	Name         string     `json:"name,omitempty"`
	Size         *int64     `json:"size,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Path         string     `json:"path,omitempty"`
	DateModified *time.Time `json:"date_modified,omitempty"`
	Extra        Extra      `json:"extra,omitempty"`
}

// Extra carries provider-supplied metadata. Content digests live here.
type Extra struct {
	Hashes Hashes `json:"hashes"`
}

// Hashes holds the content digests of a file entity.
type Hashes struct {
	SHA256 string `json:"sha256,omitempty"`
	MD5    string `json:"md5,omitempty"`
}

// Links holds the entity's action URLs.
type Links struct {
	Self     string `json:"self,omitempty"`
	HTML     string `json:"html,omitempty"`
	Download string `json:"download,omitempty"`
	Upload   string `json:"upload,omitempty"`
}

// Relationships exposes the related-resource links of an entity. Only the
// files relationship is consumed here, to page into folder contents.
type Relationships struct {
	Files Relationship `json:"files"`
}

// Relationship is a single named relationship.
type Relationship struct {
	Links RelationshipLinks `json:"links"`
}

// RelationshipLinks holds the hrefs of a relationship.
type RelationshipLinks struct {
	Related Href `json:"related"`
}

// Href is a link object with an href member.
type Href struct {
	HRef string `json:"href"`
}

// IsFile reports whether the entity is a file.
func (e *Entity) IsFile() bool { return e.Attributes.Kind == "file" }

// IsFolder reports whether the entity is a folder or provider root.
func (e *Entity) IsFolder() bool { return e.Attributes.Kind == "folder" }

// SHA256 returns the remote content digest. The API always provides one for
// file entities; its absence means the response is not what we expect.
func (e *Entity) SHA256() (string, error) {
	h := e.Attributes.Extra.Hashes.SHA256
	if h == "" {
		return "", &ProtocolError{Reason: fmt.Sprintf("file entity %q has no sha256 digest", e.ID)}
	}
	return h, nil
}

// UpdateURL returns the upload URL that overwrites this file entity.
func (e *Entity) UpdateURL() (string, error) {
	return uploadURL(e.Links.Upload, "")
}

// CreateURL returns the upload URL that creates name inside this folder or
// provider-root entity.
func (e *Entity) CreateURL(name string) (string, error) {
	return uploadURL(e.Links.Upload, name)
}

// FilesURL returns the href that lists this entity's children.
func (e *Entity) FilesURL() string {
	return e.Relationships.Files.Links.Related.HRef
}

// ModifiedLocal returns the provider-supplied modification time normalized
// to the local timezone, or the zero time when the provider omitted it.
func (e *Entity) ModifiedLocal() time.Time {
	if e.Attributes.DateModified == nil {
		return time.Time{}
	}
	return e.Attributes.DateModified.Local()
}

func (e *Entity) String() string {
	if e.Attributes.Title != "" {
		return fmt.Sprintf("%s (%s)", e.Attributes.Title, e.ID)
	}
	return fmt.Sprintf("%s (%s)", e.Attributes.Name, e.ID)
}

// uploadURL appends the kind=file marker, plus a name for new files, to an
// entity's upload link.
func uploadURL(base, name string) (string, error) {
	if base == "" {
		return "", &ProtocolError{Reason: "entity has no upload link"}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", &ProtocolError{Reason: fmt.Sprintf("invalid upload link %q", base)}
	}
	q := u.Query()
	q.Set("kind", "file")
	if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FindByID returns the entity with the given id from a listing.
func FindByID(entities []Entity, id string) (*Entity, bool) {
	for i := range entities {
		if entities[i].ID == id {
			return &entities[i], true
		}
	}
	return nil, false
}

// FindByName returns the entity whose name attribute matches name.
func FindByName(entities []Entity, name string) (*Entity, bool) {
	for i := range entities {
		if entities[i].Attributes.Name == name {
			return &entities[i], true
		}
	}
	return nil, false
}

// UserDocument is the envelope of the logged-in user response.
type UserDocument struct {
	Data User `json:"data"`
}

// User is the profile of the authenticated user.
type User struct {
	ID         string         `json:"id"`
	Attributes UserAttributes `json:"attributes"`
	Links      UserLinks      `json:"links"`
}

// UserAttributes holds the displayable profile fields.
type UserAttributes struct {
	FullName string `json:"full_name"`
}

// UserLinks holds the profile image URL used for the user badge.
type UserLinks struct {
	ProfileImage string `json:"profile_image"`
}
