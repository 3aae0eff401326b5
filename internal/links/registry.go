// Package links persists the association between a local experiment and
// its remote counterparts: the experiment file itself and the folder that
// collected data is uploaded to.
package links

import (
	"fmt"

	"github.com/dkuiper/osfsync/internal/experiment"
)

// Variable names the records are stored under in the experiment file.
const (
	VarExperimentID       = "osf_id"
	VarExperimentAutosync = "osf_always_upload_experiment"
	VarDataID             = "osf_datanode_id"
	VarDataAutosync       = "osf_always_upload_data"
)

// Kind selects one of the two link records.
type Kind int

const (
	Experiment Kind = iota
	Data
)

func (k Kind) String() string {
	if k == Data {
		return "data"
	}
	return "experiment"
}

// Change describes a persisted registry mutation. RemoteID is empty after
// an unlink.
type Change struct {
	Kind     Kind
	RemoteID string
	Autosync bool
}

// Registry reads and writes the two link records of one experiment. Every
// mutation persists into the experiment file immediately; there is no
// separate commit step. At most one record per kind exists, so linking
// overwrites rather than accumulates.
type Registry struct {
	exp      *experiment.File
	onChange []func(Change)
}

// NewRegistry creates a registry over a loaded experiment.
func NewRegistry(exp *experiment.File) *Registry {
	return &Registry{exp: exp}
}

// OnChange registers a callback invoked after every persisted mutation.
// The UI layer subscribes here to keep button state and link labels fresh.
func (r *Registry) OnChange(fn func(Change)) {
	r.onChange = append(r.onChange, fn)
}

// SetExperimentLink links the experiment to a remote file id. Setting the
// id it already has is a no-op.
func (r *Registry) SetExperimentLink(remoteID string) error {
	return r.setLink(Experiment, remoteID)
}

// UnsetExperimentLink removes the experiment link and its autosync flag.
func (r *Registry) UnsetExperimentLink() error {
	return r.unsetLink(Experiment)
}

// ExperimentLink returns the linked remote file id.
func (r *Registry) ExperimentLink() (string, bool) {
	return r.link(Experiment)
}

// HasExperimentLink reports whether an experiment link is set.
func (r *Registry) HasExperimentLink() bool {
	_, ok := r.link(Experiment)
	return ok
}

// SetDataLink links the experiment's data output to a remote folder or
// provider-root id.
func (r *Registry) SetDataLink(remoteID string) error {
	return r.setLink(Data, remoteID)
}

// UnsetDataLink removes the data link and its autosync flag.
func (r *Registry) UnsetDataLink() error {
	return r.unsetLink(Data)
}

// DataLink returns the linked data folder id.
func (r *Registry) DataLink() (string, bool) {
	return r.link(Data)
}

// HasDataLink reports whether a data link is set.
func (r *Registry) HasDataLink() bool {
	_, ok := r.link(Data)
	return ok
}

// SetAutosync persists the flag that suppresses the upload prompt for the
// given record.
func (r *Registry) SetAutosync(kind Kind, enabled bool) error {
	value := "no"
	if enabled {
		value = "yes"
	}
	if current, ok := r.exp.Var(autosyncVar(kind)); ok && current == value {
		return nil
	}
	r.exp.SetVar(autosyncVar(kind), value)
	if err := r.exp.Save(); err != nil {
		return fmt.Errorf("persist %s autosync: %w", kind, err)
	}
	r.notify(kind)
	return nil
}

// Autosync reports whether upload prompts are suppressed for the given
// record.
func (r *Registry) Autosync(kind Kind) bool {
	v, ok := r.exp.Var(autosyncVar(kind))
	return ok && v == "yes"
}

func (r *Registry) link(kind Kind) (string, bool) {
	v, ok := r.exp.Var(idVar(kind))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *Registry) setLink(kind Kind, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("empty remote id")
	}
	if current, ok := r.link(kind); ok && current == remoteID {
		return nil
	}
	r.exp.SetVar(idVar(kind), remoteID)
	if err := r.exp.Save(); err != nil {
		return fmt.Errorf("persist %s link: %w", kind, err)
	}
	r.notify(kind)
	return nil
}

func (r *Registry) unsetLink(kind Kind) error {
	removed := r.exp.UnsetVar(idVar(kind))
	removed = r.exp.UnsetVar(autosyncVar(kind)) || removed
	if !removed {
		return nil
	}
	if err := r.exp.Save(); err != nil {
		return fmt.Errorf("persist %s unlink: %w", kind, err)
	}
	r.notify(kind)
	return nil
}

func (r *Registry) notify(kind Kind) {
	id, _ := r.link(kind)
	c := Change{Kind: kind, RemoteID: id, Autosync: r.Autosync(kind)}
	for _, fn := range r.onChange {
		fn(c)
	}
}

func idVar(kind Kind) string {
	if kind == Data {
		return VarDataID
	}
	return VarExperimentID
}

func autosyncVar(kind Kind) string {
	if kind == Data {
		return VarDataAutosync
	}
	return VarExperimentAutosync
}
