// Package testutil provides shared test helpers: experiment fixtures, a
// pre-authorized session, and faked user interaction collaborators.
package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/ui"
)

// Script is a minimal experiment body with a header block and a variable
// preamble, enough for the link registry to work against.
const Script = `---
API: 3
OpenSesame: 4.0.5
Platform: posix
---
set width 1024
set title "Stroop task"
set subject_nr 0

define sketchpad welcome
	set duration keypress
`

// TempExperiment writes script to a fresh .osexp file and returns its path.
func TempExperiment(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.osexp")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// AuthorizedSession returns a session holding a non-expiring test token,
// pointed at apiBase. apiBase is typically an httptest server URL.
func AuthorizedSession(t *testing.T, apiBase string) *osf.Session {
	t.Helper()
	s := osf.NewSession(osf.Config{
		ClientID:    "test-client",
		RedirectURI: "http://localhost:9584/osf-login",
		APIBase:     apiBase,
	})
	tok := &oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}
	if !s.Restore(tok, osf.Scope) {
		t.Fatal("restore of a fresh token failed")
	}
	return s
}

// Notification is one recorded notifier call.
type Notification struct {
	Level   string
	Title   string
	Message string
}

// Notifications records every notifier call for later assertions.
type Notifications struct {
	mu    sync.Mutex
	Calls []Notification
}

var _ ui.Notifier = (*Notifications)(nil)

func (n *Notifications) Info(title, message string)    { n.record("info", title, message) }
func (n *Notifications) Success(title, message string) { n.record("success", title, message) }
func (n *Notifications) Warning(title, message string) { n.record("warning", title, message) }
func (n *Notifications) Error(title, message string)   { n.record("error", title, message) }

func (n *Notifications) record(level, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, Notification{Level: level, Title: title, Message: message})
}

// Titles returns the recorded titles of the given level, in call order.
func (n *Notifications) Titles(level string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, c := range n.Calls {
		if c.Level == level {
			out = append(out, c.Title)
		}
	}
	return out
}

// Answers is a confirmer that consumes a scripted answer per question and
// falls back to Default when the script runs out.
type Answers struct {
	Script  []bool
	Default bool

	mu    sync.Mutex
	Asked []string
}

var _ ui.Confirmer = (*Answers)(nil)

func (a *Answers) Ask(title, question string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Asked = append(a.Asked, title)
	if len(a.Script) == 0 {
		return a.Default
	}
	answer := a.Script[0]
	a.Script = a.Script[1:]
	return answer
}

// NoProgress is a progress factory whose indicators record updates and
// render nothing.
type NoProgress struct {
	mu      sync.Mutex
	Started []string
}

var _ ui.ProgressFactory = (*NoProgress)(nil)

func (p *NoProgress) Start(label string, total int64, known bool) ui.ProgressIndicator {
	p.mu.Lock()
	p.Started = append(p.Started, label)
	p.mu.Unlock()
	return nullIndicator{}
}

type nullIndicator struct{}

func (nullIndicator) Update(int64) {}
func (nullIndicator) Close()       {}

// FixedChooser answers every path dialog with the same result.
type FixedChooser struct {
	Path string
	OK   bool
}

var _ ui.PathChooser = (*FixedChooser)(nil)

func (c *FixedChooser) ChoosePath(title, suggested string) (string, bool) {
	if c.OK && c.Path == "" {
		return suggested, true
	}
	return c.Path, c.OK
}

// FixedSelection reports the configured entity as the current tree
// selection. A nil entity means nothing is selected.
type FixedSelection struct {
	Entity *osf.Entity
}

var _ ui.NodeSelector = (*FixedSelection)(nil)

func (s *FixedSelection) Current() (*osf.Entity, bool) {
	return s.Entity, s.Entity != nil
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
