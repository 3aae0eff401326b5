// Package experiment reads and writes the variable preamble of experiment
// files. Link records persist here, in the experiment's own variables, so
// they survive process restarts and travel with the file.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Extensions of recognized experiment files. The tar.gz form is the legacy
// archive format.
var extensions = []string{".osexp", ".opensesame.tar.gz", ".opensesame"}

// IsExperimentFile reports whether name looks like an experiment file.
func IsExperimentFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// IsNativeExperimentFile reports whether name has the current experiment
// extension. Legacy archive formats are recognized but cannot be opened
// directly.
func IsNativeExperimentFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".osexp")
}

// setLineRe matches a top-level variable line. Indented lines belong to
// item definitions and are left alone.
var setLineRe = regexp.MustCompile(`^set\s+([A-Za-z_][A-Za-z0-9_]*)\s+(.*)$`)

// File is a loaded experiment. Only top-level `set` lines are interpreted;
// every other line, including the header block and item definitions, is
// preserved byte for byte on save.
type File struct {
	path  string
	lines []string
}

// Load reads the experiment at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	content := strings.TrimSuffix(string(data), "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
	}
	return &File{path: path, lines: lines}, nil
}

// Path returns the location the experiment was loaded from.
func (f *File) Path() string {
	return f.path
}

// Var returns the value of a top-level variable.
func (f *File) Var(name string) (string, bool) {
	for _, line := range f.lines {
		if m := setLineRe.FindStringSubmatch(line); m != nil && m[1] == name {
			return unquote(m[2]), true
		}
	}
	return "", false
}

// SetVar sets a top-level variable, replacing an existing line or appending
// a new one after the last variable line. Setting an unchanged value keeps
// the file identical.
func (f *File) SetVar(name, value string) {
	encoded := "set " + name + " " + quote(value)
	last := -1
	for i, line := range f.lines {
		if m := setLineRe.FindStringSubmatch(line); m != nil {
			if m[1] == name {
				f.lines[i] = encoded
				return
			}
			last = i
		}
	}
	if last < 0 {
		// No variable block yet. Put the line after the header block when
		// one is present, else at the top.
		at := headerEnd(f.lines)
		f.lines = append(f.lines[:at], append([]string{encoded}, f.lines[at:]...)...)
		return
	}
	f.lines = append(f.lines[:last+1], append([]string{encoded}, f.lines[last+1:]...)...)
}

// UnsetVar removes a top-level variable. It reports whether the variable
// was present.
func (f *File) UnsetVar(name string) bool {
	for i, line := range f.lines {
		if m := setLineRe.FindStringSubmatch(line); m != nil && m[1] == name {
			f.lines = append(f.lines[:i], f.lines[i+1:]...)
			return true
		}
	}
	return false
}

// Save writes the experiment back to its path. The write goes to a
// temporary file in the same directory which is fsynced and renamed over
// the original, so a failed save never truncates the experiment.
func (f *File) Save() error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".osfsync-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	content := strings.Join(f.lines, "\n")
	if content != "" {
		content += "\n"
	}
	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// headerEnd returns the line index just past the `---` delimited header
// block, or 0 when the file has none.
func headerEnd(lines []string) int {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return 0
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return i + 1
		}
	}
	return 0
}

func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"") {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		inner := v[1 : len(v)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return v
}
