// Package ui declares the narrow interfaces the sync core drives the host
// application through, plus terminal implementations for CLI use.
package ui

import "github.com/dkuiper/osfsync/internal/osf"

// Notifier shows one-shot messages to the user. Every failure surfaces
// through exactly one of these calls; silent failures are a defect.
type Notifier interface {
	Info(title, message string)
	Success(title, message string)
	Warning(title, message string)
	Error(title, message string)
}

// Confirmer asks a yes/no question and blocks the calling flow until the
// user answers.
type Confirmer interface {
	Ask(title, question string) bool
}

// ProgressIndicator reflects the state of one transfer.
type ProgressIndicator interface {
	Update(transferred int64)
	Close()
}

// ProgressFactory opens progress indicators. When the remote size is
// unknown, known is false and only the transferred count is displayed.
type ProgressFactory interface {
	Start(label string, total int64, known bool) ProgressIndicator
}

// PathChooser lets the user pick a file path, seeded with a suggestion.
// ok is false when the dialog is dismissed.
type PathChooser interface {
	ChoosePath(title, suggested string) (string, bool)
}

// NodeSelector exposes the node currently selected in the remote hierarchy
// view. ok is false when nothing is selected.
type NodeSelector interface {
	Current() (*osf.Entity, bool)
}
