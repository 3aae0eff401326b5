package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Terminal implements the collaborator interfaces on a text terminal.
type Terminal struct {
	out io.Writer

	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errs    lipgloss.Style
}

// NewTerminal creates a terminal collaborator writing to stderr, keeping
// stdout free for command output.
func NewTerminal() *Terminal {
	return &Terminal{
		out:     os.Stderr,
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		errs:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (t *Terminal) Info(title, message string) {
	fmt.Fprintf(t.out, "%s %s\n", t.info.Render(title+":"), message)
}

func (t *Terminal) Success(title, message string) {
	fmt.Fprintf(t.out, "%s %s\n", t.success.Render(title+":"), message)
}

func (t *Terminal) Warning(title, message string) {
	fmt.Fprintf(t.out, "%s %s\n", t.warning.Render(title+":"), message)
}

func (t *Terminal) Error(title, message string) {
	fmt.Fprintf(t.out, "%s %s\n", t.errs.Render(title+":"), message)
}

// Ask presents a yes/no prompt. A dismissed prompt counts as no.
func (t *Terminal) Ask(title, question string) bool {
	var yes bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(question).
			Value(&yes),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return yes
}

// ChoosePath asks for a file path, seeded with a suggestion. Submitting an
// empty path counts as dismissal.
func (t *Terminal) ChoosePath(title, suggested string) (string, bool) {
	path := suggested
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			Value(&path),
	))
	if err := form.Run(); err != nil {
		return "", false
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	return path, true
}

// Start opens a textual progress line for one transfer.
func (t *Terminal) Start(label string, total int64, known bool) ProgressIndicator {
	return &termProgress{out: t.out, label: label, total: total, known: known}
}

// termProgress prints progress in tenths for known sizes and per-mebibyte
// for unknown ones, so large transfers stay quiet enough to follow.
type termProgress struct {
	out   io.Writer
	label string
	total int64
	known bool
	last  int64
}

func (p *termProgress) Update(transferred int64) {
	if p.known && p.total > 0 {
		step := p.total / 10
		if step == 0 || transferred-p.last >= step || transferred == p.total {
			p.last = transferred
			fmt.Fprintf(p.out, "%s: %s of %s\n", p.label,
				humanize.IBytes(uint64(transferred)), humanize.IBytes(uint64(p.total)))
		}
		return
	}
	const chunk = 1 << 20
	if transferred-p.last >= chunk {
		p.last = transferred
		fmt.Fprintf(p.out, "%s: %s\n", p.label, humanize.IBytes(uint64(transferred)))
	}
}

func (p *termProgress) Close() {}
