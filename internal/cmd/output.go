package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/framestack/internal/frame"
)

const defaultWidth = 100

// styles holds the lipgloss styles for human output. They are plain when
// the writer is not a terminal.
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	muted lipgloss.Style
	id    lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	if !isTerminal(w) {
		plain := lipgloss.NewStyle()
		return styles{title: plain, label: plain, muted: plain, id: plain, ok: plain, warn: plain, bad: plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		id:    lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}
}

func (s styles) status(st frame.Status) string {
	switch st {
	case frame.StatusActive, frame.StatusCompleted:
		return s.ok.Render(string(st))
	case frame.StatusWaiting, frame.StatusSuspended:
		return s.warn.Render(string(st))
	case frame.StatusFailed:
		return s.bad.Render(string(st))
	}
	return string(st)
}

// field writes one "label: value" line.
func (s styles) field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", s.label.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// width returns the terminal width of w, or a default for pipes and files.
func width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			return cols
		}
	}
	return defaultWidth
}

// emit writes v as JSON or YAML when requested, otherwise calls human.
func (a *app) emit(w io.Writer, v any, human func(w io.Writer, s styles)) error {
	switch {
	case a.asJSON:
		return writeJSON(w, v)
	case a.asYAML:
		return writeYAML(w, v)
	}
	human(w, newStyles(w))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONLine writes v as one compact JSON line.
func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// writeYAMLDoc writes v as one document of a YAML stream.
func writeYAMLDoc(w io.Writer, v any) error {
	if _, err := io.WriteString(w, "---\n"); err != nil {
		return err
	}
	return writeYAML(w, v)
}

// writeYAML renders v through its JSON form so field names match --json.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles parsed from JSON.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
