// Package util provides text helpers for terminal output.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "…"

// ShortID returns the first n runes of an identifier, or id itself when it
// is already short. UUIDs are unique enough at eight characters for display.
func ShortID(id string, n int) string {
	r := []rune(id)
	if n <= 0 || len(r) <= n {
		return id
	}
	return string(r[:n])
}

// OneLine collapses newlines and tabs so s renders on a single row.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateANSI truncates s to maxWidth visual columns, ending in an
// ellipsis when cut. Escape sequences and wide characters are measured by
// their rendered width, so styled text stays intact.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= 1 {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}
