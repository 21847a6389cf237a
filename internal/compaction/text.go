package compaction

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// collapseWhitespace trims every line and squeezes runs of blanks and
// empty lines.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}

// abbreviateLines shortens lines longer than limit characters, keeping the
// head and tail of each.
func abbreviateLines(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		runes := []rune(line)
		if len(runes) <= limit {
			continue
		}
		marker := fmt.Sprintf(" …[%d chars]… ", len(runes)-limit)
		keep := max(limit-len([]rune(marker)), 2)
		head := keep * 2 / 3
		tail := keep - head
		lines[i] = string(runes[:head]) + marker + string(runes[len(runes)-tail:])
	}
	return strings.Join(lines, "\n")
}

// synthesize produces a shorter stand-in for content that fits roughly
// tokens tokens: the opening words plus a marker naming what was elided.
func synthesize(content string, originalTokens, tokens int64) string {
	flat := strings.Join(strings.Fields(content), " ")
	limit := int(tokens) * charsPerToken
	if limit < len(flat) {
		cut := strings.LastIndexByte(flat[:limit], ' ')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(flat[cut]) {
				cut--
			}
		}
		flat = flat[:cut]
	}
	return fmt.Sprintf("[summary of %d tokens] %s …", originalTokens, flat)
}

// scaleTokens shrinks tokens in proportion to a content rewrite. It never
// grows the count.
func scaleTokens(tokens int64, before, after string) int64 {
	if len(before) == 0 || len(after) >= len(before) {
		return tokens
	}
	scaled := int64(math.Ceil(float64(tokens) * float64(len(after)) / float64(len(before))))
	return min(tokens, max(scaled, 1))
}
