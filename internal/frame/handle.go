package frame

import (
	"fmt"
	"strings"
)

// Priority ranks context handles. Each priority has a fixed score.
type Priority string

// Handle priorities, highest first.
const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

var priorityScores = map[Priority]int{
	PriorityCritical:   100,
	PriorityHigh:       75,
	PriorityMedium:     50,
	PriorityLow:        25,
	PriorityBackground: 10,
}

// priorityBands orders priorities by score, highest first.
var priorityBands = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground}

// Score returns the fixed score of p, or 0 if p is unknown.
func (p Priority) Score() int {
	return priorityScores[p]
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	_, ok := priorityScores[p]
	return ok
}

// Promote returns the next higher band, stopping below Critical. Keyword
// boosts use it so a hint never turns a handle into a pinned one.
func (p Priority) Promote() Priority {
	for i, band := range priorityBands {
		if band == p && i > 1 {
			return priorityBands[i-1]
		}
	}
	return p
}

// ParsePriority converts a case-insensitive name to a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// HandleKind distinguishes plain content from recorded tool invocations.
type HandleKind string

// Handle kinds.
const (
	KindContent        HandleKind = "content"
	KindToolInvocation HandleKind = "tool_invocation"
)

// ToolState tracks a tool invocation handle.
type ToolState string

// Tool invocation states.
const (
	ToolStarted  ToolState = "started"
	ToolFinished ToolState = "finished"
)

// ContextHandle references content attached to a frame. Source is a
// locator resolved only when a pack is assembled.
type ContextHandle struct {
	HandleID        string     `json:"handle_id"`
	Priority        Priority   `json:"priority"`
	EstimatedTokens int64      `json:"estimated_tokens"`
	Source          string     `json:"source"`
	Kind            HandleKind `json:"kind,omitempty"`
	ToolState       ToolState  `json:"tool_state,omitempty"`
	// Summary replaces the source content once compaction has run.
	Summary  string `json:"summary,omitempty"`
	AddedSeq int64  `json:"added_seq"`
}

// Score returns the handle's priority score.
func (h ContextHandle) Score() int {
	return h.Priority.Score()
}

// IsCritical reports whether the handle has Critical priority.
func (h ContextHandle) IsCritical() bool {
	return h.Priority == PriorityCritical
}

// ToolInProgress reports whether the handle records an unfinished tool call.
func (h ContextHandle) ToolInProgress() bool {
	return h.Kind == KindToolInvocation && h.ToolState != ToolFinished
}
