package frame

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/framestack/internal/budget"
)

// Status is the lifecycle state of a frame.
type Status string

// Frame statuses.
const (
	StatusActive    Status = "active"
	StatusWaiting   Status = "waiting"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status ends the frame's life.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusSuspended, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Suspendable reports whether a frame in this status may be suspended.
func (s Status) Suspendable() bool {
	return s == StatusActive || s == StatusWaiting
}

// Constraints are caller-owned limits recorded at push time. The index
// stores them for the owning actor and never enforces them.
type Constraints struct {
	TimeoutMs    int64 `json:"timeout_ms,omitempty"`
	MaxToolCalls int   `json:"max_tool_calls,omitempty"`
}

// ResultRef points at a result produced by a frame.
type ResultRef struct {
	RefID       string `json:"ref_id"`
	Locator     string `json:"locator"`
	Description string `json:"description,omitempty"`
	AddedSeq    int64  `json:"added_seq"`
}

// Frame is one unit of work in a scope's frame tree. Frames reference their
// parent by ID; the store is a flat map keyed by FrameID.
type Frame struct {
	FrameID        string             `json:"frame_id"`
	ParentFrameID  string             `json:"parent_frame_id,omitempty"`
	Scope          string             `json:"scope"`
	Goal           string             `json:"goal"`
	Inputs         json.RawMessage    `json:"inputs,omitempty"`
	ContextHandles []ContextHandle    `json:"context_handles"`
	ResultRefs     []ResultRef        `json:"result_refs"`
	Status         Status             `json:"status"`
	Depth          int                `json:"depth"`
	Budget         budget.TokenBudget `json:"budget"`
	ContextHash    string             `json:"context_hash,omitempty"`
	Constraints    Constraints        `json:"constraints"`
	CreatedAt      time.Time          `json:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	// PushSeq is the log sequence of the frame.pushed event. It orders
	// frames within a scope for top-of-stack selection.
	PushSeq int64 `json:"push_seq"`
}

// IsRoot reports whether the frame has no parent.
func (f *Frame) IsRoot() bool {
	return f.ParentFrameID == ""
}

// Handle returns the handle with the given ID.
func (f *Frame) Handle(handleID string) (ContextHandle, bool) {
	for _, h := range f.ContextHandles {
		if h.HandleID == handleID {
			return h, true
		}
	}
	return ContextHandle{}, false
}

// PutHandle appends h, or replaces the handle with the same ID in place.
func (f *Frame) PutHandle(h ContextHandle) {
	for i := range f.ContextHandles {
		if f.ContextHandles[i].HandleID == h.HandleID {
			f.ContextHandles[i] = h
			return
		}
	}
	f.ContextHandles = append(f.ContextHandles, h)
}

// RemoveHandles detaches the handles with the given IDs.
func (f *Frame) RemoveHandles(ids []string) {
	if len(ids) == 0 {
		return
	}
	f.ContextHandles = slices.DeleteFunc(f.ContextHandles, func(h ContextHandle) bool {
		return slices.Contains(ids, h.HandleID)
	})
}

// HandleTokens sums EstimatedTokens over all handles.
func (f *Frame) HandleTokens() int64 {
	var total int64
	for _, h := range f.ContextHandles {
		total += h.EstimatedTokens
	}
	return total
}

// Clone returns a deep copy safe to hand to callers.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Inputs = slices.Clone(f.Inputs)
	c.ContextHandles = slices.Clone(f.ContextHandles)
	c.ResultRefs = slices.Clone(f.ResultRefs)
	if f.CompletedAt != nil {
		at := *f.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// SuspensionToken pauses a frame until redeemed. Tokens do not expire.
type SuspensionToken struct {
	TokenID     string    `json:"token_id"`
	FrameID     string    `json:"frame_id"`
	Scope       string    `json:"scope"`
	SuspendedAt time.Time `json:"suspended_at"`
	Reason      string    `json:"reason,omitempty"`
	// PriorStatus is the status held before suspension. Resume always
	// returns the frame to active.
	PriorStatus Status `json:"prior_status"`
}

// NewID returns a new random identifier for frames, tokens and events.
func NewID() string {
	return uuid.NewString()
}
