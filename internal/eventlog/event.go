package eventlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/codec"
	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// Type identifies the kind of mutation an event records.
type Type string

// Event types.
const (
	TypeFramePushed    Type = "frame.pushed"
	TypeFrameUpdated   Type = "frame.updated"
	TypeFramePopped    Type = "frame.popped"
	TypeFrameSuspended Type = "frame.suspended"
	TypeFrameResumed   Type = "frame.resumed"
	TypeHandleAdded    Type = "frame.handle_added"
	TypeResultAdded    Type = "frame.result_added"
	TypeFrameCompacted Type = "frame.compacted"
	TypeActorResumed   Type = "actor.resumed"
)

// Types returns every event type.
func Types() []Type {
	return []Type{
		TypeFramePushed, TypeFrameUpdated, TypeFramePopped,
		TypeFrameSuspended, TypeFrameResumed, TypeHandleAdded,
		TypeResultAdded, TypeFrameCompacted, TypeActorResumed,
	}
}

// IsValid reports whether t is a known event type.
func (t Type) IsValid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one entry of the log. Seq is assigned by the store on append
// and is strictly increasing.
type Event struct {
	Seq       int64     `json:"seq"`
	EventID   string    `json:"event_id"`
	Type      Type      `json:"type"`
	Scope     string    `json:"scope"`
	FrameID   string    `json:"frame_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}

// New builds an unsequenced event with its payload encoded.
func New(typ Type, scope, frameID string, payload any, at time.Time) (Event, error) {
	if !typ.IsValid() {
		return Event{}, fmt.Errorf("unknown event type %q", typ)
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		EventID:   uuid.NewString(),
		Type:      typ,
		Scope:     scope,
		FrameID:   frameID,
		Timestamp: at.UTC(),
		Payload:   data,
	}, nil
}

// Decode decodes the event payload into v.
func (e Event) Decode(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// DecodeAny decodes the payload into its typed struct.
func (e Event) DecodeAny() (any, error) {
	var v any
	switch e.Type {
	case TypeFramePushed:
		v = &FramePushed{}
	case TypeFrameUpdated:
		v = &FrameUpdated{}
	case TypeFramePopped:
		v = &FramePopped{}
	case TypeFrameSuspended:
		v = &FrameSuspended{}
	case TypeFrameResumed:
		v = &FrameResumed{}
	case TypeHandleAdded:
		v = &HandleAdded{}
	case TypeResultAdded:
		v = &ResultAdded{}
	case TypeFrameCompacted:
		v = &FrameCompacted{}
	case TypeActorResumed:
		v = &ActorResumed{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := e.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// FramePushed records a new frame. Frame.PushSeq is set from the event's
// sequence when applied. ParentBudget is the parent's budget after the
// child's total was allocated from it.
type FramePushed struct {
	Frame        frame.Frame         `json:"frame"`
	ParentBudget *budget.TokenBudget `json:"parent_budget,omitempty"`
}

// FrameUpdated records a status or budget change on a live frame.
type FrameUpdated struct {
	Status frame.Status       `json:"status"`
	Budget budget.TokenBudget `json:"budget"`
	Op     string             `json:"op"`
	Amount int64              `json:"amount,omitempty"`
}

// Ledger operation names carried in FrameUpdated.Op.
const (
	OpSetStatus          = "set_status"
	OpReserve            = "reserve"
	OpReleaseReservation = "release_reservation"
	OpRecordUsage        = "record_usage"
)

// FramePopped records a frame reaching a terminal status. ParentBudget is
// the parent's budget after the delegation was released and the child's
// usage charged to it.
type FramePopped struct {
	Status       frame.Status        `json:"status"`
	Budget       budget.TokenBudget  `json:"budget"`
	CompletedAt  time.Time           `json:"completed_at"`
	Reason       string              `json:"reason,omitempty"`
	Cascade      bool                `json:"cascade,omitempty"`
	ParentBudget *budget.TokenBudget `json:"parent_budget,omitempty"`
	// RevokedToken is the suspension token invalidated by the pop.
	RevokedToken string `json:"revoked_token,omitempty"`
}

// FrameSuspended records a suspension and the token issued for it.
type FrameSuspended struct {
	Token frame.SuspensionToken `json:"token"`
}

// FrameResumed records a redeemed suspension token.
type FrameResumed struct {
	TokenID string       `json:"token_id"`
	Status  frame.Status `json:"status"`
}

// HandleAdded records a context handle attached to, or replaced on, a
// frame. Handle.AddedSeq is set from the event's sequence when applied.
type HandleAdded struct {
	Handle      frame.ContextHandle `json:"handle"`
	ContextHash string              `json:"context_hash"`
}

// ResultAdded records a result reference.
type ResultAdded struct {
	Result      frame.ResultRef `json:"result"`
	ContextHash string          `json:"context_hash"`
}

// HandleSummary is the persisted outcome of summarizing one handle.
type HandleSummary struct {
	HandleID        string `json:"handle_id"`
	Summary         string `json:"summary"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

// FrameCompacted records a compaction applied to a frame's handle set.
// Removed and Summaries carry enough to reproduce it without rerunning the
// strategy.
type FrameCompacted struct {
	Spec           compaction.Spec  `json:"spec"`
	Level          compaction.Level `json:"level,omitempty"`
	OriginalTokens int64            `json:"original_tokens"`
	FinalTokens    int64            `json:"final_tokens"`
	Removed        []string         `json:"removed,omitempty"`
	Summaries      []HandleSummary  `json:"summaries,omitempty"`
	Abbreviations  []HandleSummary  `json:"abbreviations,omitempty"`
	ContextHash    string           `json:"context_hash"`
}

// ActorResumed records a recovery of a scope.
type ActorResumed struct {
	FramesRecovered int    `json:"frames_recovered"`
	PendingItems    int    `json:"pending_items"`
	LastSeq         int64  `json:"last_seq"`
	TopFrameID      string `json:"top_frame_id,omitempty"`
}
