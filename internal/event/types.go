package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "frame.pushed", "pack.assembled")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Scoped is implemented by events that belong to one frame tree.
type Scoped interface {
	EventScope() string
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Notification types that are not part of the durable log.
const (
	TypePackAssembled = "pack.assembled"
	TypeUsageWarning  = "budget.usage_warning"
)

// -----------------------------------------------------------------------------
// Committed log events
// -----------------------------------------------------------------------------

// CommittedEvent mirrors a durable log entry after it has been applied to
// storage. Its EventType is the log type ("frame.pushed", "actor.resumed", ...).
type CommittedEvent struct {
	baseEvent
	Seq     int64  // Log sequence number
	EventID string // Unique log entry ID
	Scope   string // Scope the frame tree belongs to
	FrameID string // Affected frame, empty for actor.resumed
	Status  string // Frame status after the event was applied
}

func (e CommittedEvent) EventScope() string { return e.Scope }

// NewCommittedEvent creates a CommittedEvent stamped with the log timestamp.
func NewCommittedEvent(eventType string, seq int64, eventID, scope, frameID, status string, at time.Time) CommittedEvent {
	return CommittedEvent{
		baseEvent: baseEvent{eventType: eventType, timestamp: at},
		Seq:       seq,
		EventID:   eventID,
		Scope:     scope,
		FrameID:   frameID,
		Status:    status,
	}
}

// -----------------------------------------------------------------------------
// Assembly events
// -----------------------------------------------------------------------------

// PackAssembledEvent is emitted after a context pack has been built.
type PackAssembledEvent struct {
	baseEvent
	PackID       string
	Scope        string
	FrameID      string
	BudgetTokens int64
	UsedTokens   int64
	Level        string // Compaction level applied
	OverBudget   bool   // Compaction floor stopped escalation while over budget
	Dropped      int
	Summarized   int
}

func (e PackAssembledEvent) EventScope() string { return e.Scope }

// NewPackAssembledEvent creates a PackAssembledEvent.
func NewPackAssembledEvent(packID, scope, frameID string, budget, used int64, level string, overBudget bool, dropped, summarized int) PackAssembledEvent {
	return PackAssembledEvent{
		baseEvent:    newBaseEvent(TypePackAssembled),
		PackID:       packID,
		Scope:        scope,
		FrameID:      frameID,
		BudgetTokens: budget,
		UsedTokens:   used,
		Level:        level,
		OverBudget:   overBudget,
		Dropped:      dropped,
		Summarized:   summarized,
	}
}

// -----------------------------------------------------------------------------
// Budget events
// -----------------------------------------------------------------------------

// UsageWarningEvent is emitted once a frame's used/total crosses the
// configured warning ratio.
type UsageWarningEvent struct {
	baseEvent
	Scope   string
	FrameID string
	Used    int64
	Total   int64
	Ratio   float64
}

func (e UsageWarningEvent) EventScope() string { return e.Scope }

// NewUsageWarningEvent creates a UsageWarningEvent.
func NewUsageWarningEvent(scope, frameID string, used, total int64, ratio float64) UsageWarningEvent {
	return UsageWarningEvent{
		baseEvent: newBaseEvent(TypeUsageWarning),
		Scope:     scope,
		FrameID:   frameID,
		Used:      used,
		Total:     total,
		Ratio:     ratio,
	}
}
