package assembler

import (
	"time"

	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// QueryHints steer segment selection.
type QueryHints struct {
	// IncludeHandles are pinned: always selected, like Critical handles.
	IncludeHandles []string `json:"include_handles,omitempty"`
	// Keywords promote matching handles one priority band for ranking.
	Keywords []string `json:"keywords,omitempty"`
}

// Request asks for a pack. FrameID selects the target; the index fills it
// from the top of stack when the caller leaves it empty.
type Request struct {
	Scope        string     `json:"scope"`
	FrameID      string     `json:"frame_id,omitempty"`
	BudgetTokens int64      `json:"budget_tokens"`
	Hints        QueryHints `json:"hints"`
	// MinCompaction is the most degraded level the caller accepts. Empty
	// accepts every level.
	MinCompaction compaction.Level `json:"min_compaction,omitempty"`
	// RecordUsage charges the pack's token total to the frame.
	RecordUsage bool `json:"record_usage,omitempty"`
}

// Metadata identifies a pack.
type Metadata struct {
	PackID      string                `json:"pack_id"`
	Scope       string                `json:"scope"`
	FrameID     string                `json:"frame_id"`
	AssembledAt time.Time             `json:"assembled_at"`
	ContextHash string                `json:"context_hash,omitempty"`
	Strategy    compaction.StrategyID `json:"strategy,omitempty"`
}

// Breadcrumb is a fixed-size pointer to one ancestor frame.
type Breadcrumb struct {
	FrameID string       `json:"frame_id"`
	Goal    string       `json:"goal"`
	Depth   int          `json:"depth"`
	Status  frame.Status `json:"status"`
	Tokens  int64        `json:"tokens"`
}

// Segment is one materialized handle in the pack.
type Segment struct {
	HandleID    string         `json:"handle_id"`
	Priority    frame.Priority `json:"priority"`
	Tokens      int64          `json:"tokens"`
	Content     string         `json:"content"`
	Source      string         `json:"source"`
	Pinned      bool           `json:"pinned,omitempty"`
	Summarized  bool           `json:"summarized,omitempty"`
	Abbreviated bool           `json:"abbreviated,omitempty"`
	// Unresolved is set when the source could not be read and Content is a
	// placeholder.
	Unresolved bool `json:"unresolved,omitempty"`
}

// Breakdown splits the used tokens by pack section. Slack is the unused
// part of the budget.
type Breakdown struct {
	Brief       int64 `json:"brief"`
	Breadcrumbs int64 `json:"breadcrumbs"`
	Segments    int64 `json:"segments"`
	Slack       int64 `json:"slack"`
}

// TokenSummary accounts for a pack's tokens.
type TokenSummary struct {
	Budget     int64            `json:"budget"`
	Used       int64            `json:"used"`
	Remaining  int64            `json:"remaining"`
	Breakdown  Breakdown        `json:"breakdown"`
	Level      compaction.Level `json:"level"`
	OverBudget bool             `json:"over_budget,omitempty"`
	// Skipped are handles left out by selection before compaction ran.
	Skipped    []string `json:"skipped,omitempty"`
	Dropped    []string `json:"dropped,omitempty"`
	Summarized []string `json:"summarized,omitempty"`
}

// ContextPack is the bounded view of a frame handed to an agent for one
// turn.
type ContextPack struct {
	Metadata    Metadata     `json:"metadata"`
	Brief       string       `json:"brief"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
	Segments    []Segment    `json:"segments"`
	Summary     TokenSummary `json:"summary"`
}
