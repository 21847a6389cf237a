package compaction

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/framestack/internal/errors"
)

// StrategyID names a versioned compaction strategy. The set is closed so a
// compaction recorded in the log can be replayed exactly.
type StrategyID string

// Known strategies.
const (
	StrategyLevels          StrategyID = "levels/v1"
	StrategyPriorityBased   StrategyID = "priority_based/v1"
	StrategySummarizeOldest StrategyID = "summarize_oldest/v1"
	StrategyTruncateAt      StrategyID = "truncate_at/v1"
)

// Strategies returns every known strategy ID.
func Strategies() []StrategyID {
	return []StrategyID{StrategyLevels, StrategyPriorityBased, StrategySummarizeOldest, StrategyTruncateAt}
}

// IsValid reports whether id is a known strategy.
func (id StrategyID) IsValid() bool {
	return slices.Contains(Strategies(), id)
}

// Spec selects a strategy and its parameters.
type Spec struct {
	Strategy StrategyID `json:"strategy"`
	// TargetTokens bounds levels/v1 and priority_based/v1.
	TargetTokens int64 `json:"target_tokens,omitempty"`
	// Floor is the most degraded level levels/v1 may reach. Empty allows all.
	Floor Level `json:"floor,omitempty"`
	// KeepRecent is the number of newest items summarize_oldest/v1 keeps verbatim.
	KeepRecent int `json:"keep_recent,omitempty"`
	// MessageCount is the number of newest items truncate_at/v1 keeps.
	MessageCount int `json:"message_count,omitempty"`
}

// Validate checks that the spec names a known strategy with usable
// parameters.
func (s Spec) Validate() error {
	if !s.Strategy.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown compaction strategy %q", s.Strategy)).WithField("strategy")
	}
	if s.Floor != "" && !s.Floor.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown compaction level %q", s.Floor)).WithField("floor")
	}
	switch s.Strategy {
	case StrategyLevels, StrategyPriorityBased:
		if s.TargetTokens < 0 {
			return errors.NewValidationError("target_tokens must be non-negative").WithField("target_tokens").WithValue(s.TargetTokens)
		}
	case StrategySummarizeOldest:
		if s.KeepRecent < 0 {
			return errors.NewValidationError("keep_recent must be non-negative").WithField("keep_recent").WithValue(s.KeepRecent)
		}
	case StrategyTruncateAt:
		if s.MessageCount < 0 {
			return errors.NewValidationError("message_count must be non-negative").WithField("message_count").WithValue(s.MessageCount)
		}
	}
	return nil
}

// Apply runs the strategy named by spec over segs.
func (e *Engine) Apply(spec Spec, segs []Segment) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	switch spec.Strategy {
	case StrategyPriorityBased:
		return e.PriorityBased(segs, spec.TargetTokens), nil
	case StrategySummarizeOldest:
		return e.SummarizeOldest(segs, spec.KeepRecent), nil
	case StrategyTruncateAt:
		return e.TruncateAt(segs, spec.MessageCount), nil
	default:
		floor := spec.Floor
		if floor == "" {
			floor = LevelCritical
		}
		return e.CompactLevels(segs, spec.TargetTokens, floor), nil
	}
}

// PriorityBased drops the lowest-scored segments until the total fits
// target. Among equal scores the segment ranked last (highest ID) goes
// first. Critical and pinned segments are never dropped.
func (e *Engine) PriorityBased(segs []Segment, target int64) Result {
	r := newRun(segs, StrategyPriorityBased)
	r.result.Level = LevelNone

	candidates := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if !s.IsCritical() && !s.Pinned {
			candidates = append(candidates, s)
		}
	}
	slices.SortStableFunc(candidates, func(a, b Segment) int {
		if a.Priority.Score() != b.Priority.Score() {
			return a.Priority.Score() - b.Priority.Score()
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	for _, victim := range candidates {
		if r.total() <= target {
			break
		}
		id := victim.ID
		r.drop(func(s Segment) bool { return s.ID == id })
		r.step("")
	}

	return r.finish(target)
}

// SummarizeOldest keeps the keepRecent newest segments verbatim and
// summarizes the rest. Critical segments are never summarized.
func (e *Engine) SummarizeOldest(segs []Segment, keepRecent int) Result {
	r := newRun(segs, StrategySummarizeOldest)
	r.result.Level = LevelNone

	order := byRecency(r.segs)
	if keepRecent < len(order) {
		for _, i := range order[keepRecent:] {
			e.summarize(&r.segs[i])
		}
	}
	r.step("")

	return r.finish(-1)
}

// TruncateAt keeps only the messageCount newest segments. Critical segments
// are kept regardless and do not count toward the limit.
func (e *Engine) TruncateAt(segs []Segment, messageCount int) Result {
	r := newRun(segs, StrategyTruncateAt)
	r.result.Level = LevelNone

	keep := make(map[string]bool, len(segs))
	kept := 0
	for _, i := range byRecency(r.segs) {
		s := r.segs[i]
		if s.IsCritical() {
			keep[s.ID] = true
			continue
		}
		if kept < messageCount {
			keep[s.ID] = true
			kept++
		}
	}
	r.drop(func(s Segment) bool { return !keep[s.ID] })
	r.step("")

	return r.finish(-1)
}
