package compaction

import (
	"slices"

	"github.com/Iron-Ham/framestack/internal/config"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// Options tune the compaction levels.
type Options struct {
	// RecentCutoff is how many of the newest segments Moderate leaves intact.
	RecentCutoff int
	// SummaryRatio is the share of tokens a summary keeps.
	SummaryRatio float64
	// AbbreviateLineChars is the line length Light abbreviates beyond.
	AbbreviateLineChars int
}

// DefaultOptions returns the built-in tuning.
func DefaultOptions() Options {
	return Options{
		RecentCutoff:        4,
		SummaryRatio:        0.25,
		AbbreviateLineChars: 240,
	}
}

// OptionsFromConfig reads compaction tuning from application config.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		RecentCutoff:        cfg.Compaction.RecentCutoff,
		SummaryRatio:        cfg.Compaction.SummaryRatio,
		AbbreviateLineChars: cfg.Compaction.AbbreviateLineChars,
	}
}

// Step records the total after one level or strategy pass.
type Step struct {
	Level  Level `json:"level,omitempty"`
	Tokens int64 `json:"tokens"`
}

// Result is the outcome of a compaction run.
type Result struct {
	Segments       []Segment  `json:"segments"`
	Strategy       StrategyID `json:"strategy"`
	Level          Level      `json:"level"`
	OriginalTokens int64      `json:"original_tokens"`
	FinalTokens    int64      `json:"final_tokens"`
	Removed        []string   `json:"removed,omitempty"`
	Summarized     []string   `json:"summarized,omitempty"`
	Abbreviated    []string   `json:"abbreviated,omitempty"`
	// OverBudget is set when the run ended above its target, either
	// because the level floor stopped escalation or because Critical
	// content alone exceeds the target.
	OverBudget bool   `json:"over_budget,omitempty"`
	Steps      []Step `json:"steps,omitempty"`
}

// Engine applies compaction levels and named strategies. An Engine holds
// only its options and is safe for concurrent use.
type Engine struct {
	opts Options
}

// NewEngine creates an Engine. Zero-valued options fall back to defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.RecentCutoff < 0 {
		opts.RecentCutoff = def.RecentCutoff
	}
	if opts.SummaryRatio <= 0 || opts.SummaryRatio >= 1 {
		opts.SummaryRatio = def.SummaryRatio
	}
	if opts.AbbreviateLineChars <= 0 {
		opts.AbbreviateLineChars = def.AbbreviateLineChars
	}
	return &Engine{opts: opts}
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// CompactLevels escalates through the levels, cumulatively, until the
// segments fit target or floor is reached. The input is not modified.
func (e *Engine) CompactLevels(segs []Segment, target int64, floor Level) Result {
	if !floor.IsValid() {
		floor = LevelCritical
	}

	run := newRun(segs, StrategyLevels)
	run.result.Level = LevelNone
	run.step(LevelNone)

	for _, level := range levelOrder[1:] {
		if run.total() <= target || !level.AtMost(floor) {
			break
		}
		switch level {
		case LevelLight:
			e.light(run)
		case LevelModerate:
			e.moderate(run)
		case LevelAggressive:
			e.aggressive(run, target)
		case LevelCritical:
			e.critical(run)
		}
		run.result.Level = level
		run.step(level)
	}

	return run.finish(target)
}

// light collapses whitespace and abbreviates long lines. Nothing is dropped.
func (e *Engine) light(r *run) {
	for i := range r.segs {
		seg := &r.segs[i]
		rewritten := abbreviateLines(collapseWhitespace(seg.Content), e.opts.AbbreviateLineChars)
		if rewritten == seg.Content {
			continue
		}
		tokens := scaleTokens(seg.Tokens, seg.Content, rewritten)
		seg.Content = rewritten
		if tokens < seg.Tokens {
			seg.Tokens = tokens
			seg.Abbreviated = true
		}
	}
}

// moderate summarizes every segment older than the RecentCutoff newest.
// Critical segments keep their content.
func (e *Engine) moderate(r *run) {
	order := byRecency(r.segs)
	if len(order) <= e.opts.RecentCutoff {
		return
	}
	for _, i := range order[e.opts.RecentCutoff:] {
		e.summarize(&r.segs[i])
	}
}

// summarize replaces a segment's content with a synthesis.
func (e *Engine) summarize(seg *Segment) {
	if seg.IsCritical() || seg.Summarized || seg.Tokens <= 1 {
		return
	}
	tokens := max(int64(float64(seg.Tokens)*e.opts.SummaryRatio), 1)
	if tokens >= seg.Tokens {
		return
	}
	seg.Content = synthesize(seg.Content, seg.Tokens, tokens)
	seg.Tokens = tokens
	seg.Summarized = true
}

// aggressive drops low and background segments, then medium ones if the
// total is still over target. Pinned and Critical segments stay.
func (e *Engine) aggressive(r *run, target int64) {
	groups := [][]frame.Priority{
		{frame.PriorityLow, frame.PriorityBackground},
		{frame.PriorityMedium},
	}
	for _, group := range groups {
		if r.total() <= target {
			return
		}
		r.drop(func(s Segment) bool {
			return !s.Pinned && !s.IsCritical() && slices.Contains(group, s.Priority)
		})
	}
}

// critical keeps only Critical segments, whatever their size.
func (e *Engine) critical(r *run) {
	r.drop(func(s Segment) bool { return !s.IsCritical() })
}

// run tracks one compaction pass over a private copy of the segments.
type run struct {
	segs   []Segment
	result Result
	// before remembers the input flags so finish reports only changes
	// made by this run.
	before map[string]Segment
}

func newRun(segs []Segment, strategy StrategyID) *run {
	r := &run{
		segs:   cloneSegments(segs),
		before: make(map[string]Segment, len(segs)),
	}
	for _, s := range segs {
		r.before[s.ID] = s
	}
	r.result.Strategy = strategy
	r.result.OriginalTokens = TotalTokens(segs)
	return r
}

func (r *run) total() int64 {
	return TotalTokens(r.segs)
}

func (r *run) step(level Level) {
	r.result.Steps = append(r.result.Steps, Step{Level: level, Tokens: r.total()})
}

func (r *run) drop(match func(Segment) bool) {
	r.segs = slices.DeleteFunc(r.segs, func(s Segment) bool {
		if match(s) {
			r.result.Removed = append(r.result.Removed, s.ID)
			return true
		}
		return false
	})
}

// finish fills the derived fields. Summarized and Abbreviated list only
// segments that survived and changed during this run.
func (r *run) finish(target int64) Result {
	res := r.result
	res.Segments = r.segs
	res.FinalTokens = r.total()
	res.OverBudget = target >= 0 && res.FinalTokens > target

	for _, s := range r.segs {
		prior := r.before[s.ID]
		if s.Summarized && !prior.Summarized {
			res.Summarized = append(res.Summarized, s.ID)
		} else if s.Abbreviated && !prior.Abbreviated {
			res.Abbreviated = append(res.Abbreviated, s.ID)
		}
	}
	return res
}
