package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/config"
	"github.com/Iron-Ham/framestack/internal/contenthash"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/event"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/logging"
	"github.com/Iron-Ham/framestack/internal/resolver"
)

// charsPerToken converts fixed token slices into character limits.
const charsPerToken = 4

// Options size the fixed parts of a pack.
type Options struct {
	MinBudgetTokens  int64
	BriefTokens      int64
	BreadcrumbTokens int64
	// SegmentHeadroom is the share of the post-brief budget that segments
	// may fill during selection.
	SegmentHeadroom float64
}

// DefaultOptions returns the built-in sizes.
func DefaultOptions() Options {
	return Options{
		MinBudgetTokens:  500,
		BriefTokens:      500,
		BreadcrumbTokens: 40,
		SegmentHeadroom:  0.75,
	}
}

// OptionsFromConfig reads pack sizes from application config.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		MinBudgetTokens:  cfg.Assembly.MinBudgetTokens,
		BriefTokens:      cfg.Assembly.BriefTokens,
		BreadcrumbTokens: cfg.Assembly.BreadcrumbTokens,
		SegmentHeadroom:  cfg.Assembly.SegmentHeadroom,
	}
}

// Assembler builds context packs from a frame and its ancestry. It reads
// nothing from storage itself and never mutates frames.
type Assembler struct {
	opts     Options
	engine   *compaction.Engine
	resolver *resolver.Registry
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithBus publishes a PackAssembledEvent for every pack.
func WithBus(bus *event.Bus) Option {
	return func(a *Assembler) {
		a.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source for AssembledAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// New creates an Assembler. Nil engine or registry fall back to defaults.
func New(opts Options, engine *compaction.Engine, reg *resolver.Registry, options ...Option) *Assembler {
	def := DefaultOptions()
	if opts.MinBudgetTokens <= 0 {
		opts.MinBudgetTokens = def.MinBudgetTokens
	}
	if opts.BriefTokens < 0 {
		opts.BriefTokens = def.BriefTokens
	}
	if opts.BreadcrumbTokens < 0 {
		opts.BreadcrumbTokens = def.BreadcrumbTokens
	}
	if opts.SegmentHeadroom <= 0 || opts.SegmentHeadroom > 1 {
		opts.SegmentHeadroom = def.SegmentHeadroom
	}
	if engine == nil {
		engine = compaction.NewEngine(compaction.DefaultOptions())
	}
	if reg == nil {
		reg = resolver.NewRegistry()
	}

	a := &Assembler{
		opts:     opts,
		engine:   engine,
		resolver: reg,
		logger:   logging.NopLogger(),
		now:      time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Options returns the effective sizes.
func (a *Assembler) Options() Options {
	return a.opts
}

// CheckBudget fails with BudgetTooSmall when n is below the floor.
func (a *Assembler) CheckBudget(n int64) error {
	if n < a.opts.MinBudgetTokens {
		return errors.NewBudgetTooSmallError(n, a.opts.MinBudgetTokens)
	}
	return nil
}

// candidate is a handle being ranked for selection.
type candidate struct {
	handle frame.ContextHandle
	rank   frame.Priority
	pinned bool
}

// Assemble builds a pack for the last frame of ancestry, which must run
// root to leaf.
func (a *Assembler) Assemble(ctx context.Context, req Request, ancestry []*frame.Frame) (*ContextPack, error) {
	if err := a.CheckBudget(req.BudgetTokens); err != nil {
		return nil, err
	}
	if len(ancestry) == 0 {
		return nil, errors.NewFrameError("assemble context pack", errors.ErrFrameNotFound).WithScope(req.Scope)
	}
	floor, err := compaction.ParseLevel(string(req.MinCompaction))
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("min_compaction").WithValue(req.MinCompaction)
	}

	leaf := ancestry[len(ancestry)-1]
	logger := a.logger.WithScope(leaf.Scope).WithFrame(leaf.FrameID)

	pack := &ContextPack{
		Metadata: Metadata{
			Scope:       leaf.Scope,
			FrameID:     leaf.FrameID,
			AssembledAt: a.now().UTC(),
			ContextHash: leaf.ContextHash,
		},
		Brief:       truncateChars(brief(leaf), int(a.opts.BriefTokens)*charsPerToken),
		Breadcrumbs: a.breadcrumbs(ancestry[:len(ancestry)-1]),
		Segments:    []Segment{},
	}

	fixed := a.opts.BriefTokens + a.opts.BreadcrumbTokens*int64(len(pack.Breadcrumbs))
	remaining := max(req.BudgetTokens-fixed, 0)

	selected, skipped := a.selectHandles(leaf.ContextHandles, req.Hints, remaining)
	segs := make([]compaction.Segment, 0, len(selected))
	sources := make(map[string]candidate, len(selected))
	unresolved := make(map[string]bool)
	for _, c := range selected {
		content, ok := a.materialize(ctx, logger, c.handle)
		if !ok {
			unresolved[c.handle.HandleID] = true
		}
		segs = append(segs, compaction.FromHandle(c.handle, content, c.pinned))
		sources[c.handle.HandleID] = c
	}

	summary := TokenSummary{
		Budget:  req.BudgetTokens,
		Level:   compaction.LevelNone,
		Skipped: skipped,
	}
	if fixed+compaction.TotalTokens(segs) > req.BudgetTokens {
		res := a.engine.CompactLevels(segs, remaining, floor)
		segs = res.Segments
		summary.Level = res.Level
		summary.Dropped = res.Removed
		summary.Summarized = res.Summarized
		pack.Metadata.Strategy = res.Strategy
		logger.Debug("pack segments compacted",
			"level", string(res.Level),
			"original_tokens", res.OriginalTokens,
			"final_tokens", res.FinalTokens,
			"dropped", len(res.Removed),
		)
	}

	for _, s := range segs {
		c := sources[s.ID]
		pack.Segments = append(pack.Segments, Segment{
			HandleID:    s.ID,
			Priority:    s.Priority,
			Tokens:      s.Tokens,
			Content:     s.Content,
			Source:      c.handle.Source,
			Pinned:      c.pinned,
			Summarized:  s.Summarized,
			Abbreviated: s.Abbreviated,
			Unresolved:  unresolved[s.ID],
		})
	}

	segTokens := compaction.TotalTokens(segs)
	summary.Breakdown = Breakdown{
		Brief:       a.opts.BriefTokens,
		Breadcrumbs: fixed - a.opts.BriefTokens,
		Segments:    segTokens,
	}
	summary.Used = fixed + segTokens
	summary.Remaining = max(req.BudgetTokens-summary.Used, 0)
	summary.Breakdown.Slack = summary.Remaining
	summary.OverBudget = summary.Used > req.BudgetTokens
	pack.Summary = summary

	id, err := packID(pack)
	if err != nil {
		return nil, err
	}
	pack.Metadata.PackID = id

	if summary.OverBudget {
		logger.Warn("context pack over budget",
			"budget", summary.Budget,
			"used", summary.Used,
			"floor", string(floor),
		)
	}
	logger.Debug("context pack assembled",
		"pack_id", id,
		"budget", summary.Budget,
		"used", summary.Used,
		"segments", len(pack.Segments),
	)

	if a.bus != nil {
		a.bus.Publish(event.NewPackAssembledEvent(id, leaf.Scope, leaf.FrameID,
			summary.Budget, summary.Used, string(summary.Level), summary.OverBudget,
			len(summary.Dropped), len(summary.Summarized)))
	}
	return pack, nil
}

// selectHandles ranks handles and picks the pinned ones plus as many others
// as fit the headroom. Selection stops at the first handle that does not
// fit. It returns the selection in rank order and the skipped IDs.
func (a *Assembler) selectHandles(handles []frame.ContextHandle, hints QueryHints, remaining int64) ([]candidate, []string) {
	cands := make([]candidate, 0, len(handles))
	for _, h := range handles {
		c := candidate{
			handle: h,
			rank:   h.Priority,
			pinned: h.IsCritical() || slices.Contains(hints.IncludeHandles, h.HandleID),
		}
		if matchesKeyword(h, hints.Keywords) {
			c.rank = h.Priority.Promote()
		}
		cands = append(cands, c)
	}
	slices.SortStableFunc(cands, func(x, y candidate) int {
		if x.rank.Score() != y.rank.Score() {
			return y.rank.Score() - x.rank.Score()
		}
		return strings.Compare(x.handle.HandleID, y.handle.HandleID)
	})

	limit := int64(float64(remaining) * a.opts.SegmentHeadroom)
	var used int64
	for _, c := range cands {
		if c.pinned {
			used += c.handle.EstimatedTokens
		}
	}

	var (
		selected []candidate
		skipped  []string
		stopped  bool
	)
	for _, c := range cands {
		switch {
		case c.pinned:
			selected = append(selected, c)
		case !stopped && used+c.handle.EstimatedTokens <= limit:
			used += c.handle.EstimatedTokens
			selected = append(selected, c)
		default:
			stopped = true
			skipped = append(skipped, c.handle.HandleID)
		}
	}
	return selected, skipped
}

// materialize returns the content of a handle. A summary stands in for the
// source. Resolution failures yield a placeholder and false.
func (a *Assembler) materialize(ctx context.Context, logger *logging.Logger, h frame.ContextHandle) (string, bool) {
	if h.Summary != "" {
		return h.Summary, true
	}
	content, err := a.resolver.Resolve(ctx, h.Source)
	if err != nil {
		logger.Warn("context handle source unavailable",
			"handle_id", h.HandleID,
			"source", h.Source,
			"error", err,
		)
		return fmt.Sprintf("[unavailable: %s]", h.Source), false
	}
	return content, true
}

func (a *Assembler) breadcrumbs(ancestors []*frame.Frame) []Breadcrumb {
	crumbs := make([]Breadcrumb, 0, len(ancestors))
	limit := int(a.opts.BreadcrumbTokens) * charsPerToken
	for _, f := range ancestors {
		crumbs = append(crumbs, Breadcrumb{
			FrameID: f.FrameID,
			Goal:    truncateChars(f.Goal, limit),
			Depth:   f.Depth,
			Status:  f.Status,
			Tokens:  a.opts.BreadcrumbTokens,
		})
	}
	return crumbs
}

func matchesKeyword(h frame.ContextHandle, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(h.Source + "\n" + h.Summary)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// brief renders the leaf frame's goal, inputs and results.
func brief(f *frame.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", f.Goal)
	fmt.Fprintf(&b, "Status: %s (depth %d)\n", f.Status, f.Depth)
	if len(f.Inputs) > 0 {
		if canonical, err := contenthash.Canonicalize(f.Inputs); err == nil {
			fmt.Fprintf(&b, "Inputs: %s\n", canonical)
		} else {
			fmt.Fprintf(&b, "Inputs: %s\n", compactJSON(f.Inputs))
		}
	}
	if len(f.ResultRefs) > 0 {
		b.WriteString("Results:\n")
		for _, r := range f.ResultRefs {
			fmt.Fprintf(&b, "- %s: %s", r.RefID, r.Locator)
			if r.Description != "" {
				fmt.Fprintf(&b, " (%s)", r.Description)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// truncateChars cuts s to at most limit runes, marking the cut.
func truncateChars(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}

// packID fingerprints everything in the pack except the assembly time.
func packID(p *ContextPack) (string, error) {
	h, err := contenthash.Pack(struct {
		Scope       string       `json:"scope"`
		FrameID     string       `json:"frame_id"`
		ContextHash string       `json:"context_hash"`
		Brief       string       `json:"brief"`
		Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
		Segments    []Segment    `json:"segments"`
		Summary     TokenSummary `json:"summary"`
	}{p.Metadata.Scope, p.Metadata.FrameID, p.Metadata.ContextHash, p.Brief, p.Breadcrumbs, p.Segments, p.Summary})
	if err != nil {
		return "", fmt.Errorf("fingerprint pack: %w", err)
	}
	return h.String(), nil
}
