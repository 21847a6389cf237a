package index

import (
	"context"
	"fmt"
	"slices"

	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/resolver"
)

// AddContextHandle attaches h to a live frame and returns its ID. An empty
// HandleID is generated. A handle whose ID already exists replaces it in
// place, which is how a tool invocation is marked finished.
func (ix *Index) AddContextHandle(ctx context.Context, frameID string, h frame.ContextHandle) (string, error) {
	if h.HandleID == "" {
		h.HandleID = frame.NewID()
	}
	if h.Priority == "" {
		h.Priority = frame.PriorityMedium
	}
	if !h.Priority.IsValid() {
		return "", errors.NewValidationError(fmt.Sprintf("unknown priority %q", h.Priority)).WithField("priority")
	}
	if h.EstimatedTokens < 0 {
		return "", errors.NewValidationError("estimated_tokens must be non-negative").WithField("estimated_tokens").WithValue(h.EstimatedTokens)
	}
	if _, _, ok := resolver.Split(h.Source); !ok {
		return "", errors.NewValidationError("source must be a scheme:ref locator").WithField("source").WithValue(h.Source)
	}
	switch h.Kind {
	case "":
		h.Kind = frame.KindContent
	case frame.KindContent:
	case frame.KindToolInvocation:
		if h.ToolState == "" {
			h.ToolState = frame.ToolStarted
		}
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown handle kind %q", h.Kind)).WithField("kind")
	}
	if h.Kind == frame.KindContent {
		h.ToolState = ""
	}
	h.AddedSeq = 0

	f, unlock, err := ix.lockLive(ctx, "add context handle", frameID)
	if err != nil {
		return "", err
	}
	defer unlock()

	next := f.Clone()
	next.PutHandle(h)
	hash, err := contextHash(next)
	if err != nil {
		return "", err
	}
	if _, err := ix.commit(ctx, eventlog.TypeHandleAdded, f.Scope, frameID, f.Status,
		eventlog.HandleAdded{Handle: h, ContextHash: hash}); err != nil {
		return "", err
	}

	ix.logger.WithScope(f.Scope).WithFrame(frameID).Debug("context handle added",
		"handle_id", h.HandleID,
		"priority", string(h.Priority),
		"estimated_tokens", h.EstimatedTokens,
		"kind", string(h.Kind),
	)
	return h.HandleID, nil
}

// AddResultRef appends a result reference to a live frame and returns its
// ID.
func (ix *Index) AddResultRef(ctx context.Context, frameID string, r frame.ResultRef) (string, error) {
	if r.Locator == "" {
		return "", errors.NewValidationError("locator cannot be empty").WithField("locator")
	}
	if r.RefID == "" {
		r.RefID = frame.NewID()
	}
	r.AddedSeq = 0

	f, unlock, err := ix.lockLive(ctx, "add result ref", frameID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if slices.ContainsFunc(f.ResultRefs, func(existing frame.ResultRef) bool { return existing.RefID == r.RefID }) {
		return "", errors.NewValidationError(fmt.Sprintf("result %s already recorded", r.RefID)).WithField("ref_id")
	}

	next := f.Clone()
	next.ResultRefs = append(next.ResultRefs, r)
	hash, err := contextHash(next)
	if err != nil {
		return "", err
	}
	if _, err := ix.commit(ctx, eventlog.TypeResultAdded, f.Scope, frameID, f.Status,
		eventlog.ResultAdded{Result: r, ContextHash: hash}); err != nil {
		return "", err
	}
	return r.RefID, nil
}

// CompactContext applies a named strategy to a live frame's handle set and
// persists the outcome: removed handles are detached and rewritten handles
// keep their ID with a Summary and a reduced estimate. The event is written
// even when nothing changed. An empty strategy uses the configured default.
func (ix *Index) CompactContext(ctx context.Context, frameID string, spec compaction.Spec) (*eventlog.FrameCompacted, error) {
	if spec.Strategy == "" {
		spec.Strategy = ix.defaults.Strategy
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	f, unlock, err := ix.lockLive(ctx, "compact context", frameID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := ix.logger.WithScope(f.Scope).WithFrame(frameID)

	segs := make([]compaction.Segment, 0, len(f.ContextHandles))
	unresolved := make(map[string]bool)
	for _, h := range f.ContextHandles {
		content := h.Summary
		if content == "" {
			content, err = ix.resolver.Resolve(ctx, h.Source)
			if err != nil {
				logger.Warn("context handle source unavailable", "handle_id", h.HandleID, "source", h.Source, "error", err)
				unresolved[h.HandleID] = true
				content = ""
			}
		}
		segs = append(segs, compaction.FromHandle(h, content, false))
	}

	res, err := ix.engine.Apply(spec, segs)
	if err != nil {
		return nil, err
	}

	payload := eventlog.FrameCompacted{
		Spec:           spec,
		Level:          res.Level,
		OriginalTokens: f.HandleTokens(),
		Removed:        res.Removed,
	}
	byID := make(map[string]compaction.Segment, len(res.Segments))
	for _, s := range res.Segments {
		byID[s.ID] = s
	}
	rewrite := func(ids []string, skip []string) []eventlog.HandleSummary {
		var out []eventlog.HandleSummary
		for _, id := range ids {
			s, ok := byID[id]
			if !ok || unresolved[id] || slices.Contains(skip, id) {
				continue
			}
			out = append(out, eventlog.HandleSummary{HandleID: id, Summary: s.Content, EstimatedTokens: s.Tokens})
		}
		return out
	}
	payload.Summaries = rewrite(res.Summarized, nil)
	payload.Abbreviations = rewrite(res.Abbreviated, res.Summarized)

	next := f.Clone()
	next.RemoveHandles(payload.Removed)
	for _, s := range slices.Concat(payload.Summaries, payload.Abbreviations) {
		if h, ok := next.Handle(s.HandleID); ok {
			h.Summary = s.Summary
			h.EstimatedTokens = s.EstimatedTokens
			next.PutHandle(h)
		}
	}
	payload.FinalTokens = next.HandleTokens()
	if payload.ContextHash, err = contextHash(next); err != nil {
		return nil, err
	}

	if _, err := ix.commit(ctx, eventlog.TypeFrameCompacted, f.Scope, frameID, f.Status, payload); err != nil {
		return nil, err
	}

	logger.Info("frame context compacted",
		"strategy", string(spec.Strategy),
		"level", string(res.Level),
		"original_tokens", payload.OriginalTokens,
		"final_tokens", payload.FinalTokens,
		"removed", len(payload.Removed),
		"summarized", len(payload.Summaries),
	)
	return &payload, nil
}

// lockLive takes the scope lock of frameID and returns the frame read under
// it. The caller must call unlock.
func (ix *Index) lockLive(ctx context.Context, op, frameID string) (*frame.Frame, func(), error) {
	f, err := ix.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, nil, err
	}
	unlock := ix.locks.lock(f.Scope)
	f, err = ix.liveFrame(ctx, op, frameID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return f, unlock, nil
}
