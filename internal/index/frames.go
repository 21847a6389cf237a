package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/contenthash"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/schema"
	"github.com/Iron-Ham/framestack/internal/stackcache"
	"github.com/Iron-Ham/framestack/internal/store"
)

// PushRequest describes a new frame.
type PushRequest struct {
	Scope string
	// ParentFrameID is empty for a root frame.
	ParentFrameID string
	Goal          string
	Inputs        json.RawMessage
	// InputSchema, when set, is a JSON Schema Inputs must satisfy.
	InputSchema json.RawMessage
	// TotalTokens is the frame's budget. For a root zero means the
	// configured default; for a child zero delegates everything the parent
	// has available.
	TotalTokens int64
	// MaxSubframeDepth zero inherits the parent's limit, or the configured
	// default for a root.
	MaxSubframeDepth int
	Constraints      frame.Constraints
}

// PopOptions modify PopFrame.
type PopOptions struct {
	// Force fails every live descendant, deepest first, before popping.
	// Only valid with frame.StatusFailed.
	Force  bool
	Reason string
}

// PushFrame creates a frame and returns its ID. A child's total is
// delegated from its parent's available tokens.
func (ix *Index) PushFrame(ctx context.Context, req PushRequest) (string, error) {
	if err := requireScope(req.Scope); err != nil {
		return "", err
	}
	if req.TotalTokens < 0 {
		return "", errors.NewValidationError("total_tokens must be non-negative").WithField("total_tokens").WithValue(req.TotalTokens)
	}
	if req.MaxSubframeDepth < 0 {
		return "", errors.NewValidationError("max_subframe_depth must be non-negative").WithField("max_subframe_depth").WithValue(req.MaxSubframeDepth)
	}
	if len(req.Inputs) > 0 && !json.Valid(req.Inputs) {
		return "", errors.NewValidationError("inputs must be valid JSON").WithField("inputs")
	}
	if err := schema.ValidateInputs(req.InputSchema, req.Inputs); err != nil {
		return "", err
	}

	unlock := ix.locks.lock(req.Scope)
	defer unlock()

	f := &frame.Frame{
		FrameID:        frame.NewID(),
		ParentFrameID:  req.ParentFrameID,
		Scope:          req.Scope,
		Goal:           req.Goal,
		Inputs:         req.Inputs,
		ContextHandles: []frame.ContextHandle{},
		ResultRefs:     []frame.ResultRef{},
		Status:         frame.StatusActive,
		Constraints:    req.Constraints,
		CreatedAt:      ix.now().UTC(),
	}

	var parentBudget *budget.TokenBudget
	if req.ParentFrameID == "" {
		if err := ix.checkNoLiveRoot(ctx, req.Scope); err != nil {
			return "", err
		}
		total := req.TotalTokens
		if total == 0 {
			total = ix.defaults.RootTokens
		}
		depth := req.MaxSubframeDepth
		if depth == 0 {
			depth = ix.defaults.MaxSubframeDepth
		}
		f.Budget = budget.New(total, depth)
	} else {
		parent, err := ix.store.GetFrame(ctx, req.ParentFrameID)
		if errors.Is(err, errors.ErrFrameNotFound) {
			return "", errors.NewFrameError("push frame", errors.ErrParentFrameNotFound).
				WithFrameID(req.ParentFrameID).WithScope(req.Scope)
		}
		if err != nil {
			return "", err
		}
		if parent.Scope != req.Scope {
			return "", errors.NewFrameError(
				fmt.Sprintf("push frame: parent belongs to scope %q", parent.Scope), errors.ErrScopeMismatch,
			).WithFrameID(parent.FrameID).WithScope(req.Scope)
		}
		if parent.Status.IsTerminal() {
			return "", errors.NewFrameError("push frame: parent is "+string(parent.Status), errors.ErrInvalidStatus).
				WithFrameID(parent.FrameID).WithScope(req.Scope)
		}
		if parent.Depth >= parent.Budget.MaxSubframeDepth {
			return "", errors.NewFrameError("push frame", errors.NewMaxDepthError(parent.Depth, parent.Budget.MaxSubframeDepth)).
				WithFrameID(parent.FrameID).WithScope(req.Scope)
		}

		total := req.TotalTokens
		if total == 0 {
			total = parent.Budget.Available()
		}
		pb := parent.Budget
		if err := pb.AllocateForSubcall(total); err != nil {
			return "", errors.NewFrameError("push frame", err).WithFrameID(parent.FrameID).WithScope(req.Scope)
		}
		parentBudget = &pb

		// A child may tighten the depth limit of its subtree, never lift it.
		depth := parent.Budget.MaxSubframeDepth
		if req.MaxSubframeDepth > 0 {
			depth = min(req.MaxSubframeDepth, depth)
		}
		f.Depth = parent.Depth + 1
		f.Budget = budget.New(total, depth)
	}

	hash, err := contextHash(f)
	if err != nil {
		return "", err
	}
	f.ContextHash = hash

	if _, err := ix.commit(ctx, eventlog.TypeFramePushed, f.Scope, f.FrameID, f.Status,
		eventlog.FramePushed{Frame: *f, ParentBudget: parentBudget}); err != nil {
		return "", err
	}

	ix.logger.WithScope(f.Scope).WithFrame(f.FrameID).Info("frame pushed",
		"parent_frame_id", f.ParentFrameID,
		"depth", f.Depth,
		"total_tokens", f.Budget.Total,
	)
	return f.FrameID, nil
}

// checkNoLiveRoot enforces one live frame tree per scope.
func (ix *Index) checkNoLiveRoot(ctx context.Context, scope string) error {
	top, ok, err := ix.store.TopOfStack(ctx, scope)
	if err != nil || !ok {
		return err
	}
	root := top
	if !top.IsRoot() {
		chain, err := ix.store.Ancestry(ctx, top.FrameID)
		if err != nil {
			return err
		}
		root = chain[0]
	}
	return errors.NewValidationError(fmt.Sprintf("scope %q already has live root %s", scope, root.FrameID)).
		WithField("parent_frame_id")
}

// PopFrame moves a frame to a terminal status. Without Force a frame that
// still has live children or delegated tokens fails with
// OutstandingAllocation. The child's delegation returns to its parent and
// its usage is charged there.
func (ix *Index) PopFrame(ctx context.Context, frameID string, status frame.Status, opts PopOptions) error {
	if !status.IsTerminal() {
		return errors.NewFrameError("pop frame: status must be completed or failed, got "+string(status), errors.ErrInvalidStatus).
			WithFrameID(frameID)
	}
	if opts.Force && status != frame.StatusFailed {
		return errors.NewFrameError("pop frame: force requires status failed", errors.ErrInvalidStatus).WithFrameID(frameID)
	}

	f, unlock, err := ix.lockLive(ctx, "pop frame", frameID)
	if err != nil {
		return err
	}
	defer unlock()

	descendants, err := ix.store.LiveDescendants(ctx, frameID)
	if err != nil {
		return err
	}
	if !opts.Force && (len(descendants) > 0 || f.Budget.SubcallAllocation > 0) {
		return errors.NewFrameError(
			fmt.Sprintf("pop frame: %d live children, %d tokens delegated", len(descendants), f.Budget.SubcallAllocation),
			errors.ErrOutstandingAllocation,
		).WithFrameID(frameID).WithScope(f.Scope)
	}

	for _, d := range descendants {
		if err := ix.popOne(ctx, d.FrameID, frame.StatusFailed, opts.Reason, true); err != nil {
			return err
		}
	}
	return ix.popOne(ctx, frameID, status, opts.Reason, false)
}

// popOne commits frame.popped for one frame. The frame and its parent are
// reread so earlier cascaded pops are reflected. Caller holds the scope lock.
func (ix *Index) popOne(ctx context.Context, frameID string, status frame.Status, reason string, cascade bool) error {
	f, err := ix.store.GetFrame(ctx, frameID)
	if err != nil {
		return err
	}

	payload := eventlog.FramePopped{
		Status:      status,
		Budget:      f.Budget,
		CompletedAt: ix.now().UTC(),
		Reason:      reason,
		Cascade:     cascade,
	}

	if !f.IsRoot() {
		parent, err := ix.store.GetFrame(ctx, f.ParentFrameID)
		if err != nil {
			return err
		}
		pb := parent.Budget
		pb.ReleaseSubcallAllocation(f.Budget.Total)
		pb.RecordUsage(f.Budget.Used)
		payload.ParentBudget = &pb
	}

	tok, ok, err := ix.store.FrameToken(ctx, frameID)
	if err != nil {
		return err
	}
	if ok {
		payload.RevokedToken = tok.TokenID
	}

	if _, err := ix.commit(ctx, eventlog.TypeFramePopped, f.Scope, frameID, status, payload); err != nil {
		return err
	}
	ix.monitor.Forget(frameID)

	logger := ix.logger.WithScope(f.Scope).WithFrame(frameID)
	if cascade {
		logger.Warn("frame failed by cascade", "reason", reason, "revoked_token", payload.RevokedToken)
	} else {
		logger.Info("frame popped", "status", string(status), "used", f.Budget.Used)
	}
	return nil
}

// SetStatus moves a live frame between active and waiting. Suspension has
// its own operations.
func (ix *Index) SetStatus(ctx context.Context, frameID string, status frame.Status) error {
	if status != frame.StatusActive && status != frame.StatusWaiting {
		return errors.NewFrameError("set status: only active or waiting, got "+string(status), errors.ErrInvalidStatus).
			WithFrameID(frameID)
	}

	return ix.mutateLive(ctx, "set status", frameID, func(f *frame.Frame) (eventlog.FrameUpdated, error) {
		if f.Status == frame.StatusSuspended {
			return eventlog.FrameUpdated{}, errors.NewFrameError("set status: frame is suspended", errors.ErrInvalidStatus).
				WithFrameID(frameID).WithScope(f.Scope)
		}
		return eventlog.FrameUpdated{Status: status, Budget: f.Budget, Op: eventlog.OpSetStatus}, nil
	})
}

// GetFrame returns a frame from durable storage.
func (ix *Index) GetFrame(ctx context.Context, frameID string) (*frame.Frame, error) {
	return ix.store.GetFrame(ctx, frameID)
}

// GetFrameAncestry returns the chain from the root to frameID.
func (ix *Index) GetFrameAncestry(ctx context.Context, frameID string) ([]*frame.Frame, error) {
	return ix.store.Ancestry(ctx, frameID)
}

// FindTopOfStack returns the most recently pushed live frame of scope. The
// cache is consulted before storage.
func (ix *Index) FindTopOfStack(ctx context.Context, scope string) (string, bool, error) {
	stack, err := ix.ActiveStack(ctx, scope)
	if err != nil {
		return "", false, err
	}
	if top := stack.Top(); top != nil {
		return top.FrameID, true, nil
	}
	return "", false, nil
}

// ActiveStack returns the root-to-leaf stack ending at scope's top of
// stack, from the cache when present.
func (ix *Index) ActiveStack(ctx context.Context, scope string) (*stackcache.Stack, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if stack, ok := ix.cache.Get(scope); ok {
		return stack, nil
	}

	seq, err := ix.store.LastSeq(ctx, scope)
	if err != nil {
		return nil, err
	}
	stack, err := ix.loadStack(ctx, scope)
	if err != nil {
		return nil, err
	}
	stack.Seq = seq
	ix.cache.Put(stack)
	return stack, nil
}

// ListScopes summarizes every scope in storage.
func (ix *Index) ListScopes(ctx context.Context) ([]store.ScopeInfo, error) {
	return ix.store.ListScopes(ctx)
}

// ScopeFrames returns every frame of scope, live or terminal, in push order.
func (ix *Index) ScopeFrames(ctx context.Context, scope string) ([]*frame.Frame, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	return ix.store.ScopeFrames(ctx, scope)
}

// mutateLive runs a frame.updated mutation under the scope lock. build
// returns the payload from the current frame state.
func (ix *Index) mutateLive(ctx context.Context, op, frameID string, build func(*frame.Frame) (eventlog.FrameUpdated, error)) error {
	f, unlock, err := ix.lockLive(ctx, op, frameID)
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := build(f)
	if err != nil {
		return err
	}
	if _, err := ix.commit(ctx, eventlog.TypeFrameUpdated, f.Scope, frameID, payload.Status, payload); err != nil {
		return err
	}
	if payload.Op == eventlog.OpRecordUsage {
		ix.monitor.Check(budget.FrameUsage{
			FrameID:       f.FrameID,
			ParentFrameID: f.ParentFrameID,
			Scope:         f.Scope,
			Status:        string(payload.Status),
			Budget:        payload.Budget,
		})
	}
	return nil
}

// fingerprint is the part of a handle covered by the context hash.
// AddedSeq is assigned on apply and left out.
type fingerprint struct {
	HandleID        string `json:"handle_id"`
	Priority        string `json:"priority"`
	EstimatedTokens int64  `json:"estimated_tokens"`
	Source          string `json:"source"`
	Kind            string `json:"kind,omitempty"`
	ToolState       string `json:"tool_state,omitempty"`
	Summary         string `json:"summary,omitempty"`
}

type resultFingerprint struct {
	RefID   string `json:"ref_id"`
	Locator string `json:"locator"`
}

// contextHash fingerprints a frame's goal, inputs, handles and results.
// Inputs enter through their canonical hash, so formatting does not
// change the result.
func contextHash(f *frame.Frame) (string, error) {
	inputs, err := contenthash.Inputs(f.Inputs)
	if err != nil {
		return "", errors.Wrap(err, "context hash")
	}
	view := struct {
		Goal    string              `json:"goal"`
		Inputs  string              `json:"inputs"`
		Handles []fingerprint       `json:"handles"`
		Results []resultFingerprint `json:"results"`
	}{
		Goal:    f.Goal,
		Inputs:  inputs.String(),
		Handles: make([]fingerprint, 0, len(f.ContextHandles)),
		Results: make([]resultFingerprint, 0, len(f.ResultRefs)),
	}
	for _, h := range f.ContextHandles {
		view.Handles = append(view.Handles, fingerprint{
			HandleID:        h.HandleID,
			Priority:        string(h.Priority),
			EstimatedTokens: h.EstimatedTokens,
			Source:          h.Source,
			Kind:            string(h.Kind),
			ToolState:       string(h.ToolState),
			Summary:         h.Summary,
		})
	}
	for _, r := range f.ResultRefs {
		view.Results = append(view.Results, resultFingerprint{RefID: r.RefID, Locator: r.Locator})
	}

	h, err := contenthash.Handles(view)
	if err != nil {
		return "", errors.Wrap(err, "context hash")
	}
	return h.String(), nil
}
