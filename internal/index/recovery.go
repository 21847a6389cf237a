package index

import (
	"context"
	"time"

	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// PendingKind classifies work left outstanding in a recovered stack.
type PendingKind string

// Pending work kinds.
const (
	PendingWaitingForSubcall PendingKind = "waiting_for_subcall"
	PendingToolInProgress    PendingKind = "tool_in_progress"
	PendingAwaitingResume    PendingKind = "awaiting_resume"
)

// PendingWork is one item the resumed actor must handle.
type PendingWork struct {
	Kind    PendingKind `json:"kind"`
	FrameID string      `json:"frame_id"`
	// HandleID names the unfinished tool invocation for tool_in_progress.
	HandleID string `json:"handle_id,omitempty"`
	// TokenID is the live suspension token for awaiting_resume.
	TokenID string `json:"token_id,omitempty"`
}

// Recovery is the state an actor resumes from.
type Recovery struct {
	Scope        string         `json:"scope"`
	CurrentFrame *frame.Frame   `json:"current_frame,omitempty"`
	FrameStack   []*frame.Frame `json:"frame_stack"`
	PendingWork  []PendingWork  `json:"pending_work"`

	FramesRecovered int   `json:"frames_recovered"`
	PendingItems    int   `json:"pending_items"`
	LastEventSeq    int64 `json:"last_event_seq"`
	// ResumedSeq is the sequence of the actor.resumed event written by the
	// recovery.
	ResumedSeq int64         `json:"resumed_seq"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ResumeActor rebuilds scope's live stack from durable storage, never the
// cache, and classifies its pending work. It records actor.resumed and
// refreshes the cache. An empty scope recovers an empty stack.
func (ix *Index) ResumeActor(ctx context.Context, scope string) (*Recovery, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	start := time.Now()

	unlock := ix.locks.lock(scope)
	defer unlock()

	lastSeq, err := ix.store.LastSeq(ctx, scope)
	if err != nil {
		return nil, err
	}
	stack, err := ix.loadStack(ctx, scope)
	if err != nil {
		return nil, err
	}

	rec := &Recovery{
		Scope:        scope,
		FrameStack:   stack.Frames,
		PendingWork:  []PendingWork{},
		LastEventSeq: lastSeq,
	}
	if rec.FrameStack == nil {
		rec.FrameStack = []*frame.Frame{}
	}
	rec.CurrentFrame = stack.Top()

	for _, f := range rec.FrameStack {
		items, err := ix.pendingWork(ctx, f)
		if err != nil {
			return nil, err
		}
		rec.PendingWork = append(rec.PendingWork, items...)
	}
	rec.FramesRecovered = len(rec.FrameStack)
	rec.PendingItems = len(rec.PendingWork)

	payload := eventlog.ActorResumed{
		FramesRecovered: rec.FramesRecovered,
		PendingItems:    rec.PendingItems,
		LastSeq:         lastSeq,
	}
	var status frame.Status
	if rec.CurrentFrame != nil {
		payload.TopFrameID = rec.CurrentFrame.FrameID
		status = rec.CurrentFrame.Status
	}
	ev, err := ix.commit(ctx, eventlog.TypeActorResumed, scope, "", status, payload)
	if err != nil {
		return nil, err
	}
	rec.ResumedSeq = ev.Seq
	rec.Elapsed = time.Since(start)

	ix.logger.WithScope(scope).Info("actor resumed",
		"frames_recovered", rec.FramesRecovered,
		"pending_items", rec.PendingItems,
		"last_event_seq", rec.LastEventSeq,
		"elapsed", rec.Elapsed.String(),
	)
	return rec, nil
}

func (ix *Index) pendingWork(ctx context.Context, f *frame.Frame) ([]PendingWork, error) {
	switch f.Status {
	case frame.StatusWaiting:
		return []PendingWork{{Kind: PendingWaitingForSubcall, FrameID: f.FrameID}}, nil
	case frame.StatusActive:
		var items []PendingWork
		for _, h := range f.ContextHandles {
			if h.ToolInProgress() {
				items = append(items, PendingWork{Kind: PendingToolInProgress, FrameID: f.FrameID, HandleID: h.HandleID})
			}
		}
		return items, nil
	case frame.StatusSuspended:
		tok, ok, err := ix.store.FrameToken(ctx, f.FrameID)
		if err != nil || !ok {
			return nil, err
		}
		return []PendingWork{{Kind: PendingAwaitingResume, FrameID: f.FrameID, TokenID: tok.TokenID}}, nil
	}
	return nil, nil
}
