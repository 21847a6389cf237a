package store

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// apply projects one event onto the tables and advances applied_seq. It
// is the only code that mutates frames and suspended_frames, and it runs
// identically for live commits, catch-up and Rebuild. The caller owns the
// transaction.
func apply(conn *sqlite.Conn, ev eventlog.Event) error {
	var err error
	switch ev.Type {
	case eventlog.TypeFramePushed:
		err = applyPushed(conn, ev)
	case eventlog.TypeFrameUpdated:
		err = applyUpdated(conn, ev)
	case eventlog.TypeFramePopped:
		err = applyPopped(conn, ev)
	case eventlog.TypeFrameSuspended:
		err = applySuspended(conn, ev)
	case eventlog.TypeFrameResumed:
		err = applyResumed(conn, ev)
	case eventlog.TypeHandleAdded:
		err = applyHandleAdded(conn, ev)
	case eventlog.TypeResultAdded:
		err = applyResultAdded(conn, ev)
	case eventlog.TypeFrameCompacted:
		err = applyCompacted(conn, ev)
	case eventlog.TypeActorResumed:
		// Audit only.
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return fmt.Errorf("apply %s (seq %d): %w", ev.Type, ev.Seq, err)
	}
	return writeMeta(conn, metaAppliedSeq, ev.Seq)
}

func applyPushed(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FramePushed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	f := p.Frame
	f.PushSeq = ev.Seq
	if err := insertFrame(conn, &f); err != nil {
		return err
	}
	if p.ParentBudget != nil && f.ParentFrameID != "" {
		return setBudget(conn, f.ParentFrameID, *p.ParentBudget)
	}
	return nil
}

func applyUpdated(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FrameUpdated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		f.Status = p.Status
		f.Budget = p.Budget
	})
}

func applyPopped(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FramePopped
	if err := ev.Decode(&p); err != nil {
		return err
	}
	var parentID string
	err := mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		f.Status = p.Status
		f.Budget = p.Budget
		at := p.CompletedAt
		f.CompletedAt = &at
		parentID = f.ParentFrameID
	})
	if err != nil {
		return err
	}
	if err := deleteFrameTokens(conn, ev.FrameID); err != nil {
		return err
	}
	if p.ParentBudget != nil && parentID != "" {
		return setBudget(conn, parentID, *p.ParentBudget)
	}
	return nil
}

func applySuspended(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FrameSuspended
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := insertToken(conn, p.Token); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		f.Status = frame.StatusSuspended
	})
}

func applyResumed(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FrameResumed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := deleteFrameTokens(conn, ev.FrameID); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		f.Status = p.Status
	})
}

func applyHandleAdded(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.HandleAdded
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		h := p.Handle
		// A replaced handle keeps its position and recency.
		if existing, ok := f.Handle(h.HandleID); ok {
			h.AddedSeq = existing.AddedSeq
		} else {
			h.AddedSeq = ev.Seq
		}
		f.PutHandle(h)
		f.ContextHash = p.ContextHash
	})
}

func applyResultAdded(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.ResultAdded
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		r := p.Result
		r.AddedSeq = ev.Seq
		f.ResultRefs = append(f.ResultRefs, r)
		f.ContextHash = p.ContextHash
	})
}

func applyCompacted(conn *sqlite.Conn, ev eventlog.Event) error {
	var p eventlog.FrameCompacted
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return mutateFrame(conn, ev.FrameID, func(f *frame.Frame) {
		f.RemoveHandles(p.Removed)
		for _, rewrites := range [][]eventlog.HandleSummary{p.Summaries, p.Abbreviations} {
			for _, s := range rewrites {
				h, ok := f.Handle(s.HandleID)
				if !ok {
					continue
				}
				h.Summary = s.Summary
				h.EstimatedTokens = s.EstimatedTokens
				f.PutHandle(h)
			}
		}
		f.ContextHash = p.ContextHash
	})
}

func mutateFrame(conn *sqlite.Conn, frameID string, mutate func(*frame.Frame)) error {
	f, err := getFrame(conn, frameID)
	if err != nil {
		return err
	}
	mutate(f)
	return updateFrame(conn, f)
}

func setBudget(conn *sqlite.Conn, frameID string, b budget.TokenBudget) error {
	return sqlitex.Execute(conn, `UPDATE frames SET
		budget_total = ?, budget_used = ?, budget_reserved = ?, budget_subcall = ?, max_subframe_depth = ?
		WHERE frame_id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			b.Total, b.Used, b.Reserved, b.SubcallAllocation, b.MaxSubframeDepth, frameID,
		}})
}
