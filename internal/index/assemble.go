package index

import (
	"context"

	"github.com/Iron-Ham/framestack/internal/assembler"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// AssembleContextPack builds a bounded context pack for req.FrameID, or for
// the top of req.Scope's stack when no frame is named. Assembly reads a
// snapshot and does not mutate the frame unless req.RecordUsage is set, in
// which case the pack's token total is recorded as usage.
func (ix *Index) AssembleContextPack(ctx context.Context, req assembler.Request) (*assembler.ContextPack, error) {
	if err := ix.assembler.CheckBudget(req.BudgetTokens); err != nil {
		return nil, err
	}

	var ancestry []*frame.Frame
	if req.FrameID != "" {
		chain, err := ix.store.Ancestry(ctx, req.FrameID)
		if err != nil {
			return nil, err
		}
		leaf := chain[len(chain)-1]
		if req.Scope != "" && req.Scope != leaf.Scope {
			return nil, errors.NewFrameError("assemble context pack: frame belongs to scope "+leaf.Scope, errors.ErrScopeMismatch).
				WithFrameID(req.FrameID).WithScope(req.Scope)
		}
		req.Scope = leaf.Scope
		ancestry = chain
	} else {
		stack, err := ix.ActiveStack(ctx, req.Scope)
		if err != nil {
			return nil, err
		}
		if len(stack.Frames) == 0 {
			return nil, errors.NewFrameError("assemble context pack: stack is empty", errors.ErrFrameNotFound).WithScope(req.Scope)
		}
		ancestry = stack.Frames
	}

	pack, err := ix.assembler.Assemble(ctx, req, ancestry)
	if err != nil {
		return nil, err
	}

	if req.RecordUsage {
		if err := ix.RecordUsage(ctx, pack.Metadata.FrameID, pack.Summary.Used); err != nil {
			return nil, err
		}
	}
	return pack, nil
}
