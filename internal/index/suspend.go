package index

import (
	"context"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// SuspendFrame pauses an active or waiting frame and issues the token that
// resumes it. A frame holds at most one live token.
func (ix *Index) SuspendFrame(ctx context.Context, frameID, reason string) (*frame.SuspensionToken, error) {
	f, unlock, err := ix.lockLive(ctx, "suspend frame", frameID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, held, err := ix.store.FrameToken(ctx, frameID); err != nil {
		return nil, err
	} else if held || f.Status == frame.StatusSuspended {
		return nil, errors.NewFrameError("suspend frame", errors.ErrAlreadySuspended).WithFrameID(frameID).WithScope(f.Scope)
	}
	if !f.Status.Suspendable() {
		return nil, errors.NewFrameError("suspend frame: frame is "+string(f.Status), errors.ErrInvalidStatus).
			WithFrameID(frameID).WithScope(f.Scope)
	}

	tok := frame.SuspensionToken{
		TokenID:     frame.NewID(),
		FrameID:     frameID,
		Scope:       f.Scope,
		SuspendedAt: ix.now().UTC(),
		Reason:      reason,
		PriorStatus: f.Status,
	}
	if _, err := ix.commit(ctx, eventlog.TypeFrameSuspended, f.Scope, frameID, frame.StatusSuspended,
		eventlog.FrameSuspended{Token: tok}); err != nil {
		return nil, err
	}

	ix.logger.WithScope(f.Scope).WithFrame(frameID).Info("frame suspended", "token_id", tok.TokenID, "reason", reason)
	return &tok, nil
}

// ResumeFrame redeems a suspension token, returns its frame to active and
// reports the frame ID. A token works once; afterwards, or for an unknown
// token, ResumeFrame fails with TokenNotFound.
func (ix *Index) ResumeFrame(ctx context.Context, tokenID string) (string, error) {
	tok, ok, err := ix.store.Token(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.NewFrameError("resume frame: token "+tokenID, errors.ErrTokenNotFound)
	}

	unlock := ix.locks.lock(tok.Scope)
	defer unlock()

	// A concurrent resume may have won the lock.
	tok, ok, err = ix.store.Token(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.NewFrameError("resume frame: token "+tokenID, errors.ErrTokenNotFound)
	}

	if _, err := ix.commit(ctx, eventlog.TypeFrameResumed, tok.Scope, tok.FrameID, frame.StatusActive,
		eventlog.FrameResumed{TokenID: tok.TokenID, Status: frame.StatusActive}); err != nil {
		return "", err
	}

	ix.logger.WithScope(tok.Scope).WithFrame(tok.FrameID).Info("frame resumed",
		"token_id", tok.TokenID,
		"suspended_for", ix.now().Sub(tok.SuspendedAt).String(),
	)
	return tok.FrameID, nil
}

// ListSuspended returns the live suspension tokens of scope, or of every
// scope when scope is empty.
func (ix *Index) ListSuspended(ctx context.Context, scope string) ([]frame.SuspensionToken, error) {
	return ix.store.ListSuspended(ctx, scope)
}
