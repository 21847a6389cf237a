package index

import (
	"context"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
)

// Reserve sets aside n tokens of the frame's available budget. It fails
// with InsufficientTokens when n exceeds what is available.
func (ix *Index) Reserve(ctx context.Context, frameID string, n int64) error {
	return ix.ledger(ctx, "reserve", frameID, n, eventlog.OpReserve)
}

// ReleaseReservation returns up to n reserved tokens.
func (ix *Index) ReleaseReservation(ctx context.Context, frameID string, n int64) error {
	return ix.ledger(ctx, "release reservation", frameID, n, eventlog.OpReleaseReservation)
}

// RecordUsage charges n tokens to the frame. It never fails for lack of
// budget; crossing the warning ratio is reported on the bus.
func (ix *Index) RecordUsage(ctx context.Context, frameID string, n int64) error {
	return ix.ledger(ctx, "record usage", frameID, n, eventlog.OpRecordUsage)
}

func (ix *Index) ledger(ctx context.Context, op, frameID string, n int64, kind string) error {
	if n < 0 {
		return errors.NewValidationError(op + ": amount must be non-negative").WithField("amount").WithValue(n)
	}
	return ix.mutateLive(ctx, op, frameID, func(f *frame.Frame) (eventlog.FrameUpdated, error) {
		b := f.Budget
		switch kind {
		case eventlog.OpReserve:
			if err := b.Reserve(n); err != nil {
				return eventlog.FrameUpdated{}, errors.NewFrameError(op, err).WithFrameID(frameID).WithScope(f.Scope)
			}
		case eventlog.OpReleaseReservation:
			b.ReleaseReservation(n)
		case eventlog.OpRecordUsage:
			b.RecordUsage(n)
		}
		return eventlog.FrameUpdated{Status: f.Status, Budget: b, Op: kind, Amount: n}, nil
	})
}
