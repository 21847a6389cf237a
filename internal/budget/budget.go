package budget

import (
	"math"

	"github.com/Iron-Ham/framestack/internal/errors"
)

// TokenBudget is the token ledger owned by a single frame. All arithmetic
// saturates: Available never goes negative and counters never wrap.
//
// TokenBudget is a value type with no locking of its own. Callers serialize
// mutations per frame tree.
type TokenBudget struct {
	Total             int64 `json:"total"`
	Used              int64 `json:"used"`
	Reserved          int64 `json:"reserved"`
	SubcallAllocation int64 `json:"subcall_allocation"`
	MaxSubframeDepth  int   `json:"max_subframe_depth"`
}

// New returns a budget with the given total and depth limit.
func New(total int64, maxSubframeDepth int) TokenBudget {
	return TokenBudget{Total: total, MaxSubframeDepth: maxSubframeDepth}
}

// Available returns Total-Used-Reserved-SubcallAllocation, floored at zero.
func (b TokenBudget) Available() int64 {
	remaining := b.Total
	for _, spent := range []int64{b.Used, b.Reserved, b.SubcallAllocation} {
		if spent >= remaining {
			return 0
		}
		remaining -= spent
	}
	return remaining
}

// Reserve sets aside n tokens for an upcoming call.
func (b *TokenBudget) Reserve(n int64) error {
	if err := b.checkAvailable(n); err != nil {
		return err
	}
	b.Reserved = saturatingAdd(b.Reserved, n)
	return nil
}

// AllocateForSubcall delegates n tokens to a child frame.
func (b *TokenBudget) AllocateForSubcall(n int64) error {
	if err := b.checkAvailable(n); err != nil {
		return err
	}
	b.SubcallAllocation = saturatingAdd(b.SubcallAllocation, n)
	return nil
}

// ReleaseSubcallAllocation returns up to n delegated tokens.
func (b *TokenBudget) ReleaseSubcallAllocation(n int64) {
	b.SubcallAllocation = saturatingSub(b.SubcallAllocation, n)
}

// ReleaseReservation returns up to n reserved tokens.
func (b *TokenBudget) ReleaseReservation(n int64) {
	b.Reserved = saturatingSub(b.Reserved, n)
}

// RecordUsage adds n to Used. It never fails; usage past Available only
// gates future reservations. Negative n is ignored.
func (b *TokenBudget) RecordUsage(n int64) {
	if n <= 0 {
		return
	}
	b.Used = saturatingAdd(b.Used, n)
}

// UsageRatio returns Used/Total, or 0 for a zero total.
func (b TokenBudget) UsageRatio() float64 {
	if b.Total <= 0 {
		return 0
	}
	return float64(b.Used) / float64(b.Total)
}

func (b TokenBudget) checkAvailable(n int64) error {
	if n < 0 {
		return errors.NewValidationError("token amount must be non-negative").WithField("amount").WithValue(n)
	}
	if available := b.Available(); n > available {
		return errors.NewInsufficientTokensError(n, available)
	}
	return nil
}

func saturatingAdd(a, n int64) int64 {
	if n > 0 && a > math.MaxInt64-n {
		return math.MaxInt64
	}
	return a + n
}

func saturatingSub(a, n int64) int64 {
	if n <= 0 {
		return a
	}
	if n >= a {
		return 0
	}
	return a - n
}
