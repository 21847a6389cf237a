// Package budget implements the per-frame token ledger and a monitor that
// aggregates ledgers across a scope.
//
// A [TokenBudget] tracks Total, Used, Reserved and SubcallAllocation.
// Reservations and child delegations are refused with an
// InsufficientTokens error when they exceed Available; usage is always
// recorded, even past the total, because reporting must never block.
//
// The [Monitor] raises a one-shot warning per frame when Used/Total
// crosses the configured ratio.
package budget
