// Package errors provides the error kinds returned by the frame index, typed
// errors carrying the numbers a caller needs to recover, and classification
// helpers.
//
// # Error Kinds
//
// Every failure the index reports maps onto a sentinel so callers can use
// errors.Is regardless of how much context was wrapped around it:
//   - ErrParentFrameNotFound: push named a parent that does not exist
//   - ErrMaxDepthExceeded: push would exceed the parent's depth limit
//   - ErrFrameNotFound: no such frame, or an empty stack with no explicit frame
//   - ErrBudgetTooSmall: context pack requested below the 500-token floor
//   - ErrInsufficientTokens: a reservation or delegation exceeds availability
//
// Typed errors carry the details:
//
//	var insufficient *errors.InsufficientTokensError
//	if errors.As(err, &insufficient) {
//	    log.Printf("wanted %d, only %d left", insufficient.Requested, insufficient.Available)
//	}
//
// # Classification
//
// The index never retries on its own. IsRetryable reports conditions a caller
// may retry after changing something (compacting, asking for less);
// IsFatal reports conditions that must not be retried at the same depth.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Frame store sentinel errors
var (
	// ErrParentFrameNotFound indicates the parent named on push does not exist.
	ErrParentFrameNotFound = New("parent frame not found")
	// ErrMaxDepthExceeded indicates a push past the parent's max_subframe_depth.
	ErrMaxDepthExceeded = New("max subframe depth exceeded")
	// ErrFrameNotFound indicates that a frame could not be found.
	ErrFrameNotFound = New("frame not found")
	// ErrScopeMismatch indicates a child was pushed into a scope other than its parent's.
	ErrScopeMismatch = New("scope mismatch")
	// ErrInvalidStatus indicates a status transition the frame cannot make.
	ErrInvalidStatus = New("invalid frame status")
	// ErrOutstandingAllocation indicates a pop while children still hold delegated tokens.
	ErrOutstandingAllocation = New("outstanding subcall allocation")
)

// Budget and assembly sentinel errors
var (
	// ErrInsufficientTokens indicates a reservation larger than what is available.
	ErrInsufficientTokens = New("insufficient tokens")
	// ErrBudgetTooSmall indicates a context pack budget below the floor.
	ErrBudgetTooSmall = New("budget too small")
)

// Suspension sentinel errors
var (
	// ErrTokenNotFound indicates the suspension token is unknown or already consumed.
	ErrTokenNotFound = New("suspension token not found or consumed")
	// ErrAlreadySuspended indicates the frame already holds a live suspension token.
	ErrAlreadySuspended = New("frame already suspended")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrStorage indicates the durable store or event log failed.
	ErrStorage = New("storage failure")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// IndexError is the base interface for all frame index errors.
type IndexError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the caller may retry after adjusting its request.
	IsRetryable() bool

	// IsFatal returns true if the branch of work must not be retried at all.
	IsFatal() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
	fatal     bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsFatal returns whether the error ends the branch of work.
func (e *baseError) IsFatal() bool {
	return e.fatal
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// FrameError represents a failed operation on a frame or scope.
//
// Example:
//
//	err := errors.NewFrameError("pop frame", errors.ErrOutstandingAllocation)
//	err = err.WithFrameID("f-1").WithScope("run-7")
//	fmt.Println(err) // "frame error [frame=f-1, scope=run-7]: pop frame: outstanding subcall allocation"
type FrameError struct {
	baseError
	FrameID string
	Scope   string
}

// NewFrameError creates a new FrameError.
func NewFrameError(message string, cause error) *FrameError {
	return &FrameError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithFrameID adds a frame ID to the error context.
func (e *FrameError) WithFrameID(id string) *FrameError {
	e.FrameID = id
	return e
}

// WithScope adds a scope to the error context.
func (e *FrameError) WithScope(scope string) *FrameError {
	e.Scope = scope
	return e
}

// WithSeverity sets the error severity.
func (e *FrameError) WithSeverity(s Severity) *FrameError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *FrameError) Error() string {
	var parts []string
	if e.FrameID != "" {
		parts = append(parts, fmt.Sprintf("frame=%s", e.FrameID))
	}
	if e.Scope != "" {
		parts = append(parts, fmt.Sprintf("scope=%s", e.Scope))
	}

	prefix := "frame error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("frame error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *FrameError) Is(target error) bool {
	if _, ok := target.(*FrameError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InsufficientTokensError reports a reservation or delegation that exceeds
// the budget's available tokens. It is recoverable: compact or ask for less.
type InsufficientTokensError struct {
	baseError
	Requested int64
	Available int64
}

// NewInsufficientTokensError creates a new InsufficientTokensError.
func NewInsufficientTokensError(requested, available int64) *InsufficientTokensError {
	return &InsufficientTokensError{
		baseError: baseError{
			message:   "insufficient tokens",
			severity:  SeverityWarning,
			retryable: true,
		},
		Requested: requested,
		Available: available,
	}
}

// Error returns the formatted error message.
func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: requested %d, available %d", e.Requested, e.Available)
}

// Is checks if this error matches the target.
func (e *InsufficientTokensError) Is(target error) bool {
	if _, ok := target.(*InsufficientTokensError); ok {
		return true
	}
	return target == ErrInsufficientTokens
}

// MaxDepthError reports a push that would exceed the parent's depth limit.
// It is fatal for that branch of work.
type MaxDepthError struct {
	baseError
	ParentDepth int
	Limit       int
}

// NewMaxDepthError creates a new MaxDepthError.
func NewMaxDepthError(parentDepth, limit int) *MaxDepthError {
	return &MaxDepthError{
		baseError: baseError{
			message:  "max subframe depth exceeded",
			severity: SeverityError,
			fatal:    true,
		},
		ParentDepth: parentDepth,
		Limit:       limit,
	}
}

// Error returns the formatted error message.
func (e *MaxDepthError) Error() string {
	return fmt.Sprintf("max subframe depth exceeded: child depth %d, limit %d", e.ParentDepth+1, e.Limit)
}

// Is checks if this error matches the target.
func (e *MaxDepthError) Is(target error) bool {
	if _, ok := target.(*MaxDepthError); ok {
		return true
	}
	return target == ErrMaxDepthExceeded
}

// BudgetTooSmallError reports a context pack request below the floor.
type BudgetTooSmallError struct {
	baseError
	Requested int64
	Floor     int64
}

// NewBudgetTooSmallError creates a new BudgetTooSmallError.
func NewBudgetTooSmallError(requested, floor int64) *BudgetTooSmallError {
	return &BudgetTooSmallError{
		baseError: baseError{
			message:  "budget too small",
			severity: SeverityWarning,
		},
		Requested: requested,
		Floor:     floor,
	}
}

// Error returns the formatted error message.
func (e *BudgetTooSmallError) Error() string {
	return fmt.Sprintf("budget too small: requested %d tokens, floor is %d", e.Requested, e.Floor)
}

// Is checks if this error matches the target.
func (e *BudgetTooSmallError) Is(target error) bool {
	if _, ok := target.(*BudgetTooSmallError); ok {
		return true
	}
	return target == ErrBudgetTooSmall
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("scope cannot be empty").WithField("scope")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the caller may retry after adjusting its
// request. Only InsufficientTokens qualifies; the index never retries itself.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var indexErr IndexError
	if As(err, &indexErr) && indexErr.IsRetryable() {
		return true
	}
	return Is(err, ErrInsufficientTokens)
}

// IsFatal returns true if the error ends the current branch of work and
// must not be retried at the same depth.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var indexErr IndexError
	if As(err, &indexErr) && indexErr.IsFatal() {
		return true
	}
	return Is(err, ErrMaxDepthExceeded)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement IndexError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var indexErr IndexError
	if As(err, &indexErr) {
		return indexErr.Severity()
	}
	return SeverityError
}

// Kind returns the short name of the error kind, suitable for logs and CLI
// exit reporting. Unknown errors report "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrParentFrameNotFound):
		return "ParentFrameNotFound"
	case Is(err, ErrMaxDepthExceeded):
		return "MaxDepthExceeded"
	case Is(err, ErrFrameNotFound):
		return "FrameNotFound"
	case Is(err, ErrBudgetTooSmall):
		return "BudgetTooSmall"
	case Is(err, ErrInsufficientTokens):
		return "InsufficientTokens"
	case Is(err, ErrTokenNotFound):
		return "TokenNotFound"
	case Is(err, ErrAlreadySuspended):
		return "AlreadySuspended"
	case Is(err, ErrOutstandingAllocation):
		return "OutstandingAllocation"
	case Is(err, ErrInvalidStatus):
		return "InvalidStatus"
	case Is(err, ErrScopeMismatch):
		return "ScopeMismatch"
	case Is(err, ErrInvalidInput):
		return "InvalidInput"
	case Is(err, ErrStorage):
		return "Storage"
	default:
		return "internal"
	}
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Storage wraps a storage-layer failure so it matches ErrStorage while
// keeping the underlying cause inspectable.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, Join(ErrStorage, err))
}
