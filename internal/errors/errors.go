// Package errors provides centralized error definitions and error handling
// utilities for slurmtunnel. It defines domain-specific errors for the
// allocation, discovery, routing and channel subsystems, error constructors
// with context wrapping, and classification helpers.
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewSubmitError("sbatch rejected request", errors.ErrJobRejected)
//
//	// With context wrapping
//	err := errors.NewRouteError("install failed", baseErr).WithAlias("cluster-job")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrDiscoveryTimeout) { ... }
//
//	var routeErr *errors.RouteError
//	if errors.As(err, &routeErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
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

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Allocation-related sentinel errors
var (
	// ErrChannelUnreachable indicates the remote command channel could not be
	// reached (SSH connect or command transport failure).
	ErrChannelUnreachable = New("remote command channel unreachable")
	// ErrJobRejected indicates the scheduler rejected the allocation request.
	ErrJobRejected = New("scheduler rejected allocation request")
	// ErrJobGone indicates the allocation no longer exists on the scheduler.
	ErrJobGone = New("allocation no longer exists")
)

// Discovery-related sentinel errors
var (
	// ErrDiscoveryTimeout indicates no endpoint appeared within the discovery window.
	ErrDiscoveryTimeout = New("endpoint discovery timed out")
	// ErrMalformedEndpoint indicates the job advertised an invalid endpoint
	// (out-of-range port, empty host, or conflicting values).
	ErrMalformedEndpoint = New("malformed endpoint advertisement")
	// ErrReadFailed indicates reading the allocation's captured output failed.
	ErrReadFailed = New("output read failed")
)

// Route and channel sentinel errors
var (
	// ErrRouteWrite indicates the routing file could not be persisted.
	ErrRouteWrite = New("routing file write failed")
	// ErrChannelLaunch indicates the local channel subprocess failed to start.
	ErrChannelLaunch = New("channel subprocess failed to start")
	// ErrChannelDied indicates the channel subprocess exited unexpectedly.
	ErrChannelDied = New("channel subprocess died")
)

// General sentinel errors
var (
	// ErrCanceled indicates an operator-initiated cancellation.
	ErrCanceled = New("operation canceled")
	// ErrLeaseExpired indicates the allocation's lease ran out.
	ErrLeaseExpired = New("allocation lease expired")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all domain error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// retryable is implemented by errors that may succeed when attempted again.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether err is transient and the operation may succeed
// on retry. Unknown errors are not retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SubmitError represents errors from submitting or canceling allocations.
//
// Example:
//
//	err := errors.NewSubmitError("submit failed", errors.ErrJobRejected).WithJobID(42)
//	fmt.Println(err) // "allocation error [job=42]: submit failed: scheduler rejected allocation request"
type SubmitError struct {
	baseError
	JobID int
}

// NewSubmitError creates a new SubmitError.
func NewSubmitError(message string, cause error) *SubmitError {
	return &SubmitError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithJobID adds the allocation's job ID to the error context.
func (e *SubmitError) WithJobID(id int) *SubmitError {
	e.JobID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SubmitError) WithRetryable(r bool) *SubmitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SubmitError) Error() string {
	prefix := "allocation error"
	if e.JobID != 0 {
		prefix = fmt.Sprintf("allocation error [job=%d]", e.JobID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SubmitError) Is(target error) bool {
	if _, ok := target.(*SubmitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DiscoveryError represents errors from polling for the remote endpoint.
type DiscoveryError struct {
	baseError
	JobID int
	Line  string
}

// NewDiscoveryError creates a new DiscoveryError.
func NewDiscoveryError(message string, cause error) *DiscoveryError {
	return &DiscoveryError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithJobID adds the allocation's job ID to the error context.
func (e *DiscoveryError) WithJobID(id int) *DiscoveryError {
	e.JobID = id
	return e
}

// WithLine records the offending output line, if any.
func (e *DiscoveryError) WithLine(line string) *DiscoveryError {
	e.Line = line
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *DiscoveryError) WithRetryable(r bool) *DiscoveryError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *DiscoveryError) Error() string {
	var parts []string
	if e.JobID != 0 {
		parts = append(parts, fmt.Sprintf("job=%d", e.JobID))
	}
	if e.Line != "" {
		parts = append(parts, fmt.Sprintf("line=%q", e.Line))
	}

	prefix := "discovery error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("discovery error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *DiscoveryError) Is(target error) bool {
	if _, ok := target.(*DiscoveryError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RouteError represents errors from manipulating the local routing file.
type RouteError struct {
	baseError
	Alias string
}

// NewRouteError creates a new RouteError.
func NewRouteError(message string, cause error) *RouteError {
	return &RouteError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithAlias adds the route alias to the error context.
func (e *RouteError) WithAlias(alias string) *RouteError {
	e.Alias = alias
	return e
}

// Error returns the formatted error message.
func (e *RouteError) Error() string {
	prefix := "route error"
	if e.Alias != "" {
		prefix = fmt.Sprintf("route error [alias=%s]", e.Alias)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RouteError) Is(target error) bool {
	if _, ok := target.(*RouteError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ChannelError represents errors from the local secure-channel subprocess.
type ChannelError struct {
	baseError
	Alias string
	PID   int
}

// NewChannelError creates a new ChannelError.
func NewChannelError(message string, cause error) *ChannelError {
	return &ChannelError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithAlias adds the target route alias to the error context.
func (e *ChannelError) WithAlias(alias string) *ChannelError {
	e.Alias = alias
	return e
}

// WithPID adds the subprocess PID to the error context.
func (e *ChannelError) WithPID(pid int) *ChannelError {
	e.PID = pid
	return e
}

// Error returns the formatted error message.
func (e *ChannelError) Error() string {
	var parts []string
	if e.Alias != "" {
		parts = append(parts, fmt.Sprintf("alias=%s", e.Alias))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}

	prefix := "channel error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("channel error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ChannelError) Is(target error) bool {
	if _, ok := target.(*ChannelError); ok {
		return true
	}
	return e.baseError.Is(target)
}
