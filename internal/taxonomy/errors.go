// Package taxonomy defines the closed classified-error taxonomy used
// throughout the workflow engine and the retry policy that follows from it.
package taxonomy

import (
	"errors"
	"fmt"
)

// Kind is one of the six closed error classes every failure in the engine
// is translated into before it reaches a handler run, the mutation ledger,
// or the scheduler's retry policy.
type Kind string

const (
	// Auth indicates the caller's credentials are missing, expired, or
	// otherwise unacceptable to the collaborator (expired OAuth token,
	// revoked API key). Not retryable by the scheduler; requires user
	// resolution.
	Auth Kind = "auth"

	// Permission indicates the credentials are valid but the operation
	// is not authorized (insufficient scope, resource-level ACL denial).
	// Not retryable.
	Permission Kind = "permission"

	// Network indicates a transient failure reaching the collaborator
	// (timeout, connection reset, 5xx, DNS failure). Retryable with
	// exponential backoff up to MaxNetworkRetries.
	Network Kind = "network"

	// Logic indicates the handler code itself is at fault (bad input,
	// assertion failure, unexpected response shape). Not retryable;
	// the handler run fails immediately.
	Logic Kind = "logic"

	// PaymentRequired indicates a collaborator billing/quota failure
	// (e.g. 402, API quota exhausted). Triggers a global scheduler
	// pause rather than a per-workflow retry.
	PaymentRequired Kind = "payment_required"

	// Internal indicates a fault in the engine itself (store failure,
	// sandbox crash, invariant violation). Not retryable by policy;
	// surfaced as-is for operator attention.
	Internal Kind = "internal"
)

// MaxNetworkRetries is the number of Network-classified retry attempts
// a handler run's retry chain may accumulate before the workflow is
// escalated to an error status.
const MaxNetworkRetries = 5

// GlobalPauseDuration is how long the scheduler suspends all candidate
// selection after a PaymentRequired error, per the "pick the later of
// current and new" extension policy in internal/scheduler.
const GlobalPauseDuration = 10 * 60 // seconds, kept as an untyped
// constant; callers such as internal/scheduler multiply it by time.Second.

// Error is the classified error type carried by every failure path in the
// engine: handler execution, tool-gate calls, store operations, sandbox
// faults. It wraps an underlying cause while attaching the taxonomy Kind
// and enough structured context for logs, metrics, and user-facing
// resolution surfaces.
type Error struct {
	Kind      Kind
	Message   string
	Code      string
	Resource  string // workflow/handler_run/mutation/tool identifier, if applicable
	Operation string
	Err       error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &taxonomy.Error{Kind: taxonomy.Network}) works without
// requiring every field to match.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// WithCode returns a copy of e with Code set.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithResource returns a copy of e with Resource set.
func (e *Error) WithResource(resource string) *Error {
	c := *e
	c.Resource = resource
	return &c
}

// WithOperation returns a copy of e with Operation set.
func (e *Error) WithOperation(operation string) *Error {
	c := *e
	c.Operation = operation
	return &c
}

// WithDetail returns a copy of e with a single detail key set.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	c.Details = details
	return &c
}

// New constructs a classified Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a classified Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under the given kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewAuthError constructs an Auth-classified error.
func NewAuthError(message string) *Error { return New(Auth, message) }

// NewPermissionError constructs a Permission-classified error.
func NewPermissionError(message string) *Error { return New(Permission, message) }

// NewNetworkError constructs a Network-classified error.
func NewNetworkError(message string) *Error { return New(Network, message) }

// NewLogicError constructs a Logic-classified error.
func NewLogicError(message string) *Error { return New(Logic, message) }

// NewPaymentRequiredError constructs a PaymentRequired-classified error.
func NewPaymentRequiredError(message string) *Error { return New(PaymentRequired, message) }

// NewInternalError constructs an Internal-classified error.
func NewInternalError(message string) *Error { return New(Internal, message) }

// IsAuth reports whether err is (or wraps) an Auth-classified Error.
func IsAuth(err error) bool { return hasKind(err, Auth) }

// IsPermission reports whether err is (or wraps) a Permission-classified Error.
func IsPermission(err error) bool { return hasKind(err, Permission) }

// IsNetwork reports whether err is (or wraps) a Network-classified Error.
func IsNetwork(err error) bool { return hasKind(err, Network) }

// IsLogic reports whether err is (or wraps) a Logic-classified Error.
func IsLogic(err error) bool { return hasKind(err, Logic) }

// IsPaymentRequired reports whether err is (or wraps) a PaymentRequired Error.
func IsPaymentRequired(err error) bool { return hasKind(err, PaymentRequired) }

// IsInternal reports whether err is (or wraps) an Internal-classified Error.
func IsInternal(err error) bool { return hasKind(err, Internal) }

// IsRetryable reports whether the scheduler's retry policy should schedule
// a backoff retry for this error. Only Network errors are retryable;
// PaymentRequired triggers a global pause rather than a per-workflow retry,
// and every other kind is terminal for the current handler run.
func IsRetryable(err error) bool {
	return IsNetwork(err)
}

// KindOf extracts the Kind from err, returning Internal if err is not a
// classified *Error (an engine invariant violation, since every boundary
// must classify its errors before returning them).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func hasKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
