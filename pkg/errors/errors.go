// Package errors provides the error taxonomy shared by all deptrail packages.
// Boundary operations fail fast with validation, not-found, forbidden, or
// policy-violation kinds before a chain token is issued; everything that
// happens after token issuance is recorded as a stage failure in chain state
// instead of propagating to the caller.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Type
// =============================================================================

// Error is the base error type for all deptrail errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "service.SubmitBOM")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindValidation covers malformed input documents and descriptors.
	// Rejected before any chain is created.
	KindValidation

	// KindNotFound covers unknown projects, components, and chain tokens.
	KindNotFound

	// KindForbidden is returned when the caller lacks access to a project.
	KindForbidden

	// KindPolicyViolation covers requests that are structurally valid but
	// not permitted, e.g. uploading a document to a collection project.
	KindPolicyViolation

	// KindConflict covers duplicate-creation races in the catalog. Conflicts
	// are retried internally and only surface when retries exhaust.
	KindConflict

	// KindStageFailure marks a unit of work whose internal operation failed.
	// Recorded in chain state, observable only via status polling.
	KindStageFailure

	// KindTimeout marks operations cut off by the watchdog or a context.
	KindTimeout

	// KindInternal is for everything that should not happen.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindPolicyViolation:
		return "policy_violation"
	case KindConflict:
		return "conflict"
	case KindStageFailure:
		return "stage_failure"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op first, then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with an operation for context, preserving its kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Err: err}
}

// =============================================================================
// Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return GetKind(err) == KindValidation }

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool { return GetKind(err) == KindNotFound }

// IsForbidden checks if the error is a forbidden error.
func IsForbidden(err error) bool { return GetKind(err) == KindForbidden }

// IsPolicyViolation checks if the error is a policy-violation error.
func IsPolicyViolation(err error) bool { return GetKind(err) == KindPolicyViolation }

// IsConflict checks if the error is a catalog conflict.
func IsConflict(err error) bool { return GetKind(err) == KindConflict }

// IsTimeout checks if the error is a timeout.
func IsTimeout(err error) bool { return GetKind(err) == KindTimeout }

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrProjectNotFound is returned when a project UUID does not resolve.
	ErrProjectNotFound = &Error{Kind: KindNotFound, Message: "project not found"}

	// ErrComponentNotFound is returned when a component UUID does not resolve.
	ErrComponentNotFound = &Error{Kind: KindNotFound, Message: "component not found"}

	// ErrTokenNotFound is returned for unknown or purged chain tokens.
	ErrTokenNotFound = &Error{Kind: KindNotFound, Message: "chain token not found"}

	// ErrForbidden is returned when the caller lacks access to a project.
	ErrForbidden = &Error{Kind: KindForbidden, Message: "access to the specified project is forbidden"}

	// ErrCollectionProject is returned when a document or component is
	// submitted to a collection project.
	ErrCollectionProject = &Error{Kind: KindPolicyViolation, Message: "collection project cannot receive documents or components"}

	// ErrDuplicateComponent is returned by the catalog when a component with
	// the same identity already exists in the project.
	ErrDuplicateComponent = &Error{Kind: KindConflict, Message: "component with identical identity already exists"}
)
