// Package errs defines the error kinds the catalogue reports and the
// exit codes the command line maps them to.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	// Probe failures, recorded per node and never fatal to a scan.
	KindNotARepo     Kind = "NOT_A_REPO"
	KindProbeTimeout Kind = "PROBE_TIMEOUT"
	KindUnreadable   Kind = "UNREADABLE"
	KindCorrupted    Kind = "CORRUPTED"

	// Walk warnings.
	KindMountSkipped Kind = "MOUNT_SKIPPED"
	KindStatTimeout  Kind = "STAT_TIMEOUT"

	// Store failures.
	KindIndexConflict Kind = "INDEX_CONFLICT"

	// Gate and planner failures.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindPlanConflict     Kind = "PLAN_CONFLICT"
	KindPlanApplyFailed  Kind = "PLAN_APPLY_FAILED"

	// Lookup and configuration failures.
	KindConfigInvalid Kind = "CONFIG_INVALID"
	KindUnknownRepo   Kind = "UNKNOWN_REPO"
	KindLostRepo      Kind = "LOST_REPO"

	KindInternal Kind = "INTERNAL"
)

// Error is a structured error carrying a kind, a short message, and
// optional context details (required level, conflicting paths, action
// index, and so on).
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a named context value and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a named context value, or nil.
func (e *Error) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf returns the kind of err, unwrapping as needed. Errors that are
// not *Error report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Exit codes for the command-line surface.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitPermission = 2
	ExitConfig     = 3
	ExitNotFound   = 4
)

// ExitCode maps an error to the process exit code the command line uses.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindPermissionDenied:
		return ExitPermission
	case KindConfigInvalid:
		return ExitConfig
	case KindUnknownRepo, KindLostRepo:
		return ExitNotFound
	default:
		return ExitError
	}
}
