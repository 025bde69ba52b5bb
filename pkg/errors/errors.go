// Package errors defines the error taxonomy shared by the ledger, the
// dispatch gate, and the job queue protocol, plus small reusable helpers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for status reporting and retry policy.
// None of the kinds are retried automatically.
type Kind int

const (
	// KindInternal covers anything unexpected: unknown library identifier,
	// store failure, serialization failure. Surfaced as an opaque message.
	KindInternal Kind = iota
	// KindUnauthorized covers unknown users, datasets the user cannot
	// access, and gate re-entry ("query already in progress").
	KindUnauthorized
	// KindInvalidQuery covers malformed requests and insufficient budget.
	KindInvalidQuery
	// KindExternalLibrary covers failures raised by a DP querier plugin
	// during Cost or Execute.
	KindExternalLibrary
	// KindArchiveWarning marks an archive-append failure that must not
	// undo a successful spend commit.
	KindArchiveWarning
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized_access"
	case KindInvalidQuery:
		return "invalid_query"
	case KindExternalLibrary:
		return "external_library_error"
	case KindArchiveWarning:
		return "archive_warning"
	default:
		return "internal_error"
	}
}

// Common errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrNoAccess         = errors.New("user has no access to dataset")
	ErrQueryInProgress  = errors.New("query already in progress")
	ErrUnknownLibrary   = errors.New("unknown DP library identifier")
	ErrJobNotFound      = errors.New("job not found")
	ErrColumnNotFound   = errors.New("column not found in dataset")
	ErrSnapshotDisabled = errors.New("snapshots not configured for this store")
)

// Error is a classified error. Library is set only for KindExternalLibrary.
type Error struct {
	Kind    Kind
	Library string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Library != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Library, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// InvalidQuery builds a KindInvalidQuery error.
func InvalidQuery(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidQuery, Message: fmt.Sprintf(format, args...)}
}

// ExternalLibrary wraps a plugin failure, keeping only the library name and
// the plugin's message; everything else about the plugin error is opaque.
func ExternalLibrary(library string, err error) *Error {
	return &Error{Kind: KindExternalLibrary, Library: library, Message: err.Error(), Err: err}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// ArchiveWarning wraps an archive-append failure. Callers that receive it
// must treat the operation it decorates as successful.
func ArchiveWarning(err error) *Error {
	return &Error{Kind: KindArchiveWarning, Message: "archive append failed", Err: err}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind onto the status code recorded on jobs and
// returned by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidQuery:
		return http.StatusBadRequest
	case KindExternalLibrary:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
