package upload

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes coordinator errors so callers (and the HTTP layer) can
// react without inspecting message text.
type Kind int

const (
	// KindUnknown is the zero value; treated as an internal failure.
	KindUnknown Kind = iota
	// KindBadRequest covers invalid declared fields, out-of-range indices,
	// oversize chunks, and unknown MIME types.
	KindBadRequest
	// KindNotFound covers unknown or already-reaped sessions.
	KindNotFound
	// KindRateLimited means a token bucket denied the request.
	KindRateLimited
	// KindOverloaded means the scheduler queue was full.
	KindOverloaded
	// KindExhausted means the blob store ran out of free space.
	KindExhausted
	// KindTimeout means a write did not finish before its deadline.
	KindTimeout
	// KindIOFailure covers blob store I/O errors.
	KindIOFailure
	// KindCancelled means the session was aborted concurrently.
	KindCancelled
	// KindConflict means declared size or type diverged across calls
	// for the same handle.
	KindConflict
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindExhausted:
		return "exhausted"
	case KindTimeout:
		return "timeout"
	case KindIOFailure:
		return "io_failure"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the kind to the status code the API contract promises.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindOverloaded:
		return http.StatusTooManyRequests
	case KindExhausted:
		return http.StatusInsufficientStorage
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a categorized coordinator error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a categorized error with a formatted message.
func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError attaches a kind and message to an underlying error.
func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
