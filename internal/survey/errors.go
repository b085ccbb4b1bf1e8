package survey

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindNotFound
	KindUpstream
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus is the response status a handler should use for this kind.
// Upstream failures are reported as 400 so the caller sees Shopify's details.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindUpstream:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type returned by Service operations.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrConflict is returned by a ConfigStore when the version being written is stale.
	ErrConflict = errors.New("survey: configuration version conflict")
	// ErrNoSession is returned by a TokenSource when the shop has no stored access token.
	ErrNoSession = errors.New("survey: no session for shop")
)

const (
	msgAuthRequired    = "Authentication required. Please reinstall the app."
	msgIDsRequired     = "Customer ID and shop are required"
	msgFieldsRequired  = "All fields are required"
	msgOptionsRequired = "Options are required for select questions"
	msgDuplicateTitle  = "A question with this title already exists"
	msgNotFound        = "Question not found"
	msgCountTooSmall   = "Count must be at least 1"
)

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func notFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func upstreamError(msg string, details any, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Details: details, Err: err}
}

func internalError(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
