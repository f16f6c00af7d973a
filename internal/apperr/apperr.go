// Package apperr defines a closed error-variant type over the service's error
// taxonomy, so HTTP and job-status mapping can switch on a stable Code instead
// of matching error strings.
package apperr

import "fmt"

// Code is one of a fixed set of domain error kinds.
type Code string

const (
	BadRequest      Code = "bad_request"
	UnsupportedMime Code = "unsupported_mime"
	TooLarge        Code = "too_large"
	EmptyPayload    Code = "empty_payload"
	UnknownProfile  Code = "unknown_profile"
	UnknownDomain   Code = "unknown_domain"

	NotFound Code = "not_found"
	Conflict Code = "conflict"

	SchemaDrift Code = "schema_drift"

	EmbedFailed Code = "embed_failed"
	LLMFailed   Code = "llm_failed"
	StoreFailed Code = "store_failed"

	DeadlineExceeded Code = "deadline_exceeded"

	InvariantViolated Code = "invariant_violated"

	UploadMissing Code = "upload_missing"
	EvalFailed    Code = "eval_failed"
	UpsertFailed  Code = "upsert_failed"
	AliasFailed   Code = "alias_failed"
)

// Error is the closed error-variant. Transient marks upstream errors
// (embed_failed, llm_failed, store_failed) that a caller may retry.
type Error struct {
	Code      Code
	Message   string
	Transient bool
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with a fixed message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a domain code to an underlying error, preserving it for Unwrap.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// AsTransient marks an Error as retryable (used for embed/llm/store failures).
func (e *Error) AsTransient() *Error {
	e.Transient = true
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, otherwise
// returns InvariantViolated as a catch-all for unexpected errors.
func CodeOf(err error) Code {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return InvariantViolated
}

// As is a package-local stand-in for errors.As, specialised to *Error, to
// avoid importing "errors" in every caller that only wants CodeOf. It follows
// single Unwrap() error chains only; errors joined via Unwrap() []error are
// not searched.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
