// Package xferr defines the tagged error kinds shared by every component of
// the image transfer engine. Callers should use errors.As to recover a *Error
// and switch on its Kind rather than matching on message text.
package xferr

import "fmt"

// Kind identifies which of the documented failure categories an error
// belongs to. Retry and exit-code policy is keyed off Kind, never off the
// error's message.
type Kind int

const (
	// KindUnknown is never constructed deliberately; seeing it escape a
	// component is itself a bug.
	KindUnknown Kind = iota
	KindAuth
	KindNetwork
	KindProtocol
	KindIntegrity
	KindCacheIO
	KindArchiveFormat
	KindConfig
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindIntegrity:
		return "integrity"
	case KindCacheIO:
		return "cache_io"
	case KindArchiveFormat:
		return "archive_format"
	case KindConfig:
		return "config"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Context carries the structured attributes every error in this system is
// expected to report, per spec.md §7. Zero values are omitted from Error().
type Context struct {
	Operation  string
	Repository string
	Digest     string
	Offset     int64
	Attempt    int
}

// Error is the single error type surfaced across package boundaries. It
// never embeds a raw transport-level exception type; Wrap below is the only
// way to attach an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Ctx     Context
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Ctx.Operation != "" {
		s += fmt.Sprintf(" (op=%s", e.Ctx.Operation)
		if e.Ctx.Repository != "" {
			s += fmt.Sprintf(" repo=%s", e.Ctx.Repository)
		}
		if e.Ctx.Digest != "" {
			s += fmt.Sprintf(" digest=%s", e.Ctx.Digest)
		}
		if e.Ctx.Offset != 0 {
			s += fmt.Sprintf(" offset=%d", e.Ctx.Offset)
		}
		if e.Ctx.Attempt != 0 {
			s += fmt.Sprintf(" attempt=%d", e.Ctx.Attempt)
		}
		s += ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given kind and message.
func New(kind Kind, ctx Context, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Ctx: ctx}
}

// Wrap attaches cause to a new *Error of the given kind without leaking the
// cause's concrete type to callers that only check Kind.
func Wrap(kind Kind, ctx Context, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Ctx: ctx, Cause: cause}
}

// Retryable reports whether an error of this kind is, in isolation, worth
// retrying. Callers still need status-code-specific logic (e.g. a 4xx
// Protocol error is terminal); this only captures the kind-level default.
func Retryable(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindProtocol:
		return false // caller must inspect status code
	default:
		return false
	}
}

// As walks err's single-Unwrap chain and stores the first *Error it finds
// in target, so callers don't need a second import for the common case.
// Unlike errors.As it does not follow Unwrap() []error or call As methods.
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
