// Package apierr defines the error taxonomy shared by the request pipeline,
// the job tracker and the message router.
//
// Every failure that reaches a surface is an *Error carrying a Kind. Callers
// match kinds with errors.Is against the sentinels below, or use KindOf.
package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The string values are part of the surface wire
// contract and must not change.
type Kind string

const (
	KindNetwork             Kind = "network_error"
	KindUnauthorized        Kind = "unauthorized"
	KindFeatureLocked       Kind = "feature_locked"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindLoginRequired       Kind = "login_required"
	KindUnknownMessage      Kind = "unknown_message"
	KindHTTP                Kind = "http_error"
	KindNotFound            Kind = "not_found"
	KindInvalidRequest      Kind = "invalid_request"
	KindInternal            Kind = "internal"
)

// Sentinels, one per kind. An *Error unwraps to the sentinel of its kind.
var (
	ErrNetwork             = errors.New("network error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrFeatureLocked       = errors.New("feature locked")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLoginRequired       = errors.New("login required")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrHTTP                = errors.New("http error")
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInternal            = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindNetwork:             ErrNetwork,
	KindUnauthorized:        ErrUnauthorized,
	KindFeatureLocked:       ErrFeatureLocked,
	KindInsufficientCredits: ErrInsufficientCredits,
	KindLoginRequired:       ErrLoginRequired,
	KindUnknownMessage:      ErrUnknownMessage,
	KindHTTP:                ErrHTTP,
	KindNotFound:            ErrNotFound,
	KindInvalidRequest:      ErrInvalidRequest,
	KindInternal:            ErrInternal,
}

// Structured403Kinds are the 403 variants the remote API reports in the
// "error" field of its body. They are passed through verbatim.
var Structured403Kinds = []Kind{KindFeatureLocked, KindInsufficientCredits, KindLoginRequired}

// Error is a classified failure.
type Error struct {
	Kind    Kind           `json:"kind"`
	Status  int            `json:"status,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// Cause is the underlying error, if any. It is not serialized.
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "unknown error"
	}

	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}

	switch {
	case e.Status != 0 && msg != "":
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
	case msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	var errs []error
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// New returns an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind with cause attached.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf classifies err. A nil error has no kind. Context cancellation is a
// network failure from the caller's point of view; anything unclassified is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// From converts any error into an *Error, preserving an existing
// classification.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Cause: err}
}

// IsStructured403 reports whether kind is one of the remote API's 403 variants.
func IsStructured403(kind Kind) bool {
	for _, k := range Structured403Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Transient reports whether err is worth retrying on the normal schedule.
// Only transport failures and server-side 5xx responses qualify.
func Transient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		return e.Status >= 500 || e.Status == 429
	default:
		return false
	}
}
