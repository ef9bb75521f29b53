// Package errs defines the failure taxonomy shared by the API server, the
// inference worker and the background schedulers. Every cross-component
// failure is classified into a Kind so HTTP handlers and queue consumers can
// map it without string matching.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindBadInput
	KindUnauthorized
	KindForbidden
	KindStorageFailure
	KindQueueFailure
	KindConfigMissingModel
	KindBadModelOutput
	KindInferenceTimeout
	KindExternalUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadInput:
		return "bad_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindStorageFailure:
		return "storage_failure"
	case KindQueueFailure:
		return "queue_failure"
	case KindConfigMissingModel:
		return "config_missing_model"
	case KindBadModelOutput:
		return "bad_model_output"
	case KindInferenceTimeout:
		return "inference_timeout"
	case KindExternalUnavailable:
		return "external_unavailable"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from anywhere in the chain. Unclassified errors
// report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
