// Package fault defines the closed set of error kinds used across the
// session core and their mapping to HTTP status classes at the request
// boundary.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindInvalidArgument
	KindConflict
	KindUpstreamUnavailable
	KindTransportGone
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindConflict:
		return "CONFLICT"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case KindTransportGone:
		return "TRANSPORT_GONE"
	case KindUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus maps an error kind to the status class served by the API layer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindTransportGone:
		return http.StatusGone
	case KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf returns the kind carried anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsInvalidState(err error) bool    { return KindOf(err) == KindInvalidState }
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }
func IsConflict(err error) bool        { return KindOf(err) == KindConflict }
func IsUpstream(err error) bool        { return KindOf(err) == KindUpstreamUnavailable }
func IsTransportGone(err error) bool   { return KindOf(err) == KindTransportGone }
