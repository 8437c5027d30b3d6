package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bt-bridge/rtc-session/shared"
)

// ErrorKind classifies failures surfaced by the Manager.
type ErrorKind string

const (
	KindInitialization ErrorKind = "InitializationError"
	KindJoin           ErrorKind = "JoinError"
	KindTrackCreation  ErrorKind = "TrackCreationError"
	KindPublish        ErrorKind = "PublishError"
	KindSubscribe      ErrorKind = "SubscribeError"
	KindToggle         ErrorKind = "ToggleError"
	KindUnknown        ErrorKind = "UnknownError"
)

// Reason is a hint for user facing guidance.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonDeviceNotFound   Reason = "device-not-found"
	ReasonNetwork          Reason = "network"
	ReasonOther            Reason = "other"
)

// Error is the classified error returned by Manager operations and sent to
// error handlers.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &Error{Kind: KindJoin}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

func (e *Error) Reason() Reason {
	var netErr net.Error
	switch {
	case errors.Is(e.Err, shared.ErrPermissionDenied),
		errors.Is(e.Err, shared.ErrUnauthorized),
		errors.Is(e.Err, shared.ErrForbidden):
		return ReasonPermissionDenied
	case errors.Is(e.Err, shared.ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(e.Err, shared.ErrNetwork),
		errors.Is(e.Err, context.DeadlineExceeded),
		errors.As(e.Err, &netErr):
		return ReasonNetwork
	default:
		return ReasonOther
	}
}

// ExceptionError carries an unrecoverable exception reported by the transport.
type ExceptionError struct {
	Code   string
	Detail string
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("transport exception %s: %s", e.Code, e.Detail)
}

// KindOf returns the kind of a classified error, KindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify wraps err as kind unless it already is a classified error.
func classify(kind ErrorKind, op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(kind, op, err)
}
