package device

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a device failure.
type Kind string

const (
	KindAdapterUnavailable Kind = "adapter_unavailable"
	KindPermissionDenied   Kind = "permission_denied"
	KindDeviceNotFound     Kind = "device_not_found"
	KindConnectionFailed   Kind = "connection_failed"
	KindAlreadyConnected   Kind = "already_connected"
)

// Error is returned by every Source and Link operation that fails.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrAdapterUnavailable = &Error{Kind: KindAdapterUnavailable}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound     = &Error{Kind: KindDeviceNotFound}
	ErrConnectionFailed   = &Error{Kind: KindConnectionFailed}
	ErrAlreadyConnected   = &Error{Kind: KindAlreadyConnected}
)

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap attaches kind to a backend error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a device error.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// NormalizeError maps backend error strings onto error kinds. fallback is
// used when nothing matches; an error that already carries a kind is
// returned as is.
func NormalizeError(err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "org.bluez was not provided"),
		containsIgnoreCase(msg, "dbus") && containsIgnoreCase(msg, "no such file or directory"),
		containsIgnoreCase(msg, "no devices available"),
		containsIgnoreCase(msg, "no default adapter"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "adapter not found"):
		return Wrap(KindAdapterUnavailable, err, "")
	case containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "not authorized"),
		containsIgnoreCase(msg, "notpermitted"):
		return Wrap(KindPermissionDenied, err, "")
	case containsIgnoreCase(msg, "already connected"):
		return Wrap(KindAlreadyConnected, err, "")
	case containsIgnoreCase(msg, "does not exist"),
		containsIgnoreCase(msg, "unknown object"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "timed out"):
		return Wrap(KindDeviceNotFound, err, "")
	default:
		return Wrap(fallback, err, "")
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
