package push

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the core reports on its failure channel.
type ErrorKind string

const (
	KindPermissionDenied               ErrorKind = "permission_denied"
	KindTransportRegistrationFailed    ErrorKind = "transport_registration_failed"
	KindApplicationTokenDeletionFailed ErrorKind = "application_token_deletion_failed"
	KindMalformedNotificationEvent     ErrorKind = "malformed_notification_event"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrPermissionDenied               = &Error{Kind: KindPermissionDenied}
	ErrTransportRegistrationFailed    = &Error{Kind: KindTransportRegistrationFailed}
	ErrApplicationTokenDeletionFailed = &Error{Kind: KindApplicationTokenDeletionFailed}
	ErrMalformedNotificationEvent     = &Error{Kind: KindMalformedNotificationEvent}
)

// Error is a structured, non-fatal failure. Code and Domain carry the
// platform error identity when the failure came from the OS.
type Error struct {
	Kind    ErrorKind
	Code    int
	Domain  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Domain != "" {
		msg = fmt.Sprintf("%s (%s:%d)", msg, e.Domain, e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// FailureListener receives every structured failure surfaced by the core.
type FailureListener func(err *Error)
