package sync

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind string

const (
	KindOffline             Kind = "offline"
	KindTransport           Kind = "transport"
	KindRejected            Kind = "rejected"
	KindUnacknowledged      Kind = "unacknowledged"
	KindConflictMissingData Kind = "conflict_missing_data"
	KindConflictRetry       Kind = "conflict_retry"
	KindPoisoned            Kind = "poisoned"
	KindStorage             Kind = "storage"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

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

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not a sync error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
