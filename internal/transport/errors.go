package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// Unreachable means the device did not answer within the retry budget.
	Unreachable Kind = iota + 1
	// SessionExpired means the device rejected the session cookie. Never retried here.
	SessionExpired
	// Status means the device answered with an HTTP status other than 200.
	Status
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case SessionExpired:
		return "session expired"
	case Status:
		return "unexpected status"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable    = errors.New("device unreachable")
	ErrSessionExpired = errors.New("device session expired")
	ErrStatus         = errors.New("unexpected device status")
)

// Error is returned by every failed request.
type Error struct {
	Kind     Kind
	Endpoint string
	Code     int // HTTP status when known
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Endpoint, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match on the kind sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrSessionExpired:
		return e.Kind == SessionExpired
	case ErrStatus:
		return e.Kind == Status
	}
	return false
}

// KindOf returns the transport kind of err, or 0 if err is not a transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
