package device

import (
	"errors"
	"fmt"
)

// Kind classifies adapter-level failures.
type Kind int

const (
	// DeviceUnavailable means the health check could not reach the device.
	DeviceUnavailable Kind = iota + 1
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrDeviceRejected is returned when the device answers 200 with an error text.
	ErrDeviceRejected = errors.New("device rejected request")
)

// Error is an adapter failure with the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: device unavailable: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrDeviceUnavailable && e.Kind == DeviceUnavailable
}

// PersistenceError means a backup could not be written to durable storage.
// No mutation is attempted after it.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("backup could not be persisted: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func stateError(op string, s State) error {
	return fmt.Errorf("%s in state %s: %w", op, s, ErrInvalidState)
}
