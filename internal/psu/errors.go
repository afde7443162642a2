package psu

import (
	"errors"
	"fmt"
)

// Validation codes.
var (
	ErrInvalidAmplitude = errors.New("INVALID_AMPLITUDE")
	ErrInvalidConfig    = errors.New("INVALID_CONFIGURATION")
)

// Precondition codes. These flag caller mistakes and are never retried.
var (
	ErrNotConnected     = errors.New("NOT_CONNECTED")
	ErrChannelNotFound  = errors.New("CHANNEL_NOT_FOUND")
	ErrUnitOff          = errors.New("UNIT_OFF")
	ErrChannelDisabled  = errors.New("CHANNEL_DISABLED")
	ErrChannelInjecting = errors.New("CHANNEL_INJECTING")
)

// ValidationError reports an argument rejected before any command was sent.
type ValidationError struct {
	Code    error
	Channel int
	Value   float64
	Max     float64
}

func (e *ValidationError) Error() string {
	if e.Code == ErrInvalidAmplitude {
		return fmt.Sprintf("%v: channel %d amplitude %v outside [0, %v]", e.Code, e.Channel, e.Value, e.Max)
	}
	return fmt.Sprintf("%v: channel %d value %v", e.Code, e.Channel, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Code
}

// PreconditionError reports an operation invoked in a state that forbids it.
type PreconditionError struct {
	Code    error
	Op      string
	Channel int // zero for unit-wide operations
}

func (e *PreconditionError) Error() string {
	if e.Channel == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Code)
	}
	return fmt.Sprintf("%s channel %d: %v", e.Op, e.Channel, e.Code)
}

func (e *PreconditionError) Unwrap() error {
	return e.Code
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPrecondition reports whether err is a *PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
