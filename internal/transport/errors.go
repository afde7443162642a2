package transport

import (
	"context"
	"errors"
	"fmt"
)

// Normalized transport errors. They are distinct from device rejections,
// which are reported as an OutcomeErr with a nil error.
var (
	ErrConnection = errors.New("CONNECTION_FAILED")
	ErrTimeout    = errors.New("TIMEOUT")
	ErrClosed     = errors.New("CHANNEL_CLOSED")
	ErrIO         = errors.New("IO_ERROR")
)

// Error wraps a link failure with the operation and address it happened on.
type Error struct {
	Code     error  // Normalized code
	Op       string // "dial", "login", "send"
	Address  string
	Original error
}

func (e *Error) Error() string {
	if e.Original == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Code)
	}
	return fmt.Sprintf("%s %s: %v (%v)", e.Op, e.Address, e.Code, e.Original)
}

func (e *Error) Unwrap() error {
	return e.Code
}

// NewError builds an Error, classifying context expiry as ErrTimeout.
func NewError(code error, op, address string, original error) *Error {
	if errors.Is(original, context.DeadlineExceeded) {
		code = ErrTimeout
	}
	return &Error{
		Code:     code,
		Op:       op,
		Address:  address,
		Original: original,
	}
}
