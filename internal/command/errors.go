package command

import (
	"context"
	"errors"

	"github.com/psu-control/psuctl/internal/psu"
	"github.com/psu-control/psuctl/internal/transport"
)

// Outcome codes used in audit records, metrics and API responses.
const (
	CodeSuccess      = "SUCCESS"
	CodeRejected     = "REJECTED"
	CodeInvalidRange = "INVALID_RANGE"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeBusy         = "BUSY"
	CodeTimeout      = "TIMEOUT"
	CodeInternal     = "INTERNAL"
)

// Code normalizes err to one outcome code. A nil error is CodeSuccess.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrRejected):
		return CodeRejected
	case psu.IsValidation(err):
		return CodeInvalidRange
	case errors.Is(err, psu.ErrChannelNotFound):
		return CodeNotFound
	case errors.Is(err, psu.ErrNotConnected):
		return CodeUnavailable
	case psu.IsPrecondition(err):
		return CodeConflict
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return CodeUnavailable
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		return CodeUnavailable
	}
	return CodeInternal
}
