package protocol

import (
	"fmt"
	"strings"
)

// Status lines sent by the firmware after every command.
const (
	StatusOK  = "STATUS-OK"
	StatusErr = "STATUS-ERR"
)

// Outcome is the classification of a single command round trip.
type Outcome int

const (
	// OutcomeUnknown means no command has completed yet.
	OutcomeUnknown Outcome = iota
	OutcomeOk
	OutcomeErr
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "OK"
	case OutcomeErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// StatusLine returns the firmware status line for the outcome.
func (o Outcome) StatusLine() string {
	if o == OutcomeOk {
		return StatusOK
	}
	return StatusErr
}

// ParseStatus decodes a firmware status line.
func ParseStatus(line string) (Outcome, error) {
	switch strings.TrimSpace(line) {
	case StatusOK:
		return OutcomeOk, nil
	case StatusErr:
		return OutcomeErr, nil
	default:
		return OutcomeErr, fmt.Errorf("unexpected status line %q", strings.TrimSpace(line))
	}
}
