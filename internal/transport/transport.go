// Package transport defines the Command Channel port between the PSU
// controller and the device.
//
// A CommandChannel performs one half-duplex command/acknowledgement round
// trip per Send. It never buffers more than the latest outcome: LastOutcome
// is a single-slot mailbox, not a queue.
package transport

import (
	"context"
	"sync"

	"github.com/psu-control/psuctl/internal/protocol"
)

// Credentials carries the login used when opening a channel.
type Credentials struct {
	User     string
	Password string
}

// CommandChannel is the stable southbound contract every transport implements.
type CommandChannel interface {
	// Send transmits one command and waits for the device status.
	// A device rejection is (OutcomeErr, nil); a link failure or timeout is
	// (OutcomeErr, *Error).
	Send(ctx context.Context, cmd protocol.Command) (protocol.Outcome, error)

	// LastOutcome returns the most recently recorded outcome.
	LastOutcome() protocol.Outcome

	// Close releases the underlying link.
	Close() error
}

// Dialer opens a CommandChannel to a device address.
type Dialer interface {
	Dial(ctx context.Context, address string, creds Credentials) (CommandChannel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string, creds Credentials) (CommandChannel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string, creds Credentials) (CommandChannel, error) {
	return f(ctx, address, creds)
}

// Mailbox holds the latest outcome of a channel. Implementations embed it.
type Mailbox struct {
	mu   sync.Mutex
	last protocol.Outcome
}

// Record stores an outcome, replacing the previous one.
func (m *Mailbox) Record(o protocol.Outcome) {
	m.mu.Lock()
	m.last = o
	m.mu.Unlock()
}

// LastOutcome returns the recorded outcome.
func (m *Mailbox) LastOutcome() protocol.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
