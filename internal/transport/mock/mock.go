// Package mock provides an in-memory Command Channel that acknowledges
// commands the way the reference PSU firmware does: anything starting with a
// recognized verb is accepted.
package mock

import (
	"context"
	"sync"

	"github.com/psu-control/psuctl/internal/protocol"
	"github.com/psu-control/psuctl/internal/transport"
)

// Channel implements transport.CommandChannel for tests and dry runs.
type Channel struct {
	transport.Mailbox

	mu      sync.Mutex
	address string
	creds   transport.Credentials
	sent    []string
	closed  bool

	// Fault injection
	rejectAll   bool
	rejectVerbs map[protocol.Verb]bool
	linkErr     error
}

// New creates a connected mock channel.
func New(address string, creds transport.Credentials) *Channel {
	return &Channel{
		address:     address,
		creds:       creds,
		rejectVerbs: make(map[protocol.Verb]bool),
	}
}

// Dialer returns a transport.Dialer that hands out fresh mock channels.
func Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, address string, creds transport.Credentials) (transport.CommandChannel, error) {
		return New(address, creds), nil
	})
}

// DialerFor returns a transport.Dialer that always hands out ch, so a test
// can keep a handle on the channel the controller uses.
func DialerFor(ch *Channel) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, address string, creds transport.Credentials) (transport.CommandChannel, error) {
		ch.mu.Lock()
		ch.address = address
		ch.creds = creds
		ch.closed = false
		ch.mu.Unlock()
		return ch, nil
	})
}

// Send classifies the encoded command and records the outcome.
func (c *Channel) Send(ctx context.Context, cmd protocol.Command) (protocol.Outcome, error) {
	select {
	case <-ctx.Done():
		c.Record(protocol.OutcomeErr)
		return protocol.OutcomeErr, transport.NewError(transport.ErrTimeout, "send", c.address, ctx.Err())
	default:
	}

	wire := cmd.Encode()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.Record(protocol.OutcomeErr)
		return protocol.OutcomeErr, transport.NewError(transport.ErrClosed, "send", c.address, nil)
	}
	c.sent = append(c.sent, wire)
	linkErr := c.linkErr
	rejected := c.rejectAll || c.rejectVerbs[cmd.Verb]
	c.mu.Unlock()

	if linkErr != nil {
		c.Record(protocol.OutcomeErr)
		return protocol.OutcomeErr, transport.NewError(transport.ErrIO, "send", c.address, linkErr)
	}

	outcome := protocol.Classify(wire)
	if rejected {
		outcome = protocol.OutcomeErr
	}
	c.Record(outcome)
	return outcome, nil
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Helper methods for testing

// RejectAll makes the device answer STATUS-ERR to every command.
func (c *Channel) RejectAll(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAll = reject
}

// RejectVerb makes the device answer STATUS-ERR to one verb.
func (c *Channel) RejectVerb(verb protocol.Verb, reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectVerbs[verb] = reject
}

// FailLink makes every Send fail with a transport error; nil clears it.
func (c *Channel) FailLink(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkErr = err
}

// ClearFaults removes every injected fault.
func (c *Channel) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAll = false
	c.rejectVerbs = make(map[protocol.Verb]bool)
	c.linkErr = nil
}

// Sent returns a copy of every wire string received so far.
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// Calls returns the number of Send calls that reached the channel.
func (c *Channel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Address returns the address the channel was opened with.
func (c *Channel) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Credentials returns the login the channel was opened with.
func (c *Channel) Credentials() transport.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
