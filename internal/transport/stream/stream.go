// Package stream implements the line-oriented Command Channel codec shared by
// the TCP and serial transports. Each command is written as one
// newline-terminated line and answered by one status line.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/psu-control/psuctl/internal/protocol"
	"github.com/psu-control/psuctl/internal/transport"
)

// deadliner is implemented by links that support I/O deadlines (net.Conn).
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn is a CommandChannel over any byte stream.
type Conn struct {
	transport.Mailbox

	mu      sync.Mutex
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	address string
	timeout time.Duration
	closed  bool
}

// New wraps rwc. The caller hands over ownership of rwc.
func New(rwc io.ReadWriteCloser, address string) *Conn {
	return &Conn{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		address: address,
	}
}

// SetTimeout bounds round trips whose context carries no deadline. Zero
// waits as long as the link allows.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Login performs the optional "login <user> <password>" handshake.
// An empty user skips it.
func (c *Conn) Login(ctx context.Context, creds transport.Credentials) error {
	if creds.User == "" {
		return nil
	}
	if strings.ContainsAny(creds.User+creds.Password, " \r\n") {
		return transport.NewError(transport.ErrConnection, "login", c.address, fmt.Errorf("credentials must not contain whitespace"))
	}

	outcome, err := c.roundTrip(ctx, "login", fmt.Sprintf("login %s %s", creds.User, creds.Password))
	if err != nil {
		return err
	}
	if outcome != protocol.OutcomeOk {
		return transport.NewError(transport.ErrConnection, "login", c.address, fmt.Errorf("login rejected for %q", creds.User))
	}
	return nil
}

// Send writes the encoded command and reads back the status line.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command) (protocol.Outcome, error) {
	outcome, err := c.roundTrip(ctx, "send", cmd.Encode())
	c.Record(outcome)
	return outcome, err
}

// roundTrip writes one line and reads one status line. Any link failure
// poisons the Conn: a late reply to an abandoned command must never be read
// as the answer to the next one, so later calls fail with ErrClosed until the
// channel is dialed again.
func (c *Conn) roundTrip(ctx context.Context, op, line string) (protocol.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return protocol.OutcomeErr, transport.NewError(transport.ErrTimeout, op, c.address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return protocol.OutcomeErr, transport.NewError(transport.ErrClosed, op, c.address, nil)
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	d, hasDeadlines := c.rwc.(deadliner)
	if hasDeadlines {
		deadline, _ := ctx.Deadline()
		if err := d.SetDeadline(deadline); err != nil {
			c.poison()
			return protocol.OutcomeErr, transport.NewError(transport.ErrIO, op, c.address, err)
		}
	} else {
		// Closing the port is the only way to interrupt a blocked read.
		stop := context.AfterFunc(ctx, func() { _ = c.rwc.Close() })
		defer func() {
			if !stop() {
				c.closed = true
			}
		}()
	}

	if _, err := io.WriteString(c.rwc, line+"\n"); err != nil {
		c.poison()
		return protocol.OutcomeErr, c.linkError(ctx, op, err, hasDeadlines)
	}

	reply, err := c.r.ReadString('\n')
	if err != nil {
		c.poison()
		return protocol.OutcomeErr, c.linkError(ctx, op, err, hasDeadlines)
	}

	outcome, err := protocol.ParseStatus(reply)
	if err != nil {
		c.poison()
		return protocol.OutcomeErr, transport.NewError(transport.ErrIO, op, c.address, err)
	}
	return outcome, nil
}

// poison closes the link after a failed round trip. c.mu must be held.
func (c *Conn) poison() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.rwc.Close()
}

// linkError classifies a failed read or write. Serial ports report an
// expired read timeout as io.EOF.
func (c *Conn) linkError(ctx context.Context, op string, err error, hasDeadlines bool) error {
	if ctx.Err() != nil || isTimeout(err) || (!hasDeadlines && errors.Is(err, io.EOF)) {
		return transport.NewError(transport.ErrTimeout, op, c.address, err)
	}
	return transport.NewError(transport.ErrIO, op, c.address, err)
}

// Close closes the underlying link. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

// Address returns the address the link was opened to.
func (c *Conn) Address() string {
	return c.address
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
