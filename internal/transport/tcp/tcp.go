// Package tcp dials a PSU over TCP and speaks the line protocol from
// package stream.
package tcp

import (
	"context"
	"net"
	"time"

	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transport/stream"
)

// Dialer opens TCP command channels.
type Dialer struct {
	// Timeout bounds connection establishment and login.
	Timeout time.Duration

	// ReadTimeout bounds a command round trip whose context has no deadline.
	ReadTimeout time.Duration

	// KeepAlive is the TCP keep-alive period; zero uses the net default.
	KeepAlive time.Duration
}

// NewDialer creates a Dialer with the given connect and round-trip timeouts.
func NewDialer(timeout, readTimeout time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, ReadTimeout: readTimeout}
}

// Dial connects to address (host:port) and runs the login handshake.
func (d *Dialer) Dial(ctx context.Context, address string, creds transport.Credentials) (transport.CommandChannel, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, transport.NewError(transport.ErrConnection, "dial", address, err)
	}

	ch := stream.New(conn, address)
	ch.SetTimeout(d.ReadTimeout)
	if err := ch.Login(ctx, creds); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

var _ transport.Dialer = (*Dialer)(nil)
