// Package serial dials a PSU attached to a serial port. The address passed to
// Dial is the device path, for example /dev/ttyUSB0 or COM3.
package serial

import (
	"context"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transport/stream"
)

// openPort is replaced in tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Dialer opens serial command channels.
type Dialer struct {
	Baud int

	// ReadTimeout bounds every status read; serial ports have no deadlines.
	ReadTimeout time.Duration
}

// NewDialer creates a Dialer with the given line settings.
func NewDialer(baud int, readTimeout time.Duration) *Dialer {
	return &Dialer{Baud: baud, ReadTimeout: readTimeout}
}

// Dial opens the port and runs the login handshake if credentials are given.
func (d *Dialer) Dial(ctx context.Context, address string, creds transport.Credentials) (transport.CommandChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError(transport.ErrConnection, "dial", address, err)
	}

	baud := d.Baud
	if baud == 0 {
		baud = 9600
	}
	port, err := openPort(&serial.Config{
		Name:        address,
		Baud:        baud,
		ReadTimeout: d.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, transport.NewError(transport.ErrConnection, "dial", address, err)
	}

	ch := stream.New(port, address)
	ch.SetTimeout(d.ReadTimeout)
	if err := ch.Login(ctx, creds); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

var _ transport.Dialer = (*Dialer)(nil)
