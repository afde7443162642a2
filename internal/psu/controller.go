package psu

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/protocol"
	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transport/mock"
)

// Controller drives one PSU over a Command Channel.
type Controller struct {
	serialNumber string
	status       PowerStatus
	channels     []*channel

	dialer transport.Dialer
	conn   transport.CommandChannel
	log    zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithDialer sets the dialer used by Connect. The default is the mock dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Controller) {
		c.dialer = d
	}
}

// WithLogger sets the controller logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// New creates a controller for a unit with numChannels outputs, each capped
// at maxAmplitude. The unit starts OFF with every channel disabled, idle and
// at amplitude 0.
func New(serialNumber string, numChannels int, maxAmplitude float64, opts ...Option) (*Controller, error) {
	if numChannels < 1 {
		return nil, fmt.Errorf("%w: channel count must be at least 1, got %d", ErrInvalidConfig, numChannels)
	}
	if maxAmplitude < 0 || math.IsNaN(maxAmplitude) || math.IsInf(maxAmplitude, 0) {
		return nil, fmt.Errorf("%w: max amplitude must be a finite non-negative number, got %v", ErrInvalidConfig, maxAmplitude)
	}

	c := &Controller{
		serialNumber: serialNumber,
		status:       PowerOff,
		channels:     make([]*channel, numChannels),
		dialer:       mock.Dialer(),
		log:          zerolog.Nop(),
	}
	for i := range c.channels {
		c.channels[i] = &channel{index: i + 1, maxAmplitude: maxAmplitude}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("serial", serialNumber).Logger()

	return c, nil
}

// Connect opens the Command Channel. A previous channel is closed first.
// Dial failures are returned as *transport.Error with code ErrConnection.
func (c *Controller) Connect(ctx context.Context, address, user, password string) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := c.dialer.Dial(ctx, address, transport.Credentials{User: user, Password: password})
	if err != nil {
		c.log.Error().Err(err).Str("address", address).Msg("connect failed")
		return err
	}
	c.conn = conn
	c.log.Info().Str("address", address).Msg("connected")
	return nil
}

// Close releases the Command Channel. Local state is kept.
func (c *Controller) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// PowerOn sends power-on. On Ok the unit is ON. The command is sent even
// when the unit is already ON.
func (c *Controller) PowerOn(ctx context.Context) (bool, error) {
	if err := c.requireConnection("power on"); err != nil {
		return false, err
	}
	ok, err := c.send(ctx, protocol.PowerOn())
	if !ok {
		return false, err
	}
	c.status = PowerOn
	return true, nil
}

// PowerOff sends power-off. On Ok the unit is OFF and every channel is
// disabled and idle.
func (c *Controller) PowerOff(ctx context.Context) (bool, error) {
	if err := c.requireConnection("power off"); err != nil {
		return false, err
	}
	ok, err := c.send(ctx, protocol.PowerOff())
	if !ok {
		return false, err
	}
	c.status = PowerOff
	for _, ch := range c.channels {
		ch.deenergize()
	}
	return true, nil
}

// EnableChannel sends enable-N(1). The unit must be ON and the channel must
// not be injecting.
func (c *Controller) EnableChannel(ctx context.Context, n int) (bool, error) {
	ch, err := c.channelFor("enable", n)
	if err != nil {
		return false, err
	}
	if c.status != PowerOn {
		return false, &PreconditionError{Code: ErrUnitOff, Op: "enable", Channel: n}
	}
	if ch.injecting {
		return false, &PreconditionError{Code: ErrChannelInjecting, Op: "enable", Channel: n}
	}

	ok, err := c.send(ctx, protocol.Enable(n, true))
	if !ok {
		return false, err
	}
	ch.enabled = true
	return true, nil
}

// DisableChannel sends enable-N(0). The channel must not be injecting.
func (c *Controller) DisableChannel(ctx context.Context, n int) (bool, error) {
	ch, err := c.channelFor("disable", n)
	if err != nil {
		return false, err
	}
	if ch.injecting {
		return false, &PreconditionError{Code: ErrChannelInjecting, Op: "disable", Channel: n}
	}

	ok, err := c.send(ctx, protocol.Enable(n, false))
	if !ok {
		return false, err
	}
	ch.deenergize()
	return true, nil
}

// SetChannelAmplitude sends set-N(v). Values outside [0, max] and NaN are
// rejected with a *ValidationError without contacting the device.
func (c *Controller) SetChannelAmplitude(ctx context.Context, n int, v float64) (bool, error) {
	ch, err := c.channelFor("set amplitude", n)
	if err != nil {
		return false, err
	}
	if math.IsNaN(v) || v < 0 || v > ch.maxAmplitude {
		c.log.Debug().Int("channel", n).Float64("amplitude", v).Msg("amplitude rejected locally")
		return false, &ValidationError{Code: ErrInvalidAmplitude, Channel: n, Value: v, Max: ch.maxAmplitude}
	}

	ok, err := c.send(ctx, protocol.SetAmplitude(n, v))
	if !ok {
		return false, err
	}
	ch.amplitude = v
	return true, nil
}

// StartInjection sends on-N. The channel must be enabled.
func (c *Controller) StartInjection(ctx context.Context, n int) (bool, error) {
	ch, err := c.channelFor("start injection", n)
	if err != nil {
		return false, err
	}
	if !ch.enabled {
		return false, &PreconditionError{Code: ErrChannelDisabled, Op: "start injection", Channel: n}
	}

	ok, err := c.send(ctx, protocol.StartInjection(n))
	if !ok {
		return false, err
	}
	ch.injecting = true
	return true, nil
}

// StopInjection sends off-N.
func (c *Controller) StopInjection(ctx context.Context, n int) (bool, error) {
	ch, err := c.channelFor("stop injection", n)
	if err != nil {
		return false, err
	}

	ok, err := c.send(ctx, protocol.StopInjection(n))
	if !ok {
		return false, err
	}
	ch.injecting = false
	return true, nil
}

// Reset sends reset-config. On Ok every channel returns to its defaults
// (disabled, idle, amplitude 0); the unit status is unchanged.
func (c *Controller) Reset(ctx context.Context) (bool, error) {
	if err := c.requireConnection("reset"); err != nil {
		return false, err
	}
	ok, err := c.send(ctx, protocol.ResetConfig())
	if !ok {
		return false, err
	}
	for _, ch := range c.channels {
		ch.restoreDefaults()
	}
	return true, nil
}

// SerialNumber returns the unit's serial number.
func (c *Controller) SerialNumber() string {
	return c.serialNumber
}

// Status returns the unit power status.
func (c *Controller) Status() PowerStatus {
	return c.status
}

// NumChannels returns the fixed channel count.
func (c *Controller) NumChannels() int {
	return len(c.channels)
}

// Connected reports whether a Command Channel is open.
func (c *Controller) Connected() bool {
	return c.conn != nil
}

// LastOutcome returns the latest device reply, or OutcomeUnknown when not
// connected.
func (c *Controller) LastOutcome() protocol.Outcome {
	if c.conn == nil {
		return protocol.OutcomeUnknown
	}
	return c.conn.LastOutcome()
}

// Channel returns a snapshot of channel n.
func (c *Controller) Channel(n int) (ChannelSnapshot, error) {
	if n < 1 || n > len(c.channels) {
		return ChannelSnapshot{}, &PreconditionError{Code: ErrChannelNotFound, Op: "read", Channel: n}
	}
	return c.channels[n-1].snapshot(), nil
}

// Snapshot returns a copy of the whole unit state.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		SerialNumber: c.serialNumber,
		Status:       c.status,
		Connected:    c.conn != nil,
		Channels:     make([]ChannelSnapshot, len(c.channels)),
	}
	for i, ch := range c.channels {
		s.Channels[i] = ch.snapshot()
	}
	return s
}

func (c *Controller) requireConnection(op string) error {
	if c.conn == nil {
		return &PreconditionError{Code: ErrNotConnected, Op: op}
	}
	return nil
}

// channelFor checks the connection and the index, in that order.
func (c *Controller) channelFor(op string, n int) (*channel, error) {
	if err := c.requireConnection(op); err != nil {
		return nil, err
	}
	if n < 1 || n > len(c.channels) {
		return nil, &PreconditionError{Code: ErrChannelNotFound, Op: op, Channel: n}
	}
	return c.channels[n-1], nil
}

// send performs the round trip. It returns true only when the device
// confirmed the command.
func (c *Controller) send(ctx context.Context, cmd protocol.Command) (bool, error) {
	outcome, err := c.conn.Send(ctx, cmd)
	if err != nil {
		c.log.Warn().Err(err).Str("command", cmd.Encode()).Msg("command failed")
		return false, err
	}
	if outcome != protocol.OutcomeOk {
		c.log.Info().Str("command", cmd.Encode()).Str("outcome", outcome.String()).Msg("command rejected by device")
		return false, nil
	}
	c.log.Debug().Str("command", cmd.Encode()).Msg("command confirmed")
	return true, nil
}
