package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/protocol"
)

// Mode selects how the firmware answers.
type Mode string

const (
	// ModeNormal applies the firmware rules.
	ModeNormal Mode = "normal"
	// ModeReject answers STATUS-ERR to every command.
	ModeReject Mode = "reject"
	// ModeSilent never answers.
	ModeSilent Mode = "silent"
)

// enqueueTimeout bounds the wait for a free slot in the command queue.
var enqueueTimeout = 5 * time.Second

var (
	// ErrBusy indicates the command queue stayed full.
	ErrBusy = errors.New("BUSY")
	// ErrStopped indicates the unit has been closed.
	ErrStopped = errors.New("UNAVAILABLE")
)

// ChannelState is the simulated state of one output.
type ChannelState struct {
	Enabled   bool    `json:"enabled"`
	Injecting bool    `json:"injecting"`
	Amplitude float64 `json:"amplitude"`
}

// State is a copy of the simulated unit.
type State struct {
	SerialNumber string         `json:"serialNumber"`
	Powered      bool           `json:"powered"`
	Mode         Mode           `json:"mode"`
	Channels     []ChannelState `json:"channels"`
}

type job struct {
	line  string
	reply chan string
}

// Unit is the thread-safe simulated PSU.
type Unit struct {
	mu           sync.RWMutex
	serialNumber string
	powered      bool
	channels     []ChannelState
	maxAmplitude float64
	mode         Mode
	replyDelay   time.Duration

	commandQueue chan job
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	log          zerolog.Logger
}

// NewUnit creates a unit that starts powered off and starts its worker.
func NewUnit(cfg *config.EmulatorConfig, log zerolog.Logger) *Unit {
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	u := &Unit{
		serialNumber: cfg.SerialNumber,
		channels:     make([]ChannelState, cfg.NumChannels),
		maxAmplitude: cfg.MaxAmplitude,
		mode:         Mode(cfg.Mode),
		replyDelay:   cfg.ReplyDelay,
		commandQueue: make(chan job, queueSize),
		stopChan:     make(chan struct{}),
		log:          log.With().Str("component", "unit").Logger(),
	}
	if u.mode == "" {
		u.mode = ModeNormal
	}

	u.wg.Add(1)
	go u.commandWorker()

	return u
}

// commandWorker processes command lines in FIFO order.
func (u *Unit) commandWorker() {
	defer u.wg.Done()

	for {
		select {
		case j := <-u.commandQueue:
			j.reply <- u.process(j.line)
		case <-u.stopChan:
			return
		}
	}
}

// Execute queues one command line and returns the status line to send back.
// An empty reply means the unit stays silent.
func (u *Unit) Execute(ctx context.Context, line string) (string, error) {
	j := job{line: line, reply: make(chan string, 1)}

	enqueue := time.NewTimer(enqueueTimeout)
	defer enqueue.Stop()

	select {
	case u.commandQueue <- j:
	case <-enqueue.C:
		return "", ErrBusy
	case <-ctx.Done():
		return "", ctx.Err()
	case <-u.stopChan:
		return "", ErrStopped
	}

	select {
	case reply := <-j.reply:
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-u.stopChan:
		return "", ErrStopped
	}
}

func (u *Unit) process(line string) string {
	if u.replyDelay > 0 {
		time.Sleep(u.replyDelay)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.mode {
	case ModeSilent:
		u.log.Debug().Str("line", line).Msg("silent mode, dropping command")
		return ""
	case ModeReject:
		return protocol.StatusErr
	}

	cmd, err := protocol.Parse(line)
	if err != nil {
		u.log.Debug().Err(err).Msg("malformed command")
		return protocol.StatusErr
	}
	if err := u.apply(cmd); err != nil {
		u.log.Debug().Err(err).Str("command", line).Msg("command refused")
		return protocol.StatusErr
	}
	u.log.Debug().Str("command", line).Msg("command applied")
	return protocol.StatusOK
}

// apply enforces the firmware rules. Callers hold u.mu.
func (u *Unit) apply(cmd protocol.Command) error {
	switch cmd.Verb {
	case protocol.VerbPowerOn:
		u.powered = true
		return nil
	case protocol.VerbPowerOff:
		u.powered = false
		for i := range u.channels {
			u.channels[i].Enabled = false
			u.channels[i].Injecting = false
		}
		return nil
	case protocol.VerbResetConfig:
		for i := range u.channels {
			u.channels[i] = ChannelState{}
		}
		return nil
	}

	if !u.powered {
		return fmt.Errorf("unit is off")
	}
	if cmd.Channel < 1 || cmd.Channel > len(u.channels) {
		return fmt.Errorf("no channel %d", cmd.Channel)
	}
	ch := &u.channels[cmd.Channel-1]

	switch cmd.Verb {
	case protocol.VerbEnable:
		ch.Enabled = cmd.Enable
		if !cmd.Enable {
			ch.Injecting = false
		}
	case protocol.VerbSet:
		if cmd.Value < 0 || cmd.Value > u.maxAmplitude {
			return fmt.Errorf("amplitude %v outside [0, %v]", cmd.Value, u.maxAmplitude)
		}
		ch.Amplitude = cmd.Value
	case protocol.VerbOn:
		if !ch.Enabled {
			return fmt.Errorf("channel %d disabled", cmd.Channel)
		}
		ch.Injecting = true
	case protocol.VerbOff:
		ch.Injecting = false
	default:
		return fmt.Errorf("unsupported verb %v", cmd.Verb)
	}
	return nil
}

// SetMode switches the answer mode.
func (u *Unit) SetMode(mode Mode) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mode = mode
}

// State returns a copy of the simulated state.
func (u *Unit) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()

	channels := make([]ChannelState, len(u.channels))
	copy(channels, u.channels)
	return State{
		SerialNumber: u.serialNumber,
		Powered:      u.powered,
		Mode:         u.mode,
		Channels:     channels,
	}
}

// Close stops the worker.
func (u *Unit) Close() {
	u.stopOnce.Do(func() {
		close(u.stopChan)
		u.wg.Wait()
	})
}
