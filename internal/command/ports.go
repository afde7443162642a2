package command

import (
	"context"
	"errors"
	"time"

	"github.com/psu-control/psuctl/internal/audit"
	"github.com/psu-control/psuctl/internal/psu"
	"github.com/psu-control/psuctl/internal/telemetry"
)

// Port is the interface the API and the MQTT bridge need from the executor.
type Port interface {
	Connect(ctx context.Context) error
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	TogglePower(ctx context.Context) (psu.PowerStatus, error)
	EnableChannel(ctx context.Context, n int) error
	DisableChannel(ctx context.Context, n int) error
	SetAmplitude(ctx context.Context, n int, amplitude float64) error
	StartInjection(ctx context.Context, n int) error
	StopInjection(ctx context.Context, n int) error
	Play(ctx context.Context, n int, amplitude float64) error
	Pause(ctx context.Context, n int) error
	Reset(ctx context.Context) error
	Snapshot(ctx context.Context) (psu.Snapshot, error)
	Channel(ctx context.Context, n int) (psu.ChannelSnapshot, error)
}

// AuditLogger writes audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, entry audit.Entry)
}

// EventSink receives telemetry events. Both the SSE hub and the MQTT bridge
// implement it.
type EventSink interface {
	Publish(event telemetry.Event) error
}

// Recorder receives command and state metrics.
type Recorder interface {
	ObserveCommand(action, outcome string, latency time.Duration)
	SetState(s psu.Snapshot)
	SetQueueDepth(n int)
}

var (
	// ErrBusy indicates the request queue stayed full past the enqueue timeout.
	ErrBusy = errors.New("BUSY")

	// ErrStopped indicates the executor has been stopped.
	ErrStopped = errors.New("STOPPED")

	// ErrRejected indicates the device answered STATUS-ERR.
	ErrRejected = errors.New("REJECTED")
)
