package command

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/audit"
	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/psu"
	"github.com/psu-control/psuctl/internal/telemetry"
)

// Options wires the orchestrator's collaborators. Nil collaborators are
// skipped.
type Options struct {
	Unit    config.UnitConfig
	Timing  config.TimingConfig
	Audit   AuditLogger
	Metrics Recorder
	Sinks   []EventSink
	Logger  zerolog.Logger
}

// Orchestrator serializes every controller call through one worker.
type Orchestrator struct {
	ctrl   *psu.Controller
	unit   config.UnitConfig
	timing config.TimingConfig

	auditLogger AuditLogger
	metrics     Recorder
	log         zerolog.Logger

	sinksMu sync.RWMutex
	sinks   []EventSink

	requests chan request
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Compile-time assertion that Orchestrator implements Port
var _ Port = (*Orchestrator)(nil)

// Request states. The worker and the caller race on the same request: only
// one of queued->running and queued->abandoned succeeds.
const (
	requestQueued int32 = iota
	requestRunning
	requestAbandoned
)

type request struct {
	ctx   context.Context
	fn    func()
	done  chan struct{}
	state *atomic.Int32
}

// step describes one audited operation.
type step struct {
	action  string
	params  map[string]interface{}
	timeout time.Duration
	// exec runs inside the worker and returns the controller result.
	exec func(ctx context.Context) (bool, error)
	// events builds the change events published after a confirmed command.
	events func(s psu.Snapshot) []telemetry.Event
}

// NewOrchestrator takes ownership of ctrl and starts the worker.
func NewOrchestrator(ctrl *psu.Controller, opts Options) *Orchestrator {
	queueSize := opts.Timing.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	o := &Orchestrator{
		ctrl:        ctrl,
		unit:        opts.Unit,
		timing:      opts.Timing,
		auditLogger: opts.Audit,
		metrics:     opts.Metrics,
		sinks:       append([]EventSink(nil), opts.Sinks...),
		log:         opts.Logger.With().Str("component", "command").Logger(),
		requests:    make(chan request, queueSize),
		stopChan:    make(chan struct{}),
	}

	o.wg.Add(1)
	go o.worker()

	return o
}

// worker executes requests in FIFO order.
func (o *Orchestrator) worker() {
	defer o.wg.Done()

	for {
		select {
		case req := <-o.requests:
			o.setQueueDepth()
			// The caller gave up while queued; nothing must reach the device.
			if req.ctx.Err() == nil && req.state.CompareAndSwap(requestQueued, requestRunning) {
				req.fn()
			}
			close(req.done)
		case <-o.stopChan:
			return
		}
	}
}

// submit queues fn and waits for the worker to run it.
func (o *Orchestrator) submit(ctx context.Context, fn func()) error {
	req := request{ctx: ctx, fn: fn, done: make(chan struct{}), state: new(atomic.Int32)}

	enqueue := time.NewTimer(o.enqueueTimeout())
	defer enqueue.Stop()

	select {
	case <-o.stopChan:
		return ErrStopped
	default:
	}

	select {
	case o.requests <- req:
		o.setQueueDepth()
	case <-enqueue.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopChan:
		return ErrStopped
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		if req.state.CompareAndSwap(requestQueued, requestAbandoned) {
			return ctx.Err()
		}
	case <-o.stopChan:
		return ErrStopped
	}

	// Already running: the outcome is whatever the device answered.
	select {
	case <-req.done:
		return nil
	case <-o.stopChan:
		return ErrStopped
	}
}

// execute runs st on the worker and records the result.
func (o *Orchestrator) execute(ctx context.Context, st step) error {
	start := time.Now()

	var result error
	err := o.submit(ctx, func() {
		cctx, cancel := context.WithTimeout(ctx, st.timeout)
		defer cancel()

		ok, err := st.exec(cctx)
		if err == nil && !ok {
			err = ErrRejected
		}
		result = err

		snap := o.ctrl.Snapshot()
		if o.metrics != nil {
			o.metrics.SetState(snap)
		}
		if err != nil {
			o.publishFaultEvent(st.action, err)
			return
		}
		if st.events != nil {
			for _, ev := range st.events(snap) {
				o.publish(ev)
			}
		}
		o.publishStateEvent(snap)
	})
	if err == nil {
		err = result
	}

	o.logAudit(ctx, st, err, time.Since(start))
	return err
}

// Connect dials the unit using the configured address and credentials.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.execute(ctx, step{
		action:  "connect",
		params:  map[string]interface{}{"address": o.unit.Address},
		timeout: o.timing.ConnectTimeout,
		exec: func(ctx context.Context) (bool, error) {
			if err := o.ctrl.Connect(ctx, o.unit.Address, o.unit.User, o.unit.Password); err != nil {
				return false, err
			}
			return true, nil
		},
	})
}

// PowerOn turns the unit on.
func (o *Orchestrator) PowerOn(ctx context.Context) error {
	return o.execute(ctx, o.powerStep("powerOn", psu.PowerOn, o.ctrl.PowerOn))
}

// PowerOff turns the unit off. Channels are de-energized locally.
func (o *Orchestrator) PowerOff(ctx context.Context) error {
	return o.execute(ctx, o.powerStep("powerOff", psu.PowerOff, o.ctrl.PowerOff))
}

// TogglePower flips the unit status and returns the new status. The current
// status is read inside the worker.
func (o *Orchestrator) TogglePower(ctx context.Context) (psu.PowerStatus, error) {
	var status psu.PowerStatus
	err := o.execute(ctx, step{
		action:  "togglePower",
		timeout: o.timing.CommandTimeoutPower,
		exec: func(ctx context.Context) (bool, error) {
			defer func() { status = o.ctrl.Status() }()
			if o.ctrl.Status() == psu.PowerOn {
				return o.ctrl.PowerOff(ctx)
			}
			return o.ctrl.PowerOn(ctx)
		},
		events: func(s psu.Snapshot) []telemetry.Event {
			return []telemetry.Event{powerEvent(s.Status)}
		},
	})
	if err != nil {
		return psu.PowerOff, err
	}
	return status, nil
}

func (o *Orchestrator) powerStep(action string, target psu.PowerStatus, op func(context.Context) (bool, error)) step {
	return step{
		action:  action,
		timeout: o.timing.CommandTimeoutPower,
		exec:    op,
		events: func(psu.Snapshot) []telemetry.Event {
			return []telemetry.Event{powerEvent(target)}
		},
	}
}

// EnableChannel enables output on channel n.
func (o *Orchestrator) EnableChannel(ctx context.Context, n int) error {
	return o.execute(ctx, o.channelStep("enableChannel", n, nil, o.ctrl.EnableChannel, channelEvent))
}

// DisableChannel disables output on channel n.
func (o *Orchestrator) DisableChannel(ctx context.Context, n int) error {
	return o.execute(ctx, o.channelStep("disableChannel", n, nil, o.ctrl.DisableChannel, channelEvent))
}

// SetAmplitude sets the amplitude of channel n.
func (o *Orchestrator) SetAmplitude(ctx context.Context, n int, amplitude float64) error {
	return o.execute(ctx, o.channelStep("setAmplitude", n,
		map[string]interface{}{"amplitude": amplitude},
		func(ctx context.Context, n int) (bool, error) {
			return o.ctrl.SetChannelAmplitude(ctx, n, amplitude)
		},
		amplitudeEvent))
}

// StartInjection starts injection on channel n.
func (o *Orchestrator) StartInjection(ctx context.Context, n int) error {
	return o.execute(ctx, o.channelStep("startInjection", n, nil, o.ctrl.StartInjection, injectionEvent))
}

// StopInjection stops injection on channel n.
func (o *Orchestrator) StopInjection(ctx context.Context, n int) error {
	return o.execute(ctx, o.channelStep("stopInjection", n, nil, o.ctrl.StopInjection, injectionEvent))
}

// Pause stops injection on channel n.
func (o *Orchestrator) Pause(ctx context.Context, n int) error {
	return o.execute(ctx, o.channelStep("pause", n, nil, o.ctrl.StopInjection, injectionEvent))
}

// Play sets the amplitude of channel n and starts injection as one request.
// The channel must already be enabled. When the amplitude is confirmed but
// injection is not, the new amplitude stays in effect.
func (o *Orchestrator) Play(ctx context.Context, n int, amplitude float64) error {
	return o.execute(ctx, step{
		action:  "play",
		params:  map[string]interface{}{"channel": n, "amplitude": amplitude},
		timeout: o.timing.CommandTimeoutChannel,
		exec: func(ctx context.Context) (bool, error) {
			ch, err := o.ctrl.Channel(n)
			if err != nil {
				return false, err
			}
			if !ch.Enabled {
				return false, &psu.PreconditionError{Code: psu.ErrChannelDisabled, Op: "play", Channel: n}
			}
			ok, err := o.ctrl.SetChannelAmplitude(ctx, n, amplitude)
			if !ok {
				return false, err
			}
			return o.ctrl.StartInjection(ctx, n)
		},
		events: func(s psu.Snapshot) []telemetry.Event {
			return []telemetry.Event{amplitudeEvent(s, n), injectionEvent(s, n)}
		},
	})
}

func (o *Orchestrator) channelStep(action string, n int, params map[string]interface{},
	op func(context.Context, int) (bool, error), event func(psu.Snapshot, int) telemetry.Event) step {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["channel"] = n
	return step{
		action:  action,
		params:  params,
		timeout: o.timing.CommandTimeoutChannel,
		exec: func(ctx context.Context) (bool, error) {
			return op(ctx, n)
		},
		events: func(s psu.Snapshot) []telemetry.Event {
			return []telemetry.Event{event(s, n)}
		},
	}
}

// Reset sends reset-config. Channels return to their defaults.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.execute(ctx, step{
		action:  "reset",
		timeout: o.timing.CommandTimeoutReset,
		exec:    o.ctrl.Reset,
		events: func(s psu.Snapshot) []telemetry.Event {
			return []telemetry.Event{{Type: telemetry.EventReset, Data: map[string]interface{}{
				"status": s.Status.String(),
				"ts":     now(),
			}}}
		},
	})
}

// Snapshot returns the unit state as seen by the worker.
func (o *Orchestrator) Snapshot(ctx context.Context) (psu.Snapshot, error) {
	var snap psu.Snapshot
	if err := o.submit(ctx, func() {
		snap = o.ctrl.Snapshot()
	}); err != nil {
		return psu.Snapshot{}, err
	}
	return snap, nil
}

// Channel returns the state of channel n.
func (o *Orchestrator) Channel(ctx context.Context, n int) (psu.ChannelSnapshot, error) {
	var (
		snap   psu.ChannelSnapshot
		result error
	)
	err := o.submit(ctx, func() {
		snap, result = o.ctrl.Channel(n)
	})
	if err != nil {
		return psu.ChannelSnapshot{}, err
	}
	return snap, result
}

// SerialNumber returns the unit serial number. It is immutable and safe to
// read without the worker.
func (o *Orchestrator) SerialNumber() string {
	return o.ctrl.SerialNumber()
}

// Stop shuts the worker down and closes the command channel. Queued
// requests fail with ErrStopped.
func (o *Orchestrator) Stop() error {
	var err error
	o.stopOnce.Do(func() {
		close(o.stopChan)
		o.wg.Wait()
		err = o.ctrl.Close()
	})
	return err
}

func (o *Orchestrator) enqueueTimeout() time.Duration {
	if o.timing.EnqueueTimeout <= 0 {
		return 5 * time.Second
	}
	return o.timing.EnqueueTimeout
}

func (o *Orchestrator) setQueueDepth() {
	if o.metrics != nil {
		o.metrics.SetQueueDepth(len(o.requests))
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, st step, err error, latency time.Duration) {
	code := Code(err)
	if o.metrics != nil {
		o.metrics.ObserveCommand(st.action, code, latency)
	}

	ev := o.log.Info()
	if err != nil {
		ev = o.log.Warn().Err(err)
	}
	ev.Str("action", st.action).Str("code", code).Dur("latency", latency).Msg("command executed")

	if o.auditLogger == nil {
		return
	}
	outcome := "SUCCESS"
	if err != nil {
		outcome = "FAILURE"
	}
	o.auditLogger.LogAction(ctx, audit.Entry{
		Serial:    o.ctrl.SerialNumber(),
		Action:    st.action,
		Params:    st.params,
		Outcome:   outcome,
		Code:      code,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	})
}

// AddSink registers a sink after construction, for sinks that need the
// orchestrator themselves.
func (o *Orchestrator) AddSink(sink EventSink) {
	o.sinksMu.Lock()
	defer o.sinksMu.Unlock()
	o.sinks = append(o.sinks, sink)
}

func (o *Orchestrator) publish(event telemetry.Event) {
	event.Serial = o.ctrl.SerialNumber()
	o.sinksMu.RLock()
	sinks := o.sinks
	o.sinksMu.RUnlock()
	for _, sink := range sinks {
		if err := sink.Publish(event); err != nil {
			o.log.Warn().Err(err).Str("event", event.Type).Msg("failed to publish event")
		}
	}
}

// publishStateEvent publishes the full unit snapshot.
func (o *Orchestrator) publishStateEvent(s psu.Snapshot) {
	o.publish(telemetry.Event{Type: telemetry.EventState, Data: map[string]interface{}{
		"state": s,
		"ts":    now(),
	}})
}

// publishFaultEvent publishes a fault event for a rejected or failed command.
func (o *Orchestrator) publishFaultEvent(action string, err error) {
	o.publish(telemetry.Event{Type: telemetry.EventFault, Data: map[string]interface{}{
		"action":  action,
		"code":    Code(err),
		"message": fmt.Sprintf("%s failed: %v", action, err),
		"ts":      now(),
	}})
}

func powerEvent(status psu.PowerStatus) telemetry.Event {
	return telemetry.Event{Type: telemetry.EventPowerChanged, Data: map[string]interface{}{
		"status": status.String(),
		"ts":     now(),
	}}
}

func channelEvent(s psu.Snapshot, n int) telemetry.Event {
	ch := s.Channels[n-1]
	return telemetry.Event{Type: telemetry.EventChannelChanged, Data: map[string]interface{}{
		"channel":   n,
		"enabled":   ch.Enabled,
		"injecting": ch.Injecting,
		"ts":        now(),
	}}
}

func amplitudeEvent(s psu.Snapshot, n int) telemetry.Event {
	return telemetry.Event{Type: telemetry.EventAmplitudeChanged, Data: map[string]interface{}{
		"channel":   n,
		"amplitude": s.Channels[n-1].Amplitude,
		"ts":        now(),
	}}
}

func injectionEvent(s psu.Snapshot, n int) telemetry.Event {
	return telemetry.Event{Type: telemetry.EventInjectionChanged, Data: map[string]interface{}{
		"channel":   n,
		"injecting": s.Channels[n-1].Injecting,
		"ts":        now(),
	}}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
