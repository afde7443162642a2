// Package transporttest provides a transport-agnostic conformance suite for
// Command Channel implementations.
package transporttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psu-control/psuctl/internal/protocol"
	"github.com/psu-control/psuctl/internal/transport"
)

// Capabilities describes what the device behind the channel is expected to do.
type Capabilities struct {
	// Channel is the index exercised by channel-scoped commands.
	Channel int

	// Amplitude is an in-range amplitude for Channel.
	Amplitude float64

	// Rejected, when set, is a command the device must answer with STATUS-ERR
	// once powered on.
	Rejected *protocol.Command

	// RoundTripBudget bounds a single Send on a healthy link.
	RoundTripBudget time.Duration
}

// RunConformance runs the complete suite against channels produced by newChannel.
// Every subtest gets its own channel.
func RunConformance(t *testing.T, newChannel func(t *testing.T) transport.CommandChannel, caps Capabilities) {
	t.Helper()

	if caps.Channel == 0 {
		caps.Channel = 1
	}
	if caps.RoundTripBudget == 0 {
		caps.RoundTripBudget = 2 * time.Second
	}

	t.Run("FreshChannelHasNoOutcome", func(t *testing.T) {
		ch := newChannel(t)
		defer func() { _ = ch.Close() }()
		if got := ch.LastOutcome(); got != protocol.OutcomeUnknown {
			t.Errorf("LastOutcome() on fresh channel = %v, want UNKNOWN", got)
		}
	})

	t.Run("LifecycleSequenceAcknowledged", func(t *testing.T) {
		ch := newChannel(t)
		defer func() { _ = ch.Close() }()
		runLifecycle(t, ch, caps)
	})

	t.Run("RejectionIsNotATransportError", func(t *testing.T) {
		if caps.Rejected == nil {
			t.Skip("device has no deterministic rejection")
		}
		ch := newChannel(t)
		defer func() { _ = ch.Close() }()

		mustSend(t, ch, protocol.PowerOn(), protocol.OutcomeOk, caps)

		outcome, err := ch.Send(context.Background(), *caps.Rejected)
		if err != nil {
			t.Fatalf("Send(%s) returned transport error %v, want plain rejection", caps.Rejected, err)
		}
		if outcome != protocol.OutcomeErr {
			t.Errorf("Send(%s) = %v, want ERR", caps.Rejected, outcome)
		}
		if got := ch.LastOutcome(); got != protocol.OutcomeErr {
			t.Errorf("LastOutcome() = %v, want ERR", got)
		}

		// the mailbox only holds the latest reply
		mustSend(t, ch, protocol.PowerOff(), protocol.OutcomeOk, caps)
		if got := ch.LastOutcome(); got != protocol.OutcomeOk {
			t.Errorf("LastOutcome() after recovery = %v, want OK", got)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ch := newChannel(t)
		defer func() { _ = ch.Close() }()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome, err := ch.Send(ctx, protocol.PowerOn())
		if err == nil {
			t.Fatal("Send() with cancelled context returned nil error")
		}
		if outcome != protocol.OutcomeErr {
			t.Errorf("Send() outcome = %v, want ERR", outcome)
		}
		var te *transport.Error
		if !errors.As(err, &te) {
			t.Errorf("error %v is not a *transport.Error", err)
		}
	})

	t.Run("SendAfterClose", func(t *testing.T) {
		ch := newChannel(t)
		if err := ch.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
		outcome, err := ch.Send(context.Background(), protocol.PowerOn())
		if err == nil {
			t.Fatal("Send() after Close returned nil error")
		}
		if outcome != protocol.OutcomeErr {
			t.Errorf("Send() outcome = %v, want ERR", outcome)
		}
	})
}

// runLifecycle drives a channel through a full power/enable/inject cycle.
func runLifecycle(t *testing.T, ch transport.CommandChannel, caps Capabilities) {
	t.Helper()

	n := caps.Channel
	sequence := []protocol.Command{
		protocol.PowerOn(),
		protocol.Enable(n, true),
		protocol.SetAmplitude(n, caps.Amplitude),
		protocol.StartInjection(n),
		protocol.StopInjection(n),
		protocol.Enable(n, false),
		protocol.ResetConfig(),
		protocol.PowerOff(),
	}

	for _, cmd := range sequence {
		mustSend(t, ch, cmd, protocol.OutcomeOk, caps)
		if got := ch.LastOutcome(); got != protocol.OutcomeOk {
			t.Errorf("LastOutcome() after %s = %v, want OK", cmd, got)
		}
	}
}

func mustSend(t *testing.T, ch transport.CommandChannel, cmd protocol.Command, want protocol.Outcome, caps Capabilities) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), caps.RoundTripBudget)
	defer cancel()

	start := time.Now()
	outcome, err := ch.Send(ctx, cmd)
	if err != nil {
		t.Fatalf("Send(%s) failed: %v", cmd, err)
	}
	if outcome != want {
		t.Fatalf("Send(%s) = %v, want %v", cmd, outcome, want)
	}
	if elapsed := time.Since(start); elapsed > caps.RoundTripBudget {
		t.Errorf("Send(%s) took %v, budget %v", cmd, elapsed, caps.RoundTripBudget)
	}
}
