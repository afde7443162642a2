package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/psu-control/psuctl/internal/protocol"
)

func TestMailboxKeepsOnlyLatest(t *testing.T) {
	var m Mailbox

	if got := m.LastOutcome(); got != protocol.OutcomeUnknown {
		t.Fatalf("fresh mailbox = %v, want UNKNOWN", got)
	}

	m.Record(protocol.OutcomeOk)
	m.Record(protocol.OutcomeErr)
	if got := m.LastOutcome(); got != protocol.OutcomeErr {
		t.Errorf("LastOutcome() = %v, want ERR", got)
	}

	m.Record(protocol.OutcomeOk)
	if got := m.LastOutcome(); got != protocol.OutcomeOk {
		t.Errorf("LastOutcome() = %v, want OK", got)
	}
}

func TestMailboxConcurrentAccess(t *testing.T) {
	var m Mailbox
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Record(protocol.OutcomeOk)
			} else {
				_ = m.LastOutcome()
			}
		}(i)
	}
	wg.Wait()

	if got := m.LastOutcome(); got != protocol.OutcomeOk {
		t.Errorf("LastOutcome() = %v, want OK", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := NewError(ErrIO, "send", "10.0.0.5:5025", fmt.Errorf("broken pipe"))

	if !errors.Is(err, ErrIO) {
		t.Errorf("errors.Is(err, ErrIO) = false")
	}
	var te *Error
	if !errors.As(err, &te) || te.Op != "send" {
		t.Errorf("errors.As failed: %v", err)
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}

func TestNewErrorClassifiesDeadline(t *testing.T) {
	err := NewError(ErrIO, "send", "psu", fmt.Errorf("read: %w", context.DeadlineExceeded))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestDialerFunc(t *testing.T) {
	called := false
	var d Dialer = DialerFunc(func(ctx context.Context, address string, creds Credentials) (CommandChannel, error) {
		called = true
		if address != "psu-01" || creds.User != "admin" {
			t.Errorf("unexpected dial args %q %+v", address, creds)
		}
		return nil, ErrConnection
	})

	if _, err := d.Dial(context.Background(), "psu-01", Credentials{User: "admin"}); !errors.Is(err, ErrConnection) {
		t.Errorf("Dial() error = %v", err)
	}
	if !called {
		t.Error("DialerFunc not invoked")
	}
}
