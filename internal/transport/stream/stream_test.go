package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psu-control/psuctl/internal/protocol"
	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transporttest"
)

// pipeDevice serves the far end of a net.Pipe, answering each line with
// respond(line). An empty answer means stay silent.
func pipeDevice(t *testing.T, respond func(line string) string) *Conn {
	t.Helper()

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			reply := respond(strings.TrimSpace(line))
			if reply == "" {
				continue
			}
			if _, err := server.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()

	conn := New(client, "pipe")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func firmware(line string) string {
	if strings.HasPrefix(line, "login ") {
		return protocol.StatusOK
	}
	return protocol.Classify(line).StatusLine()
}

func TestStreamConformance(t *testing.T) {
	transporttest.RunConformance(t, func(t *testing.T) transport.CommandChannel {
		return pipeDevice(t, firmware)
	}, transporttest.Capabilities{Channel: 2, Amplitude: 7.5})
}

func TestSendWritesEncodedLine(t *testing.T) {
	lines := make(chan string, 4)
	conn := pipeDevice(t, func(line string) string {
		lines <- line
		return protocol.StatusOK
	})

	outcome, err := conn.Send(context.Background(), protocol.SetAmplitude(3, 0.25))
	if err != nil || outcome != protocol.OutcomeOk {
		t.Fatalf("Send() = %v, %v", outcome, err)
	}
	if got := <-lines; got != "set-3(0.25)" {
		t.Errorf("device received %q, want %q", got, "set-3(0.25)")
	}
}

func TestDeviceRejection(t *testing.T) {
	conn := pipeDevice(t, func(string) string { return protocol.StatusErr })

	outcome, err := conn.Send(context.Background(), protocol.PowerOn())
	if err != nil {
		t.Fatalf("rejection surfaced as transport error: %v", err)
	}
	if outcome != protocol.OutcomeErr || conn.LastOutcome() != protocol.OutcomeErr {
		t.Errorf("outcome = %v, last = %v, want ERR", outcome, conn.LastOutcome())
	}
}

func TestGarbledStatusIsIOError(t *testing.T) {
	conn := pipeDevice(t, func(string) string { return "WHAT?" })

	outcome, err := conn.Send(context.Background(), protocol.PowerOn())
	if !errors.Is(err, transport.ErrIO) {
		t.Errorf("error = %v, want ErrIO", err)
	}
	if outcome != protocol.OutcomeErr {
		t.Errorf("outcome = %v, want ERR", outcome)
	}
	if _, err := conn.Send(context.Background(), protocol.PowerOff()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after garbled status = %v, want ErrClosed", err)
	}
}

func TestSilentDeviceTimesOut(t *testing.T) {
	conn := pipeDevice(t, func(string) string { return "" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := conn.Send(ctx, protocol.PowerOn())
	if !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if outcome != protocol.OutcomeErr {
		t.Errorf("outcome = %v, want ERR", outcome)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Send() did not honour the deadline")
	}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name    string
		creds   transport.Credentials
		accept  bool
		wantErr bool
	}{
		{"no credentials skips handshake", transport.Credentials{}, false, false},
		{"accepted", transport.Credentials{User: "admin", Password: "secret"}, true, false},
		{"rejected", transport.Credentials{User: "admin", Password: "wrong"}, false, true},
		{"whitespace in password", transport.Credentials{User: "admin", Password: "a b"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logins := 0
			conn := pipeDevice(t, func(line string) string {
				if strings.HasPrefix(line, "login ") {
					logins++
					if tt.accept {
						return protocol.StatusOK
					}
					return protocol.StatusErr
				}
				return protocol.StatusOK
			})

			err := conn.Login(context.Background(), tt.creds)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Login() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, transport.ErrConnection) {
				t.Errorf("Login() error = %v, want ErrConnection", err)
			}
			if tt.creds.User == "" && logins != 0 {
				t.Errorf("handshake sent without credentials")
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := pipeDevice(t, firmware)
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, err := conn.Send(context.Background(), protocol.PowerOn()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after Close = %v, want ErrClosed", err)
	}
}

// A reply that arrives after its command timed out must not be taken as the
// answer to the next command.
func TestLateReplyIsNeverConsumed(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	conn := pipeDevice(t, func(string) string {
		mu.Lock()
		seen++
		first := seen == 1
		mu.Unlock()
		if first {
			time.Sleep(100 * time.Millisecond)
			return protocol.StatusOK
		}
		return protocol.StatusErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := conn.Send(ctx, protocol.PowerOn()); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("first Send() = %v, want ErrTimeout", err)
	}

	time.Sleep(150 * time.Millisecond)
	outcome, err := conn.Send(context.Background(), protocol.Enable(1, true))
	if outcome == protocol.OutcomeOk {
		t.Fatal("stale reply was read as confirmation of the next command")
	}
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after timeout = %v, want ErrClosed", err)
	}
}

func TestTimeoutAppliesWithoutContextDeadline(t *testing.T) {
	conn := pipeDevice(t, func(string) string { return "" })
	conn.SetTimeout(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Send(context.Background(), protocol.PowerOn())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrTimeout) {
			t.Errorf("Send() = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() blocked past the configured timeout")
	}
}

// eofPort behaves like a serial port whose read timeout expired: reads
// return (0, io.EOF) and there is no SetDeadline.
type eofPort struct {
	mu     sync.Mutex
	closed bool
}

func (p *eofPort) Read([]byte) (int, error)    { return 0, io.EOF }
func (p *eofPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *eofPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// blockingPort never answers; Read returns only once the port is closed.
type blockingPort struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingPort() *blockingPort { return &blockingPort{closed: make(chan struct{})} }

func (p *blockingPort) Read([]byte) (int, error) {
	<-p.closed
	return 0, errors.New("port closed")
}
func (p *blockingPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *blockingPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestLinkWithoutDeadlines(t *testing.T) {
	t.Run("read timeout is a timeout", func(t *testing.T) {
		port := &eofPort{}
		conn := New(port, "/dev/ttyS0")

		outcome, err := conn.Send(context.Background(), protocol.PowerOn())
		if outcome != protocol.OutcomeErr || !errors.Is(err, transport.ErrTimeout) {
			t.Errorf("Send() = %v, %v, want ERR and ErrTimeout", outcome, err)
		}
		port.mu.Lock()
		closed := port.closed
		port.mu.Unlock()
		if !closed {
			t.Error("port left open after a failed round trip")
		}
	})

	t.Run("context deadline interrupts the read", func(t *testing.T) {
		conn := New(newBlockingPort(), "/dev/ttyS0")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := conn.Send(ctx, protocol.PowerOn())
		if !errors.Is(err, transport.ErrTimeout) {
			t.Errorf("Send() = %v, want ErrTimeout", err)
		}
		if time.Since(start) > time.Second {
			t.Error("Send() ignored the context deadline")
		}
		if _, err := conn.Send(context.Background(), protocol.PowerOff()); !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Send() after timeout = %v, want ErrClosed", err)
		}
	})
}
