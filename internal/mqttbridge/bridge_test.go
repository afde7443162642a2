package mqttbridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/psu"
	"github.com/psu-control/psuctl/internal/telemetry"
	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transport/mock"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient records publishes and subscriptions. Methods the bridge does
// not call fall through to the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	disconnected bool
	messages     []published
	handlers     map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, payload: body})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return doneToken{}
}

func (c *fakeClient) deliver(t *testing.T, topic, payload string, retained bool) {
	t.Helper()
	c.mu.Lock()
	handler, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	handler(c, fakeMessage{topic: topic, payload: []byte(payload), retained: retained})
}

func (c *fakeClient) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) last(t *testing.T, topic string) published {
	t.Helper()
	msgs := c.on(topic)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", topic)
	}
	return msgs[len(msgs)-1]
}

type fixture struct {
	client  *fakeClient
	bridge  *Bridge
	orch    *command.Orchestrator
	channel *mock.Channel
}

func setup(t *testing.T) *fixture {
	t.Helper()

	ch := mock.New("", transport.Credentials{})
	ctrl, err := psu.New("PSU-MQ", 2, 60, psu.WithDialer(mock.DialerFor(ch)))
	if err != nil {
		t.Fatalf("psu.New() failed: %v", err)
	}

	cfg := config.Default()
	client := newFakeClient()
	orch := command.NewOrchestrator(ctrl, command.Options{
		Unit:   cfg.Unit,
		Timing: cfg.Timing,
		Logger: zerolog.Nop(),
	})
	bridge := newBridge(cfg.MQTT, "PSU-MQ", orch, Options{Logger: zerolog.Nop()})
	bridge.client = client
	orch.AddSink(bridge)

	t.Cleanup(func() {
		bridge.Stop()
		_ = orch.Stop()
	})

	if err := orch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	bridge.onConnect(client)
	return &fixture{client: client, bridge: bridge, orch: orch, channel: ch}
}

func decodeResult(t *testing.T, p published) result {
	t.Helper()
	var res result
	if err := json.Unmarshal([]byte(p.payload), &res); err != nil {
		t.Fatalf("bad result payload %q: %v", p.payload, err)
	}
	return res
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		payload string
		want    Request
		wantErr bool
	}{
		{payload: "power-toggle", want: Request{Action: ActionPowerToggle}},
		{payload: " Power-On\n", want: Request{Action: ActionPowerOn}},
		{payload: "power-off", want: Request{Action: ActionPowerOff}},
		{payload: "reset", want: Request{Action: ActionReset}},
		{payload: "enable-2", want: Request{Action: ActionEnable, Channel: 2}},
		{payload: "disable-1", want: Request{Action: ActionDisable, Channel: 1}},
		{payload: "pause-12", want: Request{Action: ActionPause, Channel: 12}},
		{payload: "enable-0", wantErr: true},
		{payload: "enable-x", wantErr: true},
		{payload: "enable", wantErr: true},
		{payload: "power", wantErr: true},
		{payload: "play-1", wantErr: true},
		{payload: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseRequest(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseRequest(%q) = %+v, want error", tt.payload, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest(%q) failed: %v", tt.payload, err)
			}
			if got != tt.want {
				t.Errorf("ParseRequest(%q) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestRequestString(t *testing.T) {
	if got := (Request{Action: ActionReset}).String(); got != "reset" {
		t.Errorf("String() = %q", got)
	}
	if got := (Request{Action: ActionEnable, Channel: 2}).String(); got != "enable-2" {
		t.Errorf("String() = %q", got)
	}
}

func TestOnConnectSubscribesAndRetainsState(t *testing.T) {
	f := setup(t)

	if _, ok := f.client.handlers["psu/PSU-MQ/cmd"]; !ok {
		t.Errorf("not subscribed to command topic, handlers = %v", f.client.handlers)
	}

	online := f.client.last(t, "psu/PSU-MQ/online")
	if online.payload != "online" || !online.retained {
		t.Errorf("online = %+v", online)
	}

	state := f.client.last(t, "psu/PSU-MQ/state")
	if !state.retained {
		t.Error("state is not retained")
	}
	var snap psu.Snapshot
	if err := json.Unmarshal([]byte(state.payload), &snap); err != nil {
		t.Fatalf("bad state payload: %v", err)
	}
	if snap.SerialNumber != "PSU-MQ" || snap.Status != psu.PowerOff || len(snap.Channels) != 2 {
		t.Errorf("state = %+v", snap)
	}
}

func TestCommandsReachTheDevice(t *testing.T) {
	f := setup(t)

	for _, payload := range []string{"power-on", "enable-1", "pause-1", "disable-1", "reset", "power-toggle"} {
		f.client.deliver(t, "psu/PSU-MQ/cmd", payload, false)
		if res := decodeResult(t, f.client.last(t, "psu/PSU-MQ/cmd/result")); res.Code != command.CodeSuccess {
			t.Fatalf("%s result = %+v", payload, res)
		}
	}

	want := []string{"power-on", "enable-1(1)", "off-1", "enable-1(0)", "reset-config", "power-off"}
	if got := f.channel.Sent(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("wire log = %v\nwant      %v", got, want)
	}
}

func TestCommandFailuresAreReported(t *testing.T) {
	tests := []struct {
		payload string
		code    string
	}{
		{payload: "explode", code: command.CodeInvalidRange},
		{payload: "enable-9", code: command.CodeNotFound},
		{payload: "enable-1", code: command.CodeConflict},
	}

	f := setup(t)
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			f.client.deliver(t, "psu/PSU-MQ/cmd", tt.payload, false)
			res := decodeResult(t, f.client.last(t, "psu/PSU-MQ/cmd/result"))
			if res.Code != tt.code || res.Message == "" {
				t.Errorf("result = %+v, want code %s", res, tt.code)
			}
		})
	}
	if sent := f.channel.Sent(); len(sent) != 0 {
		t.Errorf("wire log = %v, want empty", sent)
	}
}

func TestRetainedCommandIsIgnored(t *testing.T) {
	f := setup(t)

	f.client.deliver(t, "psu/PSU-MQ/cmd", "power-on", true)
	if sent := f.channel.Sent(); len(sent) != 0 {
		t.Errorf("wire log = %v, want empty", sent)
	}
	if res := f.client.on("psu/PSU-MQ/cmd/result"); len(res) != 0 {
		t.Errorf("results = %v, want none", res)
	}
}

func TestEventsArePublished(t *testing.T) {
	f := setup(t)

	if err := f.orch.PowerOn(context.Background()); err != nil {
		t.Fatalf("PowerOn() failed: %v", err)
	}

	power := f.client.last(t, "psu/PSU-MQ/event/powerChanged")
	if power.retained {
		t.Error("events must not be retained")
	}
	var event telemetry.Event
	if err := json.Unmarshal([]byte(power.payload), &event); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if event.Type != telemetry.EventPowerChanged || event.Data["status"] != "ON" {
		t.Errorf("event = %+v", event)
	}

	var snap psu.Snapshot
	if err := json.Unmarshal([]byte(f.client.last(t, "psu/PSU-MQ/state").payload), &snap); err != nil {
		t.Fatalf("bad state payload: %v", err)
	}
	if snap.Status != psu.PowerOn {
		t.Errorf("retained status = %v, want ON", snap.Status)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	f := setup(t)
	f.client.Disconnect(0)
	before := len(f.client.on("psu/PSU-MQ/event/fault"))

	err := f.bridge.Publish(telemetry.Event{Type: telemetry.EventFault, Data: map[string]interface{}{"code": "X"}})
	if err != nil {
		t.Errorf("Publish() = %v, want nil", err)
	}
	if got := len(f.client.on("psu/PSU-MQ/event/fault")); got != before {
		t.Errorf("published %d fault events while disconnected", got-before)
	}
}

func TestHeartbeatsAreNotForwarded(t *testing.T) {
	f := setup(t)

	if err := f.bridge.Publish(telemetry.Event{Type: telemetry.EventHeartbeat}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if got := f.client.on("psu/PSU-MQ/event/heartbeat"); len(got) != 0 {
		t.Errorf("heartbeat forwarded: %v", got)
	}
}

func TestStateEventWithoutState(t *testing.T) {
	f := setup(t)

	if err := f.bridge.Publish(telemetry.Event{Type: telemetry.EventState, Data: map[string]interface{}{}}); err == nil {
		t.Error("Publish() of an empty state event succeeded")
	}
}

func TestStop(t *testing.T) {
	f := setup(t)

	f.bridge.Stop()
	f.bridge.Stop()

	if !f.client.disconnected {
		t.Error("client was not disconnected")
	}
	offline := f.client.last(t, "psu/PSU-MQ/online")
	if offline.payload != "offline" || !offline.retained {
		t.Errorf("online = %+v", offline)
	}

	f.client.mu.Lock()
	f.client.connected = true
	f.client.mu.Unlock()
	f.client.deliver(t, "psu/PSU-MQ/cmd", "power-on", false)
	if sent := f.channel.Sent(); len(sent) != 0 {
		t.Errorf("command executed after Stop: %v", sent)
	}
}
