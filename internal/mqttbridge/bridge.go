package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/telemetry"
)

const disconnectQuiesce = 250 // ms

// Options holds the optional settings of a Bridge.
type Options struct {
	// RequestTimeout bounds one command received from the broker.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Bridge publishes telemetry to MQTT and executes commands received from it.
// It implements command.EventSink.
type Bridge struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	port   command.Port
	topics topics
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

type topics struct {
	base   string
	state  string
	cmd    string
	result string
	online string
}

func newTopics(prefix, serial string) topics {
	base := prefix + "/" + serial
	return topics{
		base:   base,
		state:  base + "/state",
		cmd:    base + "/cmd",
		result: base + "/cmd/result",
		online: base + "/online",
	}
}

func (t topics) event(eventType string) string {
	return t.base + "/event/" + eventType
}

// New creates a bridge for the unit with the given serial number. The broker
// connection is opened by Start.
func New(cfg config.MQTTConfig, serial string, port command.Port, opts Options) *Bridge {
	b := newBridge(cfg, serial, port, opts)

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(cfg.Broker)
	clientOpts.SetClientID(cfg.ClientID)
	clientOpts.SetUsername(cfg.Username)
	clientOpts.SetPassword(cfg.Password)
	clientOpts.SetKeepAlive(cfg.KeepAlive)
	clientOpts.SetConnectTimeout(cfg.ConnectTimeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(5 * time.Second)
	clientOpts.SetOrderMatters(false)
	clientOpts.SetWill(b.topics.online, "offline", cfg.QoS, true)
	clientOpts.SetOnConnectHandler(b.onConnect)
	clientOpts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(clientOpts)
	return b
}

func newBridge(cfg config.MQTTConfig, serial string, port command.Port, opts Options) *Bridge {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		port:   port,
		topics: newTopics(cfg.TopicPrefix, serial),
		opts:   opts,
		log:    opts.Logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects to the broker. With connect retry enabled the client keeps
// trying in the background, so a timeout here is logged and not fatal.
func (b *Bridge) Start() error {
	b.log.Info().Msg("connecting to MQTT broker")
	token := b.client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		b.log.Warn().Dur("timeout", b.cfg.ConnectTimeout).Msg("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop marks the unit offline, waits for in-flight commands and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.online, b.cfg.QoS, true, "offline")
		token.WaitTimeout(time.Second)
		b.client.Disconnect(disconnectQuiesce)
	}
	b.log.Info().Msg("MQTT bridge stopped")
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.log.Info().Msg("MQTT connected")

	if token := client.Subscribe(b.topics.cmd, b.cfg.QoS, b.handleCommand); token.Wait() && token.Error() != nil {
		b.log.Error().Err(token.Error()).Str("topic", b.topics.cmd).Msg("failed to subscribe to command topic")
	} else {
		b.log.Info().Str("topic", b.topics.cmd).Msg("subscribed to command topic")
	}
	client.Publish(b.topics.online, b.cfg.QoS, true, "online")

	snapshot, err := b.port.Snapshot(b.ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("no snapshot to retain")
		return
	}
	if payload, err := json.Marshal(snapshot); err == nil {
		client.Publish(b.topics.state, b.cfg.QoS, true, payload)
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.log.Error().Err(err).Msg("MQTT connection lost")
}

// Publish forwards an event. Events are dropped while disconnected. State
// events also refresh the retained snapshot.
func (b *Bridge) Publish(event telemetry.Event) error {
	if event.Type == telemetry.EventHeartbeat {
		return nil
	}
	if !b.client.IsConnected() {
		b.log.Debug().Str("type", event.Type).Msg("not connected, dropping event")
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	b.publish(b.topics.event(event.Type), false, payload)

	if event.Type == telemetry.EventState {
		state, ok := event.Data["state"]
		if !ok {
			return errors.New("state event without state")
		}
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		b.publish(b.topics.state, true, payload)
	}
	return nil
}

// publish does not wait for the broker acknowledgement, so the executor's
// worker is never held up by the network.
func (b *Bridge) publish(topic string, retained bool, payload []byte) {
	token := b.client.Publish(topic, b.cfg.QoS, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
}

// result is the payload reported on the result topic.
type result struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		b.log.Warn().Str("payload", string(msg.Payload())).Msg("ignoring retained command")
		return
	}

	if !b.begin() {
		return
	}
	defer b.wg.Done()

	payload := string(msg.Payload())
	req, err := ParseRequest(payload)
	if err != nil {
		b.log.Warn().Err(err).Msg("rejected MQTT command")
		b.report(result{Command: payload, Code: command.CodeInvalidRange, Message: err.Error()})
		return
	}

	reqCtx, cancel := context.WithTimeout(b.ctx, b.opts.RequestTimeout)
	defer cancel()

	err = dispatch(reqCtx, b.port, req)
	res := result{Command: req.String(), Code: command.Code(err)}
	if err != nil {
		res.Message = err.Error()
		b.log.Warn().Err(err).Str("command", req.String()).Msg("MQTT command failed")
	} else {
		b.log.Info().Str("command", req.String()).Msg("MQTT command executed")
	}
	b.report(res)
}

// begin registers an in-flight command unless the bridge is stopping.
func (b *Bridge) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bridge) report(res result) {
	res.TS = time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	b.publish(b.topics.result, false, payload)
}
