package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the command executor.
const (
	EventReady            = "ready"
	EventHeartbeat        = "heartbeat"
	EventState            = "state"
	EventPowerChanged     = "powerChanged"
	EventChannelChanged   = "channelChanged"
	EventAmplitudeChanged = "amplitudeChanged"
	EventInjectionChanged = "injectionChanged"
	EventReset            = "reset"
	EventFault            = "fault"
)

// Event is a telemetry event with SSE formatting.
type Event struct {
	ID     int64                  `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data"`
	Serial string                 `json:"serial,omitempty"`
}

// Options configures a Hub.
type Options struct {
	BufferSize        int
	HeartbeatInterval time.Duration
	// Snapshot, when set, supplies the unit state sent in the ready event.
	Snapshot func() interface{}
	Logger   zerolog.Logger
}

type client struct {
	id     string
	w      http.ResponseWriter
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub distributes events to SSE subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	nextID int64 // atomic
	buffer *EventBuffer

	opts Options
	log  zerolog.Logger

	heartbeatOnce sync.Once
	stopOnce      sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 50
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Hub{
		clients: make(map[string]*client),
		buffer:  NewEventBuffer(opts.BufferSize),
		opts:    opts,
		log:     opts.Logger.With().Str("component", "telemetry").Logger(),
		done:    make(chan struct{}),
	}
}

// Subscribe streams events to one client until ctx is done or the hub stops.
// A Last-Event-ID header (or lastEventId query parameter) replays buffered
// events newer than that ID.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	lastEventID := parseLastEventID(r)

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     uuid.NewString(),
		w:      w,
		events: make(chan Event, 100),
		ctx:    clientCtx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	defer h.unregister(c.id)

	if err := h.write(c, h.readyEvent()); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 {
		for _, event := range h.buffer.EventsAfter(lastEventID) {
			if err := h.write(c, event); err != nil {
				return fmt.Errorf("failed to replay events: %w", err)
			}
		}
	}

	h.heartbeatOnce.Do(h.startHeartbeat)

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-h.done:
			return nil
		case event := <-c.events:
			if err := h.write(c, event); err != nil {
				return nil
			}
		}
	}
}

// Publish assigns an ID, buffers the event and fans it out. Slow clients
// drop events rather than block the publisher.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if event.ID == 0 {
		event.ID = atomic.AddInt64(&h.nextID, 1)
	}
	if event.Type != EventHeartbeat {
		h.buffer.Add(event)
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.ctx.Done():
		case c.events <- event:
		case <-time.After(100 * time.Millisecond):
			h.log.Warn().Str("client", c.id).Str("type", event.Type).Msg("dropping event for slow client")
		}
	}
	return nil
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and stops the heartbeat.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, c := range h.clients {
			c.cancel()
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

func (h *Hub) readyEvent() Event {
	data := map[string]interface{}{}
	if h.opts.Snapshot != nil {
		data["snapshot"] = h.opts.Snapshot()
	}
	// no ID, so a resuming client keeps its own Last-Event-ID
	return Event{Type: EventReady, Data: data}
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.cancel()
		delete(h.clients, id)
	}
}

// write sends one event in SSE framing.
func (h *Hub) write(c *client, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.ID > 0 {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Hub) startHeartbeat() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-h.done:
				return
			}
		}
	}()
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
