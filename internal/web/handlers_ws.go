package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ble-ota-flasher/internal/events"

	"nhooyr.io/websocket"
)

// wsMessage is the envelope sent to WebSocket clients.
type wsMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// statusMessage is sent once to every new client.
const statusMessage = "status"

const (
	hubQueueSize        = 256
	subscriberQueueSize = 64
	wsWriteTimeout      = 10 * time.Second
)

// EventHub fans bus events out to WebSocket subscribers.
//
// A subscriber that cannot keep up misses chunk_progress messages, since the
// next one supersedes them. Falling behind on any other type evicts it.
type EventHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger

	in       chan wsMessage
	done     chan struct{}
	stopOnce sync.Once
}

type subscriber struct {
	conn    *websocket.Conn
	types   map[string]bool // nil: every type
	send    chan []byte
	skipped int
}

func (s *subscriber) wants(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

// NewEventHub creates a hub. Call Run to start delivery.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
		in:     make(chan wsMessage, hubQueueSize),
		done:   make(chan struct{}),
	}
}

// Run delivers queued messages until Stop.
func (h *EventHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.in:
			h.fanOut(msg)
		}
	}
}

// Stop closes every subscriber queue. Safe to call multiple times.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for sub := range h.subs {
			close(sub.send)
			delete(h.subs, sub)
		}
		h.mu.Unlock()
	})
}

// Broadcast queues an event without blocking the bus.
func (h *EventHub) Broadcast(event events.Event) {
	msg := wsMessage{Type: event.Type, Time: time.Now(), Data: event.Data}
	select {
	case h.in <- msg:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", event.Type)
	}
}

// add registers sub. It reports false once the hub is stopped.
func (h *EventHub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.subs[sub] = struct{}{}
	h.logger.Debug("ws subscriber added", "total", len(h.subs))
	return true
}

func (h *EventHub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
	h.logger.Debug("ws subscriber removed", "total", len(h.subs), "skipped_progress", sub.skipped)
}

func (h *EventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) fanOut(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "type", msg.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(msg.Type) {
			continue
		}
		select {
		case sub.send <- data:
			continue
		default:
		}
		if msg.Type == events.EventChunkProgress {
			sub.skipped++
			continue
		}
		delete(h.subs, sub)
		close(sub.send)
		h.logger.Warn("ws subscriber evicted", "type", msg.Type)
	}
}

// parseTypes reads the ?types=a,b filter. Empty means every type.
func parseTypes(raw string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := &subscriber{
		conn:  conn,
		types: parseTypes(r.URL.Query().Get("types")),
		send:  make(chan []byte, subscriberQueueSize),
	}
	if data, err := json.Marshal(wsMessage{Type: statusMessage, Time: time.Now(), Data: s.status()}); err == nil {
		sub.send <- data
	}
	if !s.hub.add(sub) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go writePump(sub)
	s.readPump(sub)
}

func writePump(sub *subscriber) {
	for msg := range sub.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := sub.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// readPump discards client input and detects disconnects.
func (s *Server) readPump(sub *subscriber) {
	defer s.hub.remove(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			return
		}
	}
}
