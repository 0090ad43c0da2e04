// Package events carries OTA session notifications to observers
// (progress bar, history store, MQTT bridge, WebSocket clients, scripts).
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventSessionState  = "session_state"
	EventChunkProgress = "chunk_progress"
	EventStepResult    = "step_result"
	EventSessionDone   = "session_done"
	EventConnection    = "connection"
)

// Event is one notification. Data holds one of the payload structs below.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateChange is the payload of EventSessionState.
type StateChange struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

// Progress is the payload of EventChunkProgress.
type Progress struct {
	SessionID   string  `json:"session_id"`
	Chunk       uint32  `json:"chunk"`
	TotalChunks uint32  `json:"total_chunks"`
	BytesSent   int     `json:"bytes_sent"`
	TotalBytes  int     `json:"total_bytes"`
	Percent     float64 `json:"percent"`
}

// StepResult is the payload of EventStepResult.
type StepResult struct {
	SessionID string        `json:"session_id,omitempty"`
	Step      string        `json:"step"`
	OK        bool          `json:"ok"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// SessionSummary is the payload of EventSessionDone.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	ImagePath   string    `json:"image_path"`
	ImageSize   int       `json:"image_size"`
	ImageCRC    uint32    `json:"image_crc"`
	Core        string    `json:"core"`
	TotalChunks uint32    `json:"total_chunks"`
	ChunksSent  uint32    `json:"chunks_sent"`
	State       string    `json:"state"`
	FailedStep  string    `json:"failed_step,omitempty"`
	FailedChunk *uint32   `json:"failed_chunk,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Connection is the payload of EventConnection.
type Connection struct {
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
}

// Handler is a callback for events.
type Handler func(Event)

// Emitter publishes events.
type Emitter interface {
	Emit(Event)
}

// Bus provides pub/sub for OTA events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously, in the caller's
// goroutine. A panicking handler is recovered and logged.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}
