// Package transport provides duplex links to an OTA-capable device.
//
// A Channel carries opaque byte payloads. Inbound notifications are routed
// through a Mailbox to at most one registered Waiter: a notification that
// arrives while nobody waits is discarded, so a late reply to an abandoned
// request can never satisfy a later one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrClosed         = errors.New("transport: waiter closed")
	ErrTimeout        = errors.New("transport: no notification before timeout")
	ErrDeviceNotFound = errors.New("transport: device not found")
)

// Channel is a point-to-point duplex link to one device.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Expect registers a single-use waiter for the next inbound
	// notification. Callers register before Send so a fast reply cannot be
	// missed. Registering supersedes any previous waiter.
	Expect() *Waiter

	// Send hands data to the link layer. A nil error means the bytes were
	// accepted, not that the device received them.
	Send(ctx context.Context, data []byte) error
}

// Mailbox delivers each inbound notification to exactly one registered
// Waiter, or drops it.
type Mailbox struct {
	mu      sync.Mutex
	waiter  *Waiter
	closed  bool
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewMailbox creates an open mailbox.
func NewMailbox(logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{logger: logger}
}

// Register installs a fresh waiter. On a closed mailbox the returned waiter
// is already failed.
func (m *Mailbox) Register() *Waiter {
	w := &Waiter{
		m:    m,
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	prev := m.waiter
	if m.closed {
		m.waiter = nil
		w.fail()
	} else {
		m.waiter = w
	}
	m.mu.Unlock()
	if prev != nil {
		prev.fail()
	}
	return w
}

// Deliver hands a copy of data to the current waiter. It reports whether a
// waiter took it.
func (m *Mailbox) Deliver(data []byte) bool {
	m.mu.Lock()
	w := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	if w == nil {
		n := m.dropped.Add(1)
		m.logger.Debug("notification discarded, no waiter",
			"len", len(data), "data", fmt.Sprintf("%X", data), "dropped_total", n)
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.ch <- buf
	return true
}

// Dropped returns the number of notifications discarded so far.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

// Close fails the outstanding waiter and every waiter registered until Open.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	w := m.waiter
	m.waiter = nil
	m.mu.Unlock()
	if w != nil {
		w.fail()
	}
}

// Open re-enables registration after Close.
func (m *Mailbox) Open() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// Waiter is a single-use slot for one inbound notification.
type Waiter struct {
	m    *Mailbox
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (w *Waiter) fail() {
	w.once.Do(func() { close(w.done) })
}

// Cancel deregisters the waiter. Safe to call more than once.
func (w *Waiter) Cancel() {
	w.m.mu.Lock()
	if w.m.waiter == w {
		w.m.waiter = nil
	}
	w.m.mu.Unlock()
	w.fail()
}

// Await blocks until a notification arrives, the timeout elapses, the
// waiter is superseded or closed, or ctx is done. Timeout returns ErrTimeout.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-w.ch:
		return data, nil
	case <-w.done:
		if data, ok := w.take(); ok {
			return data, nil
		}
		return nil, ErrClosed
	case <-timer.C:
		w.Cancel()
		if data, ok := w.take(); ok {
			return data, nil
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		w.Cancel()
		return nil, ctx.Err()
	}
}

func (w *Waiter) take() ([]byte, bool) {
	select {
	case data := <-w.ch:
		return data, true
	default:
		return nil, false
	}
}
