// Package transaction runs request/response exchanges over a transport.Channel
// with per-attempt timeouts and bounded retries.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transport"
)

// ErrNoResponse means every attempt ended without a usable response.
var ErrNoResponse = errors.New("no response from device")

// Defaults applied when a Request leaves Timeout or Attempts unset.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultAttempts   = 3
	DefaultRetryPause = 100 * time.Millisecond
)

// Request is one command exchange.
type Request struct {
	Command  protocol.Command
	Sequence uint16
	Payload  []byte
	Timeout  time.Duration // per attempt
	Attempts int
}

// Engine executes transactions one at a time.
type Engine struct {
	ch            transport.Channel
	framing       protocol.Framing
	retryPause    time.Duration
	matchSequence bool
	logger        *slog.Logger

	mu sync.Mutex // one outstanding transaction per channel
}

// Option configures an Engine.
type Option func(*Engine)

// WithFraming sets the marker width used for encoding and decoding.
func WithFraming(f protocol.Framing) Option {
	return func(e *Engine) { e.framing = f }
}

// WithRetryPause sets the pause between attempts.
func WithRetryPause(d time.Duration) Option {
	return func(e *Engine) { e.retryPause = d }
}

// WithSequenceMatching discards responses whose sequence differs from the
// request's and keeps waiting within the same attempt.
func WithSequenceMatching(on bool) Option {
	return func(e *Engine) { e.matchSequence = on }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine bound to ch.
func New(ch transport.Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:         ch,
		framing:    protocol.DefaultFraming,
		retryPause: DefaultRetryPause,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "transaction")
	return e
}

// Execute sends req and returns the first structurally valid response,
// whatever its status. Send failures, timeouts and undecodable replies each
// consume one attempt. ErrNoResponse is returned once attempts run out;
// context cancellation ends the transaction immediately.
func (e *Engine) Execute(ctx context.Context, req Request) (*protocol.Response, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.Attempts < 1 {
		req.Attempts = DefaultAttempts
	}

	frame, err := e.framing.EncodeRequest(req.Command, req.Sequence, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Command, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 1; attempt <= req.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.retryPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := e.attempt(ctx, req, frame)
		if err == nil {
			e.logger.Debug("transaction complete",
				"cmd", req.Command.String(), "seq", req.Sequence,
				"status", resp.Status.String(), "attempt", attempt)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("transaction attempt failed",
			"cmd", req.Command.String(), "seq", req.Sequence,
			"attempt", attempt, "of", req.Attempts, "err", err)
	}
	return nil, fmt.Errorf("%s seq %d after %d attempts: %w", req.Command, req.Sequence, req.Attempts, ErrNoResponse)
}

func (e *Engine) attempt(ctx context.Context, req Request, frame []byte) (*protocol.Response, error) {
	w := e.ch.Expect()
	if err := e.ch.Send(ctx, frame); err != nil {
		w.Cancel()
		return nil, fmt.Errorf("send: %w", err)
	}
	e.logger.Debug("request sent", "cmd", req.Command.String(), "seq", req.Sequence,
		"data", fmt.Sprintf("%X", frame))

	deadline := time.Now().Add(req.Timeout)
	for {
		data, err := w.Await(ctx, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		resp, err := e.framing.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		if !e.matchSequence || resp.Sequence == req.Sequence {
			return resp, nil
		}
		e.logger.Warn("response sequence mismatch, discarded",
			"cmd", req.Command.String(), "want", req.Sequence, "got", resp.Sequence)
		if time.Until(deadline) <= 0 {
			return nil, transport.ErrTimeout
		}
		w = e.ch.Expect()
	}
}
