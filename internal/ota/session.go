package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	uuid "github.com/nu7hatch/gouuid"

	"ble-ota-flasher/internal/events"
)

// State is a firmware transfer state.
type State string

const (
	StateIdle        State = "idle"
	StateLoaded      State = "loaded"
	StateReady       State = "ready"
	StateInitialized State = "initialized"
	StateUploaded    State = "uploaded"
	StateVerified    State = "verified"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	evLoad       = "load"
	evComputeCRC = "compute_crc"
	evInitOK     = "init_ok"
	evUploadOK   = "all_chunks_ack"
	evVerifyOK   = "verify_ok"
	evActivateOK = "activate_ok"
	evFail       = "fail"
)

// Session is one pass through the transfer state machine. Sessions are not
// reused: after Completed or Failed a new one must be started.
type Session struct {
	id      string
	fsm     *fsm.FSM
	emitter events.Emitter

	mu         sync.Mutex
	path       string
	image      *Image
	chunksSent uint32
	failure    *StepError
	startedAt  time.Time
	finishedAt time.Time
}

func newSession(emitter events.Emitter) *Session {
	if emitter == nil {
		emitter = events.Nop{}
	}
	s := &Session{
		id:        newSessionID(),
		emitter:   emitter,
		startedAt: time.Now(),
	}
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evLoad, Src: []string{string(StateIdle)}, Dst: string(StateLoaded)},
			{Name: evComputeCRC, Src: []string{string(StateLoaded)}, Dst: string(StateReady)},
			{Name: evInitOK, Src: []string{string(StateReady)}, Dst: string(StateInitialized)},
			{Name: evUploadOK, Src: []string{string(StateInitialized)}, Dst: string(StateUploaded)},
			{Name: evVerifyOK, Src: []string{string(StateUploaded)}, Dst: string(StateVerified)},
			{Name: evActivateOK, Src: []string{string(StateVerified)}, Dst: string(StateCompleted)},
			{Name: evFail, Src: []string{
				string(StateIdle), string(StateLoaded), string(StateReady),
				string(StateInitialized), string(StateUploaded), string(StateVerified),
			}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { s.onEnterState(e) },
		},
	)
	return s
}

func newSessionID() string {
	u, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return u.String()
}

func (s *Session) onEnterState(e *fsm.Event) {
	to := State(e.Dst)
	if to.Terminal() {
		s.mu.Lock()
		s.finishedAt = time.Now()
		s.mu.Unlock()
	}
	s.emitter.Emit(events.Event{Type: events.EventSessionState, Data: events.StateChange{
		SessionID: s.id,
		From:      e.Src,
		To:        e.Dst,
		At:        time.Now(),
	}})
	if to.Terminal() {
		s.emitter.Emit(events.Event{Type: events.EventSessionDone, Data: s.Summary()})
	}
}

// fire applies a transition. Invalid transitions report ErrBadState.
func (s *Session) fire(ctx context.Context, event string) error {
	if err := s.fsm.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("%w: %s in state %s: %v", ErrBadState, event, s.fsm.Current(), err)
	}
	return nil
}

// require checks the current state before a step runs.
func (s *Session) require(step Step, want State) error {
	if cur := s.State(); cur != want {
		return &StepError{Step: step, Err: fmt.Errorf("%w: %s requires %s, session is %s", ErrBadState, step, want, cur)}
	}
	return nil
}

// fail records the failure and moves the session to Failed.
func (s *Session) fail(ctx context.Context, serr *StepError) error {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = serr
	}
	s.mu.Unlock()
	if !s.State().Terminal() {
		_ = s.fire(ctx, evFail)
	}
	return serr
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.fsm.Current()) }

// Image returns the loaded image, nil before Load.
func (s *Session) Image() *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// ChunksSent is the number of chunks acknowledged so far.
func (s *Session) ChunksSent() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksSent
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Summary snapshots the session for history and observers.
func (s *Session) Summary() events.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := events.SessionSummary{
		SessionID:  s.id,
		ImagePath:  s.path,
		ChunksSent: s.chunksSent,
		State:      s.fsm.Current(),
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.image != nil {
		sum.ImageSize = s.image.Size()
		sum.ImageCRC = s.image.CRC()
		sum.Core = s.image.Core().String()
		sum.TotalChunks = s.image.TotalChunks()
	}
	if s.failure != nil {
		sum.FailedStep = string(s.failure.Step)
		sum.Error = s.failure.Err.Error()
		if s.failure.HasChunk {
			c := s.failure.Chunk
			sum.FailedChunk = &c
		}
	}
	return sum
}
