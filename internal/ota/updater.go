// Package ota drives firmware transfer sessions and the standalone
// bootloader operations over a transaction engine.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccoveille/go-safecast"

	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transaction"
)

// Timeouts holds per-step transaction budgets.
type Timeouts struct {
	Init            time.Duration `yaml:"init"`
	Chunk           time.Duration `yaml:"chunk"`
	ChunkAttempts   int           `yaml:"chunk_attempts"`
	VerifyInactive  time.Duration `yaml:"verify_inactive"`
	VerifyActive    time.Duration `yaml:"verify_active"`
	Activate        time.Duration `yaml:"activate"`
	Config          time.Duration `yaml:"config"`
	Default         time.Duration `yaml:"default"`
	DefaultAttempts int           `yaml:"default_attempts"`
}

// DefaultTimeouts returns the bootloader's documented budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Init:            120 * time.Second,
		Chunk:           20 * time.Second,
		ChunkAttempts:   1,
		VerifyInactive:  120 * time.Second,
		VerifyActive:    500 * time.Second,
		Activate:        60 * time.Second,
		Config:          100 * time.Second,
		Default:         transaction.DefaultTimeout,
		DefaultAttempts: transaction.DefaultAttempts,
	}
}

// Executor runs one transaction. *transaction.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req transaction.Request) (*protocol.Response, error)
}

// Updater runs sessions and device operations. Only one session may be
// active at a time.
type Updater struct {
	exec     Executor
	timeouts Timeouts
	emitter  events.Emitter
	logger   *slog.Logger

	mu      sync.Mutex
	current *Session
	ops     int // standalone operations in flight
}

// Option configures an Updater.
type Option func(*Updater)

// WithTimeouts overrides the step budgets.
func WithTimeouts(t Timeouts) Option {
	return func(u *Updater) { u.timeouts = t }
}

// WithEmitter publishes session events.
func WithEmitter(e events.Emitter) Option {
	return func(u *Updater) { u.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) { u.logger = logger }
}

// NewUpdater creates an updater on top of exec.
func NewUpdater(exec Executor, opts ...Option) *Updater {
	u := &Updater{
		exec:     exec,
		timeouts: DefaultTimeouts(),
		emitter:  events.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "ota")
	return u
}

// Current returns the most recent session, nil if none was started.
func (u *Updater) Current() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Begin starts a new session. It fails while another session is not yet
// terminal or a standalone operation is running.
func (u *Updater) Begin() (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.activeLocked(); err != nil {
		return nil, err
	}
	if u.ops > 0 {
		return nil, fmt.Errorf("%w: %d running", ErrDeviceBusy, u.ops)
	}
	s := newSession(u.emitter)
	u.current = s
	u.logger.Info("session started", "session", s.ID())
	return s, nil
}

// acquire admits a standalone operation. It is refused while a session is
// not terminal, so nothing is interleaved with the session's transactions.
func (u *Updater) acquire() (release func(), err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.activeLocked(); err != nil {
		return nil, err
	}
	u.ops++
	return func() {
		u.mu.Lock()
		u.ops--
		u.mu.Unlock()
	}, nil
}

func (u *Updater) activeLocked() error {
	if u.current != nil && !u.current.State().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, u.current.ID(), u.current.State())
	}
	return nil
}

// Load reads the image from path: Idle -> Loaded.
func (u *Updater) Load(ctx context.Context, s *Session, path string, core protocol.Core) error {
	if err := s.require(StepLoad, StateIdle); err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()

	img, err := LoadImage(path, core)
	if err != nil {
		return s.fail(ctx, &StepError{Step: StepLoad, Err: fmt.Errorf("%w: %w", ErrPrecondition, err)})
	}
	return u.attach(ctx, s, img)
}

// LoadImage attaches an in-memory image: Idle -> Loaded.
func (u *Updater) LoadImage(ctx context.Context, s *Session, img *Image) error {
	if err := s.require(StepLoad, StateIdle); err != nil {
		return err
	}
	return u.attach(ctx, s, img)
}

func (u *Updater) attach(ctx context.Context, s *Session, img *Image) error {
	s.mu.Lock()
	s.image = img
	if img.Path() != "" {
		s.path = img.Path()
	}
	s.mu.Unlock()
	u.logger.Info("firmware loaded", "session", s.ID(), "path", img.Path(),
		"size", img.Size(), "chunks", img.TotalChunks(), "core", img.Core().String())
	return s.fire(ctx, evLoad)
}

// ComputeCRC computes the image checksum: Loaded -> Ready. An empty image or
// a zero CRC fails the session; the bootloader treats CRC 0 as absent.
func (u *Updater) ComputeCRC(ctx context.Context, s *Session) error {
	if err := s.require(StepComputeCRC, StateLoaded); err != nil {
		return err
	}
	img := s.Image()
	crc := img.CRC()
	switch {
	case img.Size() == 0:
		return s.fail(ctx, &StepError{Step: StepComputeCRC, Err: fmt.Errorf("%w: empty image", ErrPrecondition)})
	case crc == 0:
		return s.fail(ctx, &StepError{Step: StepComputeCRC, Err: fmt.Errorf("%w: image crc is zero", ErrPrecondition)})
	}
	u.logger.Info("firmware crc", "session", s.ID(), "crc", fmt.Sprintf("0x%08X", crc))
	return s.fire(ctx, evComputeCRC)
}

// Initialize sends the OTA init command: Ready -> Initialized. Size limits
// are checked before anything is sent.
func (u *Updater) Initialize(ctx context.Context, s *Session) error {
	if err := s.require(StepInit, StateReady); err != nil {
		return err
	}
	img := s.Image()
	if err := img.CheckUploadable(); err != nil {
		return s.fail(ctx, &StepError{Step: StepInit, Err: err})
	}
	payload, err := img.InitPayload()
	if err != nil {
		return s.fail(ctx, &StepError{Step: StepInit, Err: err})
	}

	_, err = u.expectACK(ctx, StepInit, transaction.Request{
		Command:  protocol.CmdInitFirmwareImage,
		Payload:  payload,
		Timeout:  u.timeouts.Init,
		Attempts: u.timeouts.DefaultAttempts,
	})
	if err != nil {
		return s.fail(ctx, &StepError{Step: StepInit, Err: err})
	}
	return s.fire(ctx, evInitOK)
}

// UploadChunks sends every chunk in ascending order: Initialized -> Uploaded.
// The first chunk that is not acknowledged aborts the session; there is no
// resume.
func (u *Updater) UploadChunks(ctx context.Context, s *Session, timeout time.Duration, attempts int) error {
	if err := s.require(StepUpload, StateInitialized); err != nil {
		return err
	}
	img := s.Image()
	total := img.TotalChunks()
	started := time.Now()

	for i := uint32(0); i < total; i++ {
		chunk, err := img.Chunk(i)
		if err != nil {
			return s.fail(ctx, &StepError{Step: StepUpload, Chunk: i, HasChunk: true, Err: err})
		}
		seq, err := safecast.ToUint16(i)
		if err != nil {
			return s.fail(ctx, &StepError{Step: StepUpload, Chunk: i, HasChunk: true, Err: fmt.Errorf("%w: %v", ErrPrecondition, err)})
		}
		resp, err := u.exec.Execute(ctx, transaction.Request{
			Command:  protocol.CmdUploadFirmwareChunk,
			Sequence: seq,
			Payload:  chunk,
			Timeout:  timeout,
			Attempts: attempts,
		})
		if err == nil && resp.Status != protocol.StatusACK {
			err = &RejectedError{Command: protocol.CmdUploadFirmwareChunk, Status: resp.Status}
		}
		if err != nil {
			u.logger.Error("chunk upload failed", "session", s.ID(), "chunk", i, "total", total, "err", err)
			return s.fail(ctx, &StepError{Step: StepUpload, Chunk: i, HasChunk: true, Err: err})
		}

		s.mu.Lock()
		s.chunksSent = i + 1
		s.mu.Unlock()

		sent := int(i+1) * ChunkSize
		if sent > img.Size() {
			sent = img.Size()
		}
		u.emitter.Emit(events.Event{Type: events.EventChunkProgress, Data: events.Progress{
			SessionID:   s.ID(),
			Chunk:       i,
			TotalChunks: total,
			BytesSent:   sent,
			TotalBytes:  img.Size(),
			Percent:     float64(i+1) * 100 / float64(total),
		}})
		u.logger.Debug("chunk acknowledged", "session", s.ID(), "chunk", i, "total", total)
	}

	u.logger.Info("upload complete", "session", s.ID(), "chunks", total, "elapsed", time.Since(started))
	return s.fire(ctx, evUploadOK)
}

// VerifyInactive asks the device to check the received image against its
// CRC: Uploaded -> Verified.
func (u *Updater) VerifyInactive(ctx context.Context, s *Session) error {
	if err := s.require(StepVerifyInactive, StateUploaded); err != nil {
		return err
	}
	_, err := u.exchange(ctx, StepVerifyInactive, protocol.CmdVerifyInactive,
		crcPayload(s.Image().CRC()), u.timeouts.VerifyInactive, u.timeouts.DefaultAttempts)
	if err != nil {
		return s.fail(ctx, asStepError(StepVerifyInactive, err))
	}
	return s.fire(ctx, evVerifyOK)
}

// Activate copies the verified image to the active slot of its core:
// Verified -> Completed.
func (u *Updater) Activate(ctx context.Context, s *Session) error {
	if err := s.require(StepActivate, StateVerified); err != nil {
		return err
	}
	img := s.Image()
	_, err := u.exchange(ctx, StepActivate, img.Core().CopyToActiveCommand(),
		crcPayload(img.CRC()), u.timeouts.Activate, u.timeouts.DefaultAttempts)
	if err != nil {
		return s.fail(ctx, asStepError(StepActivate, err))
	}
	return s.fire(ctx, evActivateOK)
}

// FullUpdate runs load, crc, init, upload, verify and activate in order,
// stopping at the first failure. The returned session reflects the outcome
// even when err is non-nil.
func (u *Updater) FullUpdate(ctx context.Context, path string, core protocol.Core) (*Session, error) {
	s, err := u.Begin()
	if err != nil {
		return nil, err
	}
	if err := u.Load(ctx, s, path, core); err != nil {
		return s, err
	}
	return s, u.run(ctx, s)
}

// FullUpdateImage is FullUpdate for an in-memory image.
func (u *Updater) FullUpdateImage(ctx context.Context, img *Image) (*Session, error) {
	s, err := u.Begin()
	if err != nil {
		return nil, err
	}
	if err := u.LoadImage(ctx, s, img); err != nil {
		return s, err
	}
	return s, u.run(ctx, s)
}

func (u *Updater) run(ctx context.Context, s *Session) error {
	steps := []func() error{
		func() error { return u.ComputeCRC(ctx, s) },
		func() error { return u.Initialize(ctx, s) },
		func() error { return u.UploadChunks(ctx, s, u.timeouts.Chunk, u.timeouts.ChunkAttempts) },
		func() error { return u.VerifyInactive(ctx, s) },
		func() error { return u.Activate(ctx, s) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			u.logger.Error("update failed", "session", s.ID(), "state", s.State(), "err", err)
			return err
		}
	}
	u.logger.Info("update complete", "session", s.ID(), "crc", fmt.Sprintf("0x%08X", s.Image().CRC()))
	return nil
}

// PrepareUpload begins a session and runs it up to Initialized. Used by
// the stepwise CLI commands.
func (u *Updater) PrepareUpload(ctx context.Context, path string, core protocol.Core) (*Session, error) {
	s, err := u.Begin()
	if err != nil {
		return nil, err
	}
	if err := u.Load(ctx, s, path, core); err != nil {
		return s, err
	}
	if err := u.ComputeCRC(ctx, s); err != nil {
		return s, err
	}
	return s, u.Initialize(ctx, s)
}

// expectACK runs req and converts a non-ACK reply into a RejectedError.
func (u *Updater) expectACK(ctx context.Context, step Step, req transaction.Request) (*protocol.Response, error) {
	started := time.Now()
	resp, err := u.exec.Execute(ctx, req)
	if err == nil && resp.Status != protocol.StatusACK {
		err = &RejectedError{Command: req.Command, Status: resp.Status}
	}

	result := events.StepResult{Step: string(step), OK: err == nil, Duration: time.Since(started)}
	if resp != nil {
		result.Status = resp.Status.String()
	}
	if cur := u.Current(); cur != nil && !cur.State().Terminal() {
		result.SessionID = cur.ID()
	}
	if err != nil {
		result.Error = err.Error()
		u.logger.Warn("step failed", "step", step, "cmd", req.Command.String(), "err", err)
	} else {
		u.logger.Info("step ok", "step", step, "cmd", req.Command.String(), "elapsed", result.Duration)
	}
	u.emitter.Emit(events.Event{Type: events.EventStepResult, Data: result})
	return resp, err
}

func asStepError(step Step, err error) *StepError {
	var serr *StepError
	if errors.As(err, &serr) {
		return &StepError{Step: step, Err: serr.Err}
	}
	return &StepError{Step: step, Err: err}
}

// Start begins a full update in the background. The session is returned
// once it exists; the channel yields the final result.
func (u *Updater) Start(ctx context.Context, path string, core protocol.Core) (*Session, <-chan error, error) {
	s, err := u.Begin()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := u.Load(ctx, s, path, core)
		if err == nil {
			err = u.run(ctx, s)
		}
		done <- err
	}()
	return s, done, nil
}
