package ota

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ble-ota-flasher/internal/devicesim"
	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transaction"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testTimeouts() Timeouts {
	return Timeouts{
		Init:            50 * time.Millisecond,
		Chunk:           50 * time.Millisecond,
		ChunkAttempts:   1,
		VerifyInactive:  50 * time.Millisecond,
		VerifyActive:    50 * time.Millisecond,
		Activate:        50 * time.Millisecond,
		Config:          50 * time.Millisecond,
		Default:         50 * time.Millisecond,
		DefaultAttempts: 2,
	}
}

func newTestUpdater(t *testing.T, dev *devicesim.Device) (*Updater, *recorder) {
	t.Helper()
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	engine := transaction.New(dev, transaction.WithRetryPause(time.Millisecond))
	return NewUpdater(engine, WithTimeouts(testTimeouts()), WithEmitter(rec)), rec
}

func writeFirmware(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFullUpdateSuccess(t *testing.T) {
	dev := devicesim.New()
	u, rec := newTestUpdater(t, dev)
	data := testImage(1920)
	path := writeFirmware(t, data)

	s, err := u.FullUpdate(context.Background(), path, protocol.CoreCM4)
	if err != nil {
		t.Fatalf("FullUpdate: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}

	reqs := dev.Requests()
	if len(reqs) != 13 {
		t.Fatalf("requests = %d, want init + 10 chunks + verify + activate", len(reqs))
	}
	if reqs[0].Command != protocol.CmdInitFirmwareImage || len(reqs[0].Payload) != InitPayloadSize {
		t.Errorf("first request = %s len %d", reqs[0].Command, len(reqs[0].Payload))
	}
	for i := 0; i < 10; i++ {
		r := reqs[1+i]
		if r.Command != protocol.CmdUploadFirmwareChunk || r.Sequence != uint16(i) {
			t.Errorf("request %d = %s seq %d", 1+i, r.Command, r.Sequence)
		}
		if !bytes.Equal(r.Payload, data[i*ChunkSize:(i+1)*ChunkSize]) {
			t.Errorf("chunk %d payload mismatch", i)
		}
	}
	crc := protocol.CRC32(data, protocol.CRCSeed)
	if reqs[11].Command != protocol.CmdVerifyInactive || binary.BigEndian.Uint32(reqs[11].Payload) != crc {
		t.Errorf("verify request = %s % X", reqs[11].Command, reqs[11].Payload)
	}
	if reqs[12].Command != protocol.CmdCopyToActiveCM4 || binary.BigEndian.Uint32(reqs[12].Payload) != crc {
		t.Errorf("activate request = %s % X", reqs[12].Command, reqs[12].Payload)
	}
	if !bytes.Equal(dev.ActiveImage(), data) {
		t.Error("active slot does not hold the uploaded image")
	}

	if n := len(rec.ofType(events.EventChunkProgress)); n != 10 {
		t.Errorf("progress events = %d, want 10", n)
	}
	var states []string
	for _, e := range rec.ofType(events.EventSessionState) {
		states = append(states, e.Data.(events.StateChange).To)
	}
	want := []string{"loaded", "ready", "initialized", "uploaded", "verified", "completed"}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
	done := rec.ofType(events.EventSessionDone)
	if len(done) != 1 || done[0].Data.(events.SessionSummary).ChunksSent != 10 {
		t.Errorf("session done events = %+v", done)
	}
}

func TestFullUpdateChunkNack(t *testing.T) {
	dev := devicesim.New(devicesim.WithFaults(devicesim.Faults{NackChunk: devicesim.Index(4)}))
	u, rec := newTestUpdater(t, dev)
	path := writeFirmware(t, testImage(1920))

	s, err := u.FullUpdate(context.Background(), path, protocol.CoreCM4)
	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want StepError", err)
	}
	if serr.Step != StepUpload || !serr.HasChunk || serr.Chunk != 4 {
		t.Errorf("failure at %s chunk %d", serr.Step, serr.Chunk)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Status != protocol.StatusNACK {
		t.Errorf("err = %v, want NACK rejection", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}

	reqs := dev.Requests()
	if len(reqs) != 6 {
		t.Fatalf("requests = %d, want init + chunks 0..4", len(reqs))
	}
	for _, r := range reqs[1:] {
		if r.Sequence > 4 {
			t.Errorf("chunk %d sent after failure", r.Sequence)
		}
	}
	done := rec.ofType(events.EventSessionDone)
	if len(done) != 1 {
		t.Fatalf("session done events = %d", len(done))
	}
	sum := done[0].Data.(events.SessionSummary)
	if sum.State != "failed" || sum.FailedStep != "upload" || sum.FailedChunk == nil || *sum.FailedChunk != 4 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestInitializeRejectsSmallImage(t *testing.T) {
	dev := devicesim.New()
	u, _ := newTestUpdater(t, dev)
	path := writeFirmware(t, testImage(9*ChunkSize))

	s, err := u.FullUpdate(context.Background(), path, protocol.CoreCM7)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want precondition", err)
	}
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepInit {
		t.Errorf("err = %v, want init step", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
	if n := len(dev.Requests()); n != 0 {
		t.Errorf("%d transactions issued before precondition check", n)
	}
}

func TestEmptyImageFailsCRC(t *testing.T) {
	dev := devicesim.New()
	u, _ := newTestUpdater(t, dev)
	path := writeFirmware(t, nil)

	s, err := u.FullUpdate(context.Background(), path, protocol.CoreCM4)
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepComputeCRC || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateFailed || len(dev.Requests()) != 0 {
		t.Errorf("state = %s, requests = %d", s.State(), len(dev.Requests()))
	}
}

func TestMissingFirmware(t *testing.T) {
	u, _ := newTestUpdater(t, devicesim.New())
	s, err := u.FullUpdate(context.Background(), filepath.Join(t.TempDir(), "nope.bin"), protocol.CoreCM4)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
}

func TestInitNoResponse(t *testing.T) {
	dev := devicesim.New(devicesim.WithFaults(devicesim.Faults{Silent: true}))
	u, _ := newTestUpdater(t, dev)
	img, _ := NewImage(testImage(1920), protocol.CoreCM4)

	s, err := u.FullUpdateImage(context.Background(), img)
	if !errors.Is(err, transaction.ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
	// Init uses the default retry count.
	if n := len(dev.Requests()); n != testTimeouts().DefaultAttempts {
		t.Errorf("init attempts = %d", n)
	}
}

func TestVerifyBusyFails(t *testing.T) {
	dev := devicesim.New(devicesim.WithFaults(devicesim.Faults{
		Reject: map[protocol.Command]protocol.Status{protocol.CmdVerifyInactive: protocol.StatusBusy},
	}))
	u, _ := newTestUpdater(t, dev)
	img, _ := NewImage(testImage(2500), protocol.CoreCM7)

	s, err := u.FullUpdateImage(context.Background(), img)
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Status != protocol.StatusBusy {
		t.Fatalf("err = %v, want BUSY rejection", err)
	}
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepVerifyInactive {
		t.Errorf("failed step = %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
	for _, r := range dev.Requests() {
		if r.Command == protocol.CmdCopyToActiveCM7 {
			t.Error("activate sent after failed verify")
		}
	}
}

func TestChunkRetriedOnce(t *testing.T) {
	dev := devicesim.New()
	u, _ := newTestUpdater(t, dev)
	img, _ := NewImage(testImage(1920), protocol.CoreCM4)

	s, _ := u.Begin()
	ctx := context.Background()
	if err := u.LoadImage(ctx, s, img); err != nil {
		t.Fatal(err)
	}
	if err := u.ComputeCRC(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := u.Initialize(ctx, s); err != nil {
		t.Fatal(err)
	}
	dev.SetFaults(devicesim.Faults{DropReplies: 1})
	dev.ResetRequests()

	if err := u.UploadChunks(ctx, s, 20*time.Millisecond, 2); err != nil {
		t.Fatalf("UploadChunks: %v", err)
	}
	reqs := dev.Requests()
	if len(reqs) != 11 || reqs[0].Sequence != 0 || reqs[1].Sequence != 0 {
		t.Errorf("expected chunk 0 twice then 1..9, got %d requests", len(reqs))
	}
	if s.State() != StateUploaded || s.ChunksSent() != 10 {
		t.Errorf("state = %s sent = %d", s.State(), s.ChunksSent())
	}
}

func TestSessionExclusive(t *testing.T) {
	u, _ := newTestUpdater(t, devicesim.New())
	s, err := u.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Begin(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Begin: err = %v", err)
	}
	_ = s.fail(context.Background(), &StepError{Step: StepLoad, Err: errors.New("abandoned")})
	if _, err := u.Begin(); err != nil {
		t.Fatalf("Begin after failure: %v", err)
	}
}

func TestStepOutOfOrder(t *testing.T) {
	u, _ := newTestUpdater(t, devicesim.New())
	s, _ := u.Begin()
	err := u.Initialize(context.Background(), s)
	if !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
	if s.State() != StateIdle {
		t.Errorf("out-of-order call changed state to %s", s.State())
	}
}

func TestStandaloneOperations(t *testing.T) {
	active := testImage(1000)
	dev := devicesim.New(devicesim.WithActiveImage(active))
	u, _ := newTestUpdater(t, dev)
	ctx := context.Background()

	id, err := u.ChipID(ctx)
	if err != nil || id != devicesim.DefaultChipID {
		t.Errorf("ChipID = 0x%X, %v", id, err)
	}
	bv, err := u.BootloaderVersion(ctx)
	if err != nil || bv != devicesim.DefaultBootloaderVersion {
		t.Errorf("BootloaderVersion = 0x%X, %v", bv, err)
	}
	av, err := u.AppVersion(ctx, protocol.CoreCM7)
	if err != nil || av != devicesim.DefaultAppVersion {
		t.Errorf("AppVersion = 0x%X, %v", av, err)
	}

	crc := protocol.CRC32(active, protocol.CRCSeed)
	if got, err := u.ActiveCRC(ctx); err != nil || got != crc {
		t.Errorf("ActiveCRC = 0x%08X, %v", got, err)
	}
	if err := u.VerifyActive(ctx, crc); err != nil {
		t.Errorf("VerifyActive: %v", err)
	}
	var rej *RejectedError
	if err := u.VerifyActive(ctx, crc^1); !errors.As(err, &rej) {
		t.Errorf("VerifyActive(bad crc): err = %v", err)
	}

	if _, err := u.ReadConfig(ctx); err != nil {
		t.Errorf("ReadConfig: %v", err)
	}
	if err := u.WriteConfig(ctx); err != nil {
		t.Errorf("WriteConfig: %v", err)
	}
	if err := u.UpdateConfig(ctx); err != nil {
		t.Errorf("UpdateConfig: %v", err)
	}
	for _, r := range dev.Requests() {
		if r.Command >= protocol.CmdConfigRead && r.Command <= protocol.CmdConfigUpdate && len(r.Payload) != 0 {
			t.Errorf("%s carried a payload", r.Command)
		}
	}

	if err := u.WriteProtect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := u.EraseSectors(ctx, []byte{0x01}); !errors.As(err, &rej) {
		t.Errorf("erase while write protected: err = %v", err)
	}
	if err := u.WriteUnprotect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := u.EraseSectors(ctx, []byte{0x01}); err != nil {
		t.Errorf("EraseSectors: %v", err)
	}
	if err := u.GoToLocation(ctx, 0x08000000); err != nil {
		t.Errorf("GoToLocation: %v", err)
	}

	resp, err := u.Command(ctx, protocol.Command(0x13), nil, 0, 0)
	if err != nil || resp.Status != protocol.StatusNACK {
		t.Errorf("unknown command: %v, %v", resp, err)
	}
}

func TestStepwiseSessionAfterUpload(t *testing.T) {
	dev := devicesim.New()
	u, _ := newTestUpdater(t, dev)
	ctx := context.Background()
	img, _ := NewImage(testImage(3000), protocol.CoreCM7)

	s, _ := u.Begin()
	steps := []func() error{
		func() error { return u.LoadImage(ctx, s, img) },
		func() error { return u.ComputeCRC(ctx, s) },
		func() error { return u.Initialize(ctx, s) },
		func() error { return u.UploadChunks(ctx, s, 50*time.Millisecond, 1) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if err := u.UpdateActive(ctx, protocol.CoreCM7, img.CRC()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("standalone activate mid-session: err = %v", err)
	}
	if err := u.Activate(ctx, s); !errors.Is(err, ErrBadState) {
		t.Fatalf("activate before verify: err = %v", err)
	}
	if err := u.VerifyInactive(ctx, s); err != nil {
		t.Fatalf("VerifyInactive: %v", err)
	}
	if err := u.Activate(ctx, s); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
	if err := u.VerifyActive(ctx, img.CRC()); err != nil {
		t.Fatalf("VerifyActive after completion: %v", err)
	}
	if !bytes.Equal(dev.ActiveImage(), dev.InactiveImage()) {
		t.Error("active slot differs from the uploaded image")
	}
}

func TestStandaloneRefusedDuringUpload(t *testing.T) {
	dev := devicesim.New(devicesim.WithLatency(2 * time.Millisecond))
	u, rec := newTestUpdater(t, dev)
	img, _ := NewImage(testImage(40*ChunkSize), protocol.CoreCM4)

	s, err := u.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := u.LoadImage(context.Background(), s, img); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- u.run(context.Background(), s) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.ChunksSent() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ChunksSent() == 0 {
		t.Fatal("upload did not start")
	}

	ctx := context.Background()
	if err := u.VerifyActive(ctx, 0x12345678); !errors.Is(err, ErrSessionActive) {
		t.Errorf("VerifyActive: err = %v, want ErrSessionActive", err)
	}
	if _, err := u.ChipID(ctx); !errors.Is(err, ErrSessionActive) {
		t.Errorf("ChipID: err = %v, want ErrSessionActive", err)
	}
	if _, err := u.Command(ctx, protocol.CmdGetChipID, nil, 0, 0); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Command: err = %v, want ErrSessionActive", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("update: %v", err)
	}
	for _, r := range dev.Requests() {
		if r.Command == protocol.CmdVerifyActive || r.Command == protocol.CmdGetChipID {
			t.Errorf("%s reached the device during the session", r.Command)
		}
	}
	for _, e := range rec.ofType(events.EventStepResult) {
		if sr := e.Data.(events.StepResult); sr.Step == string(StepVerifyActive) {
			t.Errorf("refused operation emitted a step result: %+v", sr)
		}
	}
}

func TestBeginRefusedDuringStandalone(t *testing.T) {
	dev := devicesim.New(devicesim.WithLatency(100 * time.Millisecond))
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	timeouts := testTimeouts()
	timeouts.Default = time.Second
	u := NewUpdater(transaction.New(dev), WithTimeouts(timeouts))

	done := make(chan error, 1)
	go func() {
		_, err := u.ChipID(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for len(dev.Requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := u.Begin(); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Begin during ChipID: err = %v, want ErrDeviceBusy", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ChipID: %v", err)
	}
	if _, err := u.Begin(); err != nil {
		t.Fatalf("Begin after ChipID: %v", err)
	}
}

func TestZeroCRCImageFails(t *testing.T) {
	dev := devicesim.New()
	u, _ := newTestUpdater(t, dev)
	img, _ := NewImage(zeroCRCImage(), protocol.CoreCM4)
	if img.CRC() != 0 {
		t.Fatalf("fixture crc = 0x%08X", img.CRC())
	}

	s, err := u.FullUpdateImage(context.Background(), img)
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepComputeCRC || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateFailed || len(dev.Requests()) != 0 {
		t.Errorf("state = %s, requests = %d", s.State(), len(dev.Requests()))
	}
}
