// Package devicesim emulates the OTA bootloader behind a transport.Channel.
// It keeps an inactive and an active image slot, answers every command in
// the registry and can inject faults for failure-path testing.
package devicesim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transport"
)

// ChunkSize is the image chunk length the simulated bootloader expects.
const ChunkSize = 192

// Default identity values reported by the simulator.
const (
	DefaultChipID            uint32 = 0x00000450
	DefaultBootloaderVersion uint32 = 0x00010200
	DefaultAppVersion        uint32 = 0x00020001
)

var errSendFailed = errors.New("devicesim: injected send failure")

// Request is one command received by the simulator.
type Request struct {
	Command  protocol.Command
	Sequence uint16
	Payload  []byte
}

// Faults configures misbehaviour. Counters are consumed as they fire.
type Faults struct {
	// FailSends makes the next N Send calls return an error.
	FailSends int
	// DropReplies silently swallows the next N replies.
	DropReplies int
	// CorruptReplies flips a checksum byte in the next N replies.
	CorruptReplies int
	// NackChunk answers NACK to the upload of this chunk index; nil disables.
	NackChunk *uint32
	// Reject maps commands to the status sent instead of the normal answer.
	Reject map[protocol.Command]protocol.Status
	// WrongSequence answers with sequence+1.
	WrongSequence bool
	// Silent never answers.
	Silent bool
}

// Index returns a pointer to i, for Faults.NackChunk.
func Index(i uint32) *uint32 { return &i }

// Device is a simulated bootloader.
type Device struct {
	framing protocol.Framing
	logger  *slog.Logger
	mailbox *transport.Mailbox
	latency time.Duration

	mu        sync.Mutex
	connected bool
	faults    Faults
	requests  []Request

	chipID  uint32
	bootVer uint32
	appVer  map[protocol.Core]uint32

	initialized    bool
	imageSize      uint32
	imageCRC       uint32
	totalChunks    uint32
	core           protocol.Core
	inactive       []byte
	received       map[uint32]bool
	inactiveValid  bool
	active         []byte
	config         []byte
	readProtected  bool
	writeProtected bool
}

// Option configures a Device.
type Option func(*Device)

// WithFraming selects the marker width the simulator speaks.
func WithFraming(f protocol.Framing) Option {
	return func(d *Device) { d.framing = f }
}

// WithLatency delays every reply.
func WithLatency(latency time.Duration) Option {
	return func(d *Device) { d.latency = latency }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithFaults installs an initial fault set.
func WithFaults(f Faults) Option {
	return func(d *Device) { d.faults = f }
}

// WithActiveImage preloads the active slot.
func WithActiveImage(image []byte) Option {
	return func(d *Device) { d.active = append([]byte(nil), image...) }
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		framing: protocol.DefaultFraming,
		logger:  slog.Default(),
		chipID:  DefaultChipID,
		bootVer: DefaultBootloaderVersion,
		appVer: map[protocol.Core]uint32{
			protocol.CoreCM7: DefaultAppVersion,
			protocol.CoreCM4: DefaultAppVersion,
		},
		config: []byte{0x01, 0x00, 0x00, 0x00},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "devicesim")
	d.mailbox = transport.NewMailbox(d.logger)
	return d
}

// SetFaults replaces the fault configuration.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Requests returns a copy of every request received so far.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// ResetRequests clears the request log.
func (d *Device) ResetRequests() {
	d.mu.Lock()
	d.requests = nil
	d.mu.Unlock()
}

// ActiveImage returns a copy of the active slot.
func (d *Device) ActiveImage() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.active...)
}

// InactiveImage returns the received image trimmed to the announced size.
func (d *Device) InactiveImage() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(d.imageSize) > len(d.inactive) {
		return append([]byte(nil), d.inactive...)
	}
	return append([]byte(nil), d.inactive[:d.imageSize]...)
}

// Connect marks the link up.
func (d *Device) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	d.mailbox.Open()
	return nil
}

// Disconnect marks the link down and fails pending waiters.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.mailbox.Close()
	return nil
}

// IsConnected reports whether Connect has been called.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Expect registers the waiter for the next reply.
func (d *Device) Expect() *transport.Waiter {
	return d.mailbox.Register()
}

// Send processes one request frame and schedules the reply.
func (d *Device) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return transport.ErrNotConnected
	}
	if d.faults.FailSends > 0 {
		d.faults.FailSends--
		d.mu.Unlock()
		return errSendFailed
	}

	frame, err := d.framing.Parse(data)
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("request rejected", "err", err)
		return nil
	}
	req := Request{Command: protocol.Command(frame.Code), Sequence: frame.Sequence, Payload: frame.Payload}
	d.requests = append(d.requests, req)

	status, payload := d.handle(req)
	seq := req.Sequence
	if d.faults.WrongSequence {
		seq++
	}
	if forced, ok := d.faults.Reject[req.Command]; ok {
		status, payload = forced, nil
	}

	drop := d.faults.Silent
	if !drop && d.faults.DropReplies > 0 {
		d.faults.DropReplies--
		drop = true
	}
	corrupt := false
	if !drop && d.faults.CorruptReplies > 0 {
		d.faults.CorruptReplies--
		corrupt = true
	}
	d.mu.Unlock()

	d.logger.Debug("request", "cmd", req.Command.String(), "seq", req.Sequence,
		"len", len(req.Payload), "status", status.String(), "dropped", drop)
	if drop {
		return nil
	}

	reply, err := d.framing.EncodeResponse(status, seq, payload)
	if err != nil {
		return fmt.Errorf("devicesim: encode reply: %w", err)
	}
	if corrupt {
		reply[len(reply)-2] ^= 0xFF
	}
	if d.latency > 0 {
		time.AfterFunc(d.latency, func() { d.mailbox.Deliver(reply) })
		return nil
	}
	d.mailbox.Deliver(reply)
	return nil
}

// handle runs the bootloader logic. Caller holds d.mu.
func (d *Device) handle(req Request) (protocol.Status, []byte) {
	switch req.Command {
	case protocol.CmdInitFirmwareImage:
		return d.handleInit(req.Payload)
	case protocol.CmdUploadFirmwareChunk:
		return d.handleChunk(uint32(req.Sequence), req.Payload)
	case protocol.CmdVerifyInactive:
		crc, ok := be32(req.Payload)
		if !ok || !d.initialized || uint32(len(d.received)) != d.totalChunks {
			return protocol.StatusNACK, nil
		}
		actual := protocol.CRC32(d.inactive[:d.imageSize], protocol.CRCSeed)
		if crc != d.imageCRC || crc != actual {
			return protocol.StatusNACK, nil
		}
		d.inactiveValid = true
		return protocol.StatusACK, nil
	case protocol.CmdVerifyActive:
		crc, ok := be32(req.Payload)
		if !ok || len(d.active) == 0 || protocol.CRC32(d.active, protocol.CRCSeed) != crc {
			return protocol.StatusNACK, nil
		}
		return protocol.StatusACK, nil
	case protocol.CmdCopyToActiveCM7, protocol.CmdCopyToActiveCM4:
		crc, ok := be32(req.Payload)
		if !ok || !d.inactiveValid || crc != d.imageCRC {
			return protocol.StatusNACK, nil
		}
		d.active = append([]byte(nil), d.inactive[:d.imageSize]...)
		if req.Command == protocol.CmdCopyToActiveCM7 {
			d.appVer[protocol.CoreCM7]++
		} else {
			d.appVer[protocol.CoreCM4]++
		}
		return protocol.StatusACK, nil
	case protocol.CmdCRCActive:
		return protocol.StatusACK, u32(protocol.CRC32(d.active, protocol.CRCSeed))
	case protocol.CmdCRCInactive:
		if !d.initialized {
			return protocol.StatusNACK, nil
		}
		return protocol.StatusACK, u32(protocol.CRC32(d.inactive[:d.imageSize], protocol.CRCSeed))
	case protocol.CmdGetChipID:
		return protocol.StatusACK, u32(d.chipID)
	case protocol.CmdGetBootloaderVersion:
		return protocol.StatusACK, u32(d.bootVer)
	case protocol.CmdGetAppVersionCM7:
		return protocol.StatusACK, u32(d.appVer[protocol.CoreCM7])
	case protocol.CmdGetAppVersionCM4:
		return protocol.StatusACK, u32(d.appVer[protocol.CoreCM4])
	case protocol.CmdConfigRead:
		return protocol.StatusACK, append([]byte(nil), d.config...)
	case protocol.CmdConfigWrite, protocol.CmdConfigUpdate:
		return protocol.StatusACK, nil
	case protocol.CmdReadProtect:
		d.readProtected = true
		return protocol.StatusACK, nil
	case protocol.CmdReadUnprotect:
		d.readProtected = false
		return protocol.StatusACK, nil
	case protocol.CmdWriteProtect:
		d.writeProtected = true
		return protocol.StatusACK, nil
	case protocol.CmdWriteUnprotect:
		d.writeProtected = false
		return protocol.StatusACK, nil
	case protocol.CmdEraseFlashSectors:
		if d.writeProtected {
			return protocol.StatusNACK, nil
		}
		d.resetInactive()
		return protocol.StatusACK, nil
	case protocol.CmdGoToLocation:
		if len(req.Payload) != 0 && len(req.Payload) != 4 {
			return protocol.StatusNACK, nil
		}
		return protocol.StatusACK, nil
	default:
		return protocol.StatusNACK, nil
	}
}

func (d *Device) handleInit(p []byte) (protocol.Status, []byte) {
	if len(p) != 13 || d.writeProtected {
		return protocol.StatusNACK, nil
	}
	size := binary.BigEndian.Uint32(p[0:4])
	crc := binary.BigEndian.Uint32(p[4:8])
	chunks := binary.BigEndian.Uint32(p[8:12])
	core := protocol.Core(p[12])
	if size == 0 || chunks != (size+ChunkSize-1)/ChunkSize {
		return protocol.StatusNACK, nil
	}
	if core != protocol.CoreCM4 && core != protocol.CoreCM7 {
		return protocol.StatusNACK, nil
	}
	d.resetInactive()
	d.initialized = true
	d.imageSize = size
	d.imageCRC = crc
	d.totalChunks = chunks
	d.core = core
	d.inactive = make([]byte, int(chunks)*ChunkSize)
	for i := range d.inactive {
		d.inactive[i] = 0xFF
	}
	return protocol.StatusACK, nil
}

func (d *Device) handleChunk(index uint32, p []byte) (protocol.Status, []byte) {
	if !d.initialized || index >= d.totalChunks || len(p) != ChunkSize {
		return protocol.StatusNACK, nil
	}
	if d.faults.NackChunk != nil && *d.faults.NackChunk == index {
		return protocol.StatusNACK, nil
	}
	copy(d.inactive[int(index)*ChunkSize:], p)
	d.received[index] = true
	return protocol.StatusACK, nil
}

func (d *Device) resetInactive() {
	d.initialized = false
	d.inactiveValid = false
	d.imageSize = 0
	d.totalChunks = 0
	d.inactive = nil
	d.received = make(map[uint32]bool)
}

func be32(p []byte) (uint32, bool) {
	if len(p) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
