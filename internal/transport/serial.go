package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"ble-ota-flasher/internal/protocol"
)

// SerialConfig describes a wired UART link to the bootloader.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// maxSerialPayload bounds the length field trusted by the frame reader.
const maxSerialPayload = 4096

// Serial is a Channel over a UART. The byte stream is cut into frames with
// the configured framing before delivery, so each notification is one frame.
type Serial struct {
	cfg     SerialConfig
	framing protocol.Framing
	logger  *slog.Logger
	mailbox *Mailbox

	lifecycleMu sync.Mutex
	port        serial.Port
	done        chan struct{}
	wg          sync.WaitGroup
	writeMu     sync.Mutex
	connected   atomic.Bool
}

// NewSerial creates a serial channel. The port is opened by Connect.
func NewSerial(cfg SerialConfig, framing protocol.Framing, logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "serial", "port", cfg.Port)
	return &Serial{
		cfg:     cfg,
		framing: framing,
		logger:  logger,
		mailbox: NewMailbox(logger),
	}
}

// Connect opens the port and starts the read loop.
func (s *Serial) Connect(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.connected.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", s.cfg.Port, err)
	}
	// USB CDC ACM bridges only forward data with DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	s.port = port
	s.done = make(chan struct{})
	s.mailbox.Open()
	s.connected.Store(true)
	s.wg.Add(1)
	go s.readLoop(port, s.done)
	s.logger.Info("serial port opened", "baud", s.cfg.Baud)
	return nil
}

func (s *Serial) readLoop(port serial.Port, done chan struct{}) {
	defer s.wg.Done()

	reader := bufio.NewReader(port)
	backoff := 10 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		select {
		case <-done:
			return
		default:
		}

		raw, err := s.framing.ReadFrame(reader, maxSerialPayload)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, protocol.ErrLengthMismatch) {
				s.logger.Warn("serial frame rejected, resyncing", "err", err)
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("serial read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		s.logger.Debug("serial frame received", "len", len(raw), "data", fmt.Sprintf("%X", raw))
		s.mailbox.Deliver(raw)
	}
}

// Expect registers the waiter for the next frame.
func (s *Serial) Expect() *Waiter {
	return s.mailbox.Register()
}

// Send writes data to the port.
func (s *Serial) Send(ctx context.Context, data []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(data); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	s.logger.Debug("serial frame sent", "len", len(data), "data", fmt.Sprintf("%X", data))
	return nil
}

// IsConnected reports whether the port is open.
func (s *Serial) IsConnected() bool {
	return s.connected.Load()
}

// Disconnect stops the read loop and closes the port.
func (s *Serial) Disconnect() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.connected.Swap(false) {
		return nil
	}
	s.mailbox.Close()
	close(s.done)
	err := s.port.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("serial: close %s: %w", s.cfg.Port, err)
	}
	s.logger.Info("serial port closed")
	return nil
}
