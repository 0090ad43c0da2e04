package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// BLEConfig locates the OTA service on a peripheral.
type BLEConfig struct {
	DeviceName       string        `yaml:"device_name"`
	ServiceUUID      string        `yaml:"service_uuid"`
	CommandCharUUID  string        `yaml:"command_char_uuid"`
	ResponseCharUUID string        `yaml:"response_char_uuid"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ConnectRetries   int           `yaml:"connect_retries"`
	RetryPause       time.Duration `yaml:"retry_pause"`
}

// DefaultBLEConfig returns the settings of the stock bootloader.
func DefaultBLEConfig() BLEConfig {
	return BLEConfig{
		DeviceName:       "BMS_LE",
		ServiceUUID:      "d98cb893-05d5-445e-93a4-40a000030000",
		CommandCharUUID:  "d98cb893-05d5-445e-93a4-40c000030001",
		ResponseCharUUID: "d98cb893-05d5-445e-93a4-40c000030002",
		ScanTimeout:      10 * time.Second,
		ConnectRetries:   3,
		RetryPause:       2 * time.Second,
	}
}

// BLE is a Channel over a GATT command characteristic (write without
// response) and a response characteristic (notify).
type BLE struct {
	cfg     BLEConfig
	adapter *bluetooth.Adapter
	logger  *slog.Logger
	mailbox *Mailbox

	mu        sync.Mutex
	device    bluetooth.Device
	cmdChar   bluetooth.DeviceCharacteristic
	respChar  bluetooth.DeviceCharacteristic
	connected atomic.Bool
}

// NewBLE creates a BLE channel on the default adapter.
func NewBLE(cfg BLEConfig, logger *slog.Logger) *BLE {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ble")
	return &BLE{
		cfg:     cfg,
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		mailbox: NewMailbox(logger),
	}
}

// Connect scans for the device, connects and subscribes to responses,
// retrying the whole sequence up to ConnectRetries times.
func (b *BLE) Connect(ctx context.Context) error {
	if b.connected.Load() {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	retries := b.cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = b.connectOnce(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("connect attempt failed", "attempt", attempt, "of", retries, "err", lastErr)
		if attempt < retries {
			select {
			case <-time.After(b.cfg.RetryPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("ble: connect to %q: %w", b.cfg.DeviceName, lastErr)
}

func (b *BLE) connectOnce(ctx context.Context) error {
	svcUUID, err := bluetooth.ParseUUID(b.cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}
	cmdUUID, err := bluetooth.ParseUUID(b.cfg.CommandCharUUID)
	if err != nil {
		return fmt.Errorf("parse command uuid: %w", err)
	}
	respUUID, err := bluetooth.ParseUUID(b.cfg.ResponseCharUUID)
	if err != nil {
		return fmt.Errorf("parse response uuid: %w", err)
	}

	result, err := b.scan(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("device found", "name", result.LocalName(), "address", result.Address.String(), "rssi", result.RSSI)

	device, err := b.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("discover ota service: %w", errOrMissing(err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{cmdUUID, respUUID})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("discover characteristics: %w", err)
	}

	var cmdChar, respChar bluetooth.DeviceCharacteristic
	var haveCmd, haveResp bool
	for _, c := range chars {
		switch c.UUID() {
		case cmdUUID:
			cmdChar, haveCmd = c, true
		case respUUID:
			respChar, haveResp = c, true
		}
	}
	if !haveCmd || !haveResp {
		_ = device.Disconnect()
		return fmt.Errorf("ota characteristics incomplete (command=%v response=%v)", haveCmd, haveResp)
	}

	b.mailbox.Open()
	if err := respChar.EnableNotifications(b.onNotify); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	b.mu.Lock()
	b.device = device
	b.cmdChar = cmdChar
	b.respChar = respChar
	b.mu.Unlock()
	b.connected.Store(true)
	b.logger.Info("connected", "address", result.Address.String())
	return nil
}

// scan returns the first advertisement whose local name contains the
// configured device name, case-insensitively.
func (b *BLE) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	want := strings.ToLower(b.cfg.DeviceName)
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	b.logger.Info("scanning", "name", b.cfg.DeviceName, "timeout", b.cfg.ScanTimeout)
	go func() {
		scanDone <- b.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if want == "" || !strings.Contains(strings.ToLower(r.LocalName()), want) {
				return
			}
			select {
			case found <- r:
				_ = a.StopScan()
			default:
			}
		})
	}()

	timeout := b.cfg.ScanTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-found:
		<-scanDone
		return r, nil
	case err := <-scanDone:
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err == nil {
			err = ErrDeviceNotFound
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	case <-timer.C:
		_ = b.adapter.StopScan()
		<-scanDone
		return bluetooth.ScanResult{}, fmt.Errorf("scan %s: %w", timeout, ErrDeviceNotFound)
	case <-ctx.Done():
		_ = b.adapter.StopScan()
		<-scanDone
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

func (b *BLE) onNotify(data []byte) {
	b.logger.Debug("notification", "len", len(data), "data", fmt.Sprintf("%X", data))
	b.mailbox.Deliver(data)
}

// Expect registers the waiter for the next notification.
func (b *BLE) Expect() *Waiter {
	return b.mailbox.Register()
}

// Send writes data to the command characteristic.
func (b *BLE) Send(ctx context.Context, data []byte) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.cmdChar.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	b.logger.Debug("sent", "len", len(data), "data", fmt.Sprintf("%X", data))
	return nil
}

// IsConnected reports whether the link is up.
func (b *BLE) IsConnected() bool {
	return b.connected.Load()
}

// Disconnect drops the link and fails any pending waiter.
func (b *BLE) Disconnect() error {
	if !b.connected.Swap(false) {
		return nil
	}
	b.mailbox.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	b.logger.Info("disconnected")
	return nil
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("service not advertised")
}
