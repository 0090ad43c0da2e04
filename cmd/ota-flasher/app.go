package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"ble-ota-flasher/internal/devicesim"
	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/store"
	"ble-ota-flasher/internal/transaction"
	"ble-ota-flasher/internal/transport"
)

// app wires the configured transport, engine and updater for one command.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	stdout  io.Writer
	bus     *events.Bus
	channel transport.Channel
	updater *ota.Updater

	db       *store.BoltStore
	recorder *store.Recorder
}

func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	framing := protocol.Framing{MarkerWidth: cfg.Protocol.MarkerWidth}
	ch, err := newChannel(cfg, framing, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	engine := transaction.New(ch,
		transaction.WithFraming(framing),
		transaction.WithSequenceMatching(cfg.Protocol.MatchSequence),
		transaction.WithLogger(logger),
	)
	updater := ota.NewUpdater(engine,
		ota.WithTimeouts(cfg.Timeouts),
		ota.WithEmitter(bus),
		ota.WithLogger(logger),
	)
	return &app{
		cfg:     cfg,
		logger:  logger,
		stdout:  os.Stdout,
		bus:     bus,
		channel: ch,
		updater: updater,
	}, nil
}

func newChannel(cfg *Config, framing protocol.Framing, logger *slog.Logger) (transport.Channel, error) {
	switch cfg.Transport.Type {
	case "ble":
		logger.Info("using BLE transport", "device", cfg.Transport.BLE.DeviceName)
		return transport.NewBLE(cfg.Transport.BLE, logger), nil
	case "serial":
		logger.Info("using serial transport", "port", cfg.Transport.Serial.Port, "baud", cfg.Transport.Serial.Baud)
		return transport.NewSerial(cfg.Transport.Serial, framing, logger), nil
	case "sim":
		logger.Info("using simulated device")
		return devicesim.New(devicesim.WithFraming(framing), devicesim.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: ble, serial, sim)", cfg.Transport.Type)
	}
}

// openStore opens the history database and records finished sessions.
func (a *app) openStore() error {
	if a.db != nil {
		return nil
	}
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.db = db
	a.recorder = store.NewRecorder(db, a.logger)
	a.recorder.Attach(a.bus)
	return nil
}

// connect opens the device link. With a store open, the chip ID is read so
// history entries are linked to the device.
func (a *app) connect(ctx context.Context) error {
	if err := a.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.bus.Emit(events.Event{Type: events.EventConnection, Data: events.Connection{
		Transport: a.cfg.Transport.Type,
		Connected: true,
	}})

	if a.recorder != nil {
		id, err := a.updater.ChipID(ctx)
		if err != nil {
			a.logger.Warn("read chip id", "err", err)
			return nil
		}
		a.recorder.SetChipID(store.ChipKey(id))
	}
	return nil
}

// Close disconnects and closes the store.
func (a *app) Close() {
	if a.channel.IsConnected() {
		if err := a.channel.Disconnect(); err != nil {
			a.logger.Warn("disconnect", "err", err)
		}
		a.bus.Emit(events.Event{Type: events.EventConnection, Data: events.Connection{
			Transport: a.cfg.Transport.Type,
			Connected: false,
		}})
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close store", "err", err)
		}
	}
}

// firmwarePath returns the configured image path or an error naming the flag.
func (a *app) firmwarePath() (string, error) {
	if a.cfg.Firmware.Path == "" {
		return "", fmt.Errorf("%w: no firmware path (set firmware.path or --firmware)", ota.ErrPrecondition)
	}
	return a.cfg.Firmware.Path, nil
}

// image loads the configured firmware.
func (a *app) image() (*ota.Image, error) {
	path, err := a.firmwarePath()
	if err != nil {
		return nil, err
	}
	return ota.LoadImage(path, a.cfg.core())
}
