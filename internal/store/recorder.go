package store

import (
	"log/slog"
	"sync"
	"time"

	"ble-ota-flasher/internal/events"
)

// Recorder writes finished sessions from the event bus into a Store.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	chipID string
}

// NewRecorder creates a recorder. Call Attach to start listening.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger.With("component", "history")}
}

// Attach subscribes to session completion events. Returns an unsubscribe function.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.On(events.EventSessionDone, func(e events.Event) {
		sum, ok := e.Data.(events.SessionSummary)
		if !ok {
			return
		}
		r.Record(sum)
	})
}

// SetChipID tags subsequent sessions with the connected device's chip ID.
func (r *Recorder) SetChipID(chipID string) {
	r.mu.Lock()
	r.chipID = chipID
	r.mu.Unlock()
}

// Record stores a session summary and links it to the current device.
func (r *Recorder) Record(sum events.SessionSummary) {
	rec := RecordFromSummary(sum)
	r.mu.Lock()
	rec.ChipID = r.chipID
	r.mu.Unlock()

	if err := r.store.SaveSession(rec); err != nil {
		r.logger.Error("save session", "session", rec.ID, "err", err)
		return
	}
	r.logger.Info("session recorded", "session", rec.ID, "state", rec.State)

	if rec.ChipID == "" || !rec.Succeeded() {
		return
	}
	err := r.store.UpdateDevice(rec.ChipID, func(dev *Device) error {
		now := time.Now()
		if dev.FirstSeen.IsZero() {
			dev.FirstSeen = now
		}
		dev.LastSeen = now
		dev.ActiveCRC = rec.ImageCRC
		dev.LastUpdateID = rec.ID
		return nil
	})
	if err != nil {
		r.logger.Error("update device", "chip_id", rec.ChipID, "err", err)
	}
}
