package store

import (
	"fmt"
	"time"

	"ble-ota-flasher/internal/events"
)

// SessionRecord is one finished firmware update attempt.
type SessionRecord struct {
	ID          string    `json:"id"`
	ImagePath   string    `json:"image_path"`
	ImageSize   int       `json:"image_size"`
	ImageCRC    uint32    `json:"image_crc"`
	Core        string    `json:"core"`
	TotalChunks uint32    `json:"total_chunks"`
	ChunksSent  uint32    `json:"chunks_sent"`
	State       string    `json:"state"`
	FailedStep  string    `json:"failed_step,omitempty"`
	FailedChunk *uint32   `json:"failed_chunk,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ChipID      string    `json:"chip_id,omitempty"`
}

// Succeeded reports whether the session reached completion.
func (r *SessionRecord) Succeeded() bool {
	return r.State == "completed"
}

// Duration is the wall time of the session.
func (r *SessionRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RecordFromSummary converts a session summary event payload.
func RecordFromSummary(s events.SessionSummary) *SessionRecord {
	return &SessionRecord{
		ID:          s.SessionID,
		ImagePath:   s.ImagePath,
		ImageSize:   s.ImageSize,
		ImageCRC:    s.ImageCRC,
		Core:        s.Core,
		TotalChunks: s.TotalChunks,
		ChunksSent:  s.ChunksSent,
		State:       s.State,
		FailedStep:  s.FailedStep,
		FailedChunk: s.FailedChunk,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
}

// Device is the last-known identity of a bootloader.
type Device struct {
	ChipID            string            `json:"chip_id"`
	BootloaderVersion uint32            `json:"bootloader_version"`
	AppVersions       map[string]uint32 `json:"app_versions,omitempty"`
	ActiveCRC         uint32            `json:"active_crc,omitempty"`
	LastUpdateID      string            `json:"last_update_id,omitempty"`
	FirstSeen         time.Time         `json:"first_seen"`
	LastSeen          time.Time         `json:"last_seen"`
}

// ChipKey formats a chip ID as the device key.
func ChipKey(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}
