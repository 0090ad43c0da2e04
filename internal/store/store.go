// Package store persists update history and last-known device identity.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Session history
	SaveSession(rec *SessionRecord) error
	GetSession(id string) (*SessionRecord, error)
	DeleteSession(id string) error
	// ListSessions returns sessions newest first. limit <= 0 returns all.
	ListSessions(limit int) ([]*SessionRecord, error)

	// Device identity, keyed by chip ID.
	SaveDevice(dev *Device) error
	GetDevice(chipID string) (*Device, error)
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. A missing device is created from the zero value.
	UpdateDevice(chipID string, fn func(dev *Device) error) error

	// Close the store
	Close() error
}
