package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Runtime settings
	GetSettings() (*Settings, error)
	SaveSettings(s *Settings) error

	// UpdateSettings atomically reads, modifies, and saves the settings in a
	// single transaction. Missing settings start from the zero value.
	UpdateSettings(fn func(s *Settings) error) error

	// Notification targets
	SaveTarget(t *Target) error
	GetTarget(id string) (*Target, error)
	DeleteTarget(id string) error
	ListTargets() ([]*Target, error)

	// Labels remembered for the notification target selector
	GetTargetLabels() (map[string]string, error)
	SaveTargetLabels(labels map[string]string) error

	// Close the store
	Close() error
}
