// Package daemon implements the management core of nyxd: the stable
// operation set exposed to RPC shells, in-memory configuration
// versioning with rollback, the control cookie, and the event stream.
package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seleniaproject/nyxd/internal/config"
)

// -------------------------------------------------------------------------
// Version Store
// -------------------------------------------------------------------------

// DefaultMaxVersions bounds retained configuration snapshots.
const DefaultMaxVersions = 16

// Sentinel errors for the version store.
var (
	// ErrVersionNotFound indicates a rollback to an unknown version.
	ErrVersionNotFound = errors.New("config version not found")
)

// Version is one retained configuration snapshot.
type Version struct {
	// ID is the monotonic version number.
	ID uint64

	// Config is the full configuration at snapshot time.
	Config config.Config

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time

	// Description annotates why the snapshot exists.
	Description string
}

// VersionSummary is the payload-free listing view.
type VersionSummary struct {
	ID          uint64    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// VersionStore retains bounded configuration snapshots with monotonic
// ids and atomic rollback.
type VersionStore struct {
	mu       sync.RWMutex
	current  config.Config
	versions []Version
	nextID   uint64
	maxKeep  int
}

// NewVersionStore creates a store seeded with the initial config as
// version 1.
func NewVersionStore(initial config.Config, maxKeep int) *VersionStore {
	if maxKeep <= 0 {
		maxKeep = DefaultMaxVersions
	}
	s := &VersionStore{
		current: initial,
		maxKeep: maxKeep,
		nextID:  1,
	}
	s.snapshotLocked("initial configuration")
	return s
}

// Current returns a copy of the active configuration.
func (s *VersionStore) Current() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Snapshot records the active configuration under a new version id.
func (s *VersionStore) Snapshot(description string) VersionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(description)
}

func (s *VersionStore) snapshotLocked(description string) VersionSummary {
	v := Version{
		ID:          s.nextID,
		Config:      s.current,
		Timestamp:   time.Now(),
		Description: description,
	}
	s.nextID++

	s.versions = append(s.versions, v)
	if len(s.versions) > s.maxKeep {
		s.versions = s.versions[1:]
	}

	return VersionSummary{ID: v.ID, Timestamp: v.Timestamp, Description: v.Description}
}

// Replace installs a new active configuration and snapshots it.
func (s *VersionStore) Replace(cfg config.Config, description string) VersionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
	return s.snapshotLocked(description)
}

// Rollback atomically restores the configuration stored under id.
// The restored state is itself snapshotted so rollbacks are auditable.
func (s *VersionStore) Rollback(id uint64) (config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.ID == id {
			s.current = v.Config
			s.snapshotLocked(fmt.Sprintf("rollback to version %d", id))
			return s.current, nil
		}
	}
	return config.Config{}, fmt.Errorf("rollback to %d: %w", id, ErrVersionNotFound)
}

// List returns summaries of retained versions, oldest first.
func (s *VersionStore) List() []VersionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VersionSummary, len(s.versions))
	for i, v := range s.versions {
		out[i] = VersionSummary{ID: v.ID, Timestamp: v.Timestamp, Description: v.Description}
	}
	return out
}
