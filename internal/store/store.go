// Package store provides crash-safe state persistence using JSON files.
//
// The whole core state (order book, position book, audit trails) is
// stored as one snapshot file, state.json. Writes use atomic file
// replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. The engine saves a snapshot
// after every applied fill and on shutdown, and loads it on startup
// to restore the books.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradecore/internal/oms"
	"tradecore/internal/position"
	"tradecore/internal/risk"
)

const stateFile = "state.json"

// State is the persisted snapshot of the core's books and audit logs.
type State struct {
	Orders        []oms.ManagedOrder         `json:"orders"`
	Positions     []position.TrackedPosition `json:"positions"`
	KillEvents    []risk.AuditEvent          `json:"kill_events,omitempty"`
	BreakerEvents []risk.AuditEvent          `json:"breaker_events,omitempty"`
	SavedAt       time.Time                  `json:"saved_at"`
}

// Store persists snapshots to a JSON file in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveState atomically persists a snapshot. It writes to a .tmp file
// first, then renames over the target to ensure the file is never
// left in a partial state (crash-safe).
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.SavedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(s.dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState restores the last saved snapshot from disk.
// Returns nil, nil if no snapshot exists (fresh start).
func (s *Store) LoadState() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}
