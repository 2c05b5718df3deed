// Package checkpoint persists SessionState snapshots to the filesystem so
// the research graph (C6) can interrupt and resume across the clarification
// turn and across process restarts. Grounded on
// internal/adapters/storage/filesystem.EventStore SaveSnapshot/LoadSnapshot
// pair, simplified from an event-sourced aggregate store to a single
// latest-wins snapshot per session since the graph checkpoints whole-state
// patches rather than a replayable event log.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"deepresearch/internal/ports"
)

// Store implements ports.Checkpointer over a directory of
// "<session_id>.json" snapshot files.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating it if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

var _ ports.Checkpointer = (*Store)(nil)

type envelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save overwrites sessionID's snapshot with version/state.
func (s *Store) Save(ctx context.Context, sessionID string, version int, state []byte) error {
	env := envelope{Version: version, State: state}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal envelope: %w", err)
	}
	if err := os.WriteFile(s.path(sessionID), data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the last snapshot saved for sessionID. A missing snapshot
// reports version 0 and a nil error so callers can distinguish "never
// checkpointed" from an I/O failure.
func (s *Store) Load(ctx context.Context, sessionID string) (int, []byte, error) {
	raw, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("checkpoint: read %s: %w", sessionID, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, nil, fmt.Errorf("checkpoint: unmarshal %s: %w", sessionID, err)
	}
	return env.Version, env.State, nil
}
