package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/venuesync/venuesync/internal/model"
)

func (s *Store) checkpointPath(storeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf(".checkpoint-store-%d.json", storeID))
}

func (s *Store) progressPath(storeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf(".bg-worker-progress-%d.json", storeID))
}

// LoadCheckpoint returns the push checkpoint for a store, or nil when none
// exists. Checkpoints keep no backup; a corrupt one is simply discarded.
func (s *Store) LoadCheckpoint(storeID int) (*model.Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(storeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for store %d: %w", storeID, err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.log.Warn("discarding unreadable checkpoint", "store", storeID, "error", err.Error())
		return nil, nil
	}
	return &cp, nil
}

// SaveCheckpoint persists batch progress for crash recovery of long pushes.
func (s *Store) SaveCheckpoint(storeID int, cp model.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.writeFile(s.checkpointPath(storeID), data)
}

// DeleteCheckpoint removes the checkpoint after a completed push.
func (s *Store) DeleteCheckpoint(storeID int) error {
	err := os.Remove(s.checkpointPath(storeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// SaveProgress persists the background worker's progress report.
func (s *Store) SaveProgress(storeID int, p model.BackgroundProgress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return s.writeFile(s.progressPath(storeID), data)
}

// LoadProgress returns the background worker's progress, or nil when the
// worker has never run for this store.
func (s *Store) LoadProgress(storeID int) (*model.BackgroundProgress, error) {
	data, err := os.ReadFile(s.progressPath(storeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for store %d: %w", storeID, err)
	}
	var p model.BackgroundProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse progress for store %d: %w", storeID, err)
	}
	return &p, nil
}
