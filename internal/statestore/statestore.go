// Package statestore owns the on-disk per-store sync state: the last-known
// marketplace view of every SKU, push checkpoints and background-worker
// progress. Files are JSON under a single state directory; writes are
// crash-atomic unless direct-write mode is requested.
package statestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

// WriteMode selects how state files reach disk.
type WriteMode string

const (
	// WriteAtomic writes a temporary sibling and rename-replaces it.
	WriteAtomic WriteMode = "atomic"
	// WriteDirect bypasses the rename for hosts where rename is unreliable.
	WriteDirect WriteMode = "direct"
)

// Store owns the state directory. At most one writer per store id is
// permitted; the scheduler enforces that discipline.
type Store struct {
	dir  string
	mode WriteMode
	log  *logger.Logger
}

// New creates a state store rooted at dir, creating it if needed.
func New(dir string, mode WriteMode, log *logger.Logger) (*Store, error) {
	if mode == "" {
		mode = WriteAtomic
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{dir: dir, mode: mode, log: log}, nil
}

func (s *Store) statePath(storeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf(".state-store-%d.json", storeID))
}

func (s *Store) backupPath(storeID int) string {
	return s.statePath(storeID) + ".bak"
}

// Exists reports whether a primary state file is present for the store.
func (s *Store) Exists(storeID int) bool {
	_, err := os.Stat(s.statePath(storeID))
	return err == nil
}

// Load returns the persisted state for a store.
//
// An absent primary returns an empty map and the backup is NOT consulted:
// absence means "never synced" and must produce a full sync, not a stale
// replay. A present-but-invalid primary falls back to the backup; if both
// fail an empty map is returned and the corruption is logged.
func (s *Store) Load(storeID int) (model.StateMap, error) {
	data, err := os.ReadFile(s.statePath(storeID))
	if errors.Is(err, os.ErrNotExist) {
		return model.StateMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for store %d: %w", storeID, err)
	}

	state, perr := parseState(data)
	if perr == nil {
		return state, nil
	}

	backup, berr := os.ReadFile(s.backupPath(storeID))
	if berr == nil {
		if state, berr = parseState(backup); berr == nil {
			s.log.Warn("primary state file invalid, recovered from backup",
				"store", storeID, "error", perr.Error())
			return state, nil
		}
	}

	s.log.Error("state and backup both unreadable, starting from empty state",
		"store", storeID, "state_error", perr.Error())
	return model.StateMap{}, nil
}

// Save persists the full state map for a store. The prior primary is
// copied to the backup path first (best effort). Failures are logged and
// returned; callers treat them as a non-fatal degradation since the next
// run re-diffs from the previous on-disk state.
func (s *Store) Save(storeID int, state model.StateMap) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for store %d: %w", storeID, err)
	}

	path := s.statePath(storeID)
	if prev, rerr := os.ReadFile(path); rerr == nil {
		if werr := os.WriteFile(s.backupPath(storeID), prev, 0o644); werr != nil {
			s.log.Warn("failed to write state backup", "store", storeID, "error", werr.Error())
		}
	}

	if err := s.writeFile(path, data); err != nil {
		s.log.Error("failed to persist state", "store", storeID, "error", err.Error())
		return err
	}
	return nil
}

// Delete removes the primary state file. The backup is left in place.
func (s *Store) Delete(storeID int) error {
	err := os.Remove(s.statePath(storeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// writeFile writes data to path honoring the configured write mode.
func (s *Store) writeFile(path string, data []byte) error {
	if s.mode == WriteDirect {
		return os.WriteFile(path, data, 0o644)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.Rename(tmp, path); err == nil {
			return nil
		}
		if !transientFSError(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	// Rename keeps failing; fall back to an in-place write so the state
	// still lands, and surface the degradation.
	if werr := os.WriteFile(path, data, 0o644); werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename failed (%v) and direct write failed: %w", err, werr)
	}
	_ = os.Remove(tmp)
	s.log.Warn("atomic rename failed, fell back to direct write", "path", path, "error", err.Error())
	return nil
}

// transientFSError reports whether a rename failure is worth retrying:
// busy/locked/permission conditions that tend to clear within milliseconds.
func transientFSError(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, os.ErrPermission)
}

// parseState decodes and schema-validates a raw state file. Every entry
// must be an object with a finite numeric quantity and a boolean enabled
// flag; price and lastSeen, when present, must be finite numbers.
func parseState(data []byte) (model.StateMap, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("state file is not a JSON object: %w", err)
	}

	state := make(model.StateMap, len(raw))
	for sku, msg := range raw {
		entry, err := parseEntry(msg)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", sku, err)
		}
		state[sku] = entry
	}
	return state, nil
}

func parseEntry(msg json.RawMessage) (model.StateEntry, error) {
	var loose struct {
		Quantity *json.Number `json:"quantity"`
		Enabled  *bool        `json:"enabled"`
		Price    *json.Number `json:"price"`
		LastSeen *json.Number `json:"lastSeen"`
		Synced   bool         `json:"syncedToMarketplace"`
	}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&loose); err != nil {
		return model.StateEntry{}, fmt.Errorf("not an object: %w", err)
	}
	if loose.Quantity == nil {
		return model.StateEntry{}, errors.New("missing quantity")
	}
	qty, err := loose.Quantity.Float64()
	if err != nil {
		return model.StateEntry{}, fmt.Errorf("quantity not numeric: %w", err)
	}
	if loose.Enabled == nil {
		return model.StateEntry{}, errors.New("missing enabled flag")
	}

	entry := model.StateEntry{
		Quantity: int(qty),
		Enabled:  *loose.Enabled,
		Synced:   loose.Synced,
	}
	if loose.Price != nil {
		if entry.Price, err = loose.Price.Float64(); err != nil {
			return model.StateEntry{}, fmt.Errorf("price not numeric: %w", err)
		}
	}
	if loose.LastSeen != nil {
		seen, err := loose.LastSeen.Float64()
		if err != nil {
			return model.StateEntry{}, fmt.Errorf("lastSeen not numeric: %w", err)
		}
		entry.LastSeen = int64(seen)
	}
	return entry, nil
}
