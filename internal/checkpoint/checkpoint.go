// Package checkpoint persists per-request snapshots as one JSON file per
// request, with a W-TinyLFU read cache in front of the filesystem.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	guardian "github.com/llm-guardian/guardian/internal"
)

// cacheSize bounds the read cache entry count.
const cacheSize = 1024

// Store writes and reads request snapshots under a single directory. Files
// are keyed by request ID and overwritten on stage transitions.
type Store struct {
	dir   string
	cache *otter.Cache[string, guardian.Snapshot]

	now func() time.Time
}

// NewStore creates the storage directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	cache, err := otter.New[string, guardian.Snapshot](&otter.Options[string, guardian.Snapshot]{
		MaximumSize: cacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint cache: %w", err)
	}
	return &Store{dir: dir, cache: cache, now: time.Now}, nil
}

// path returns the snapshot file path for a request ID.
func (s *Store) path(requestID string) string {
	return filepath.Join(s.dir, requestID+".json")
}

// Save writes a snapshot for the request at the given stage, replacing any
// previous snapshot. The write goes through a temp file and rename so a
// crash never leaves a torn checkpoint.
func (s *Store) Save(reqCtx *guardian.RequestContext, stage string, data map[string]string) (*guardian.Snapshot, error) {
	checkpointData := map[string]string{"stage": stage}
	for k, v := range data {
		checkpointData[k] = v
	}
	snap := guardian.Snapshot{
		SnapshotID:     reqCtx.RequestID,
		RequestContext: reqCtx,
		CheckpointData: checkpointData,
		Timestamp:      s.now().UTC(),
	}

	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", guardian.ErrCheckpointSave, err)
	}

	path := s.path(reqCtx.RequestID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", guardian.ErrCheckpointSave, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %v", guardian.ErrCheckpointSave, err)
	}

	s.cache.Set(reqCtx.RequestID, snap)
	return &snap, nil
}

// Load reads the snapshot for a request, serving from the cache when
// possible.
func (s *Store) Load(requestID string) (*guardian.Snapshot, error) {
	if snap, ok := s.cache.GetIfPresent(requestID); ok {
		return &snap, nil
	}

	buf, err := os.ReadFile(s.path(requestID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", guardian.ErrCheckpointNotFound, requestID)
		}
		return nil, fmt.Errorf("%w: %v", guardian.ErrCheckpointLoad, err)
	}

	var snap guardian.Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", guardian.ErrCheckpointLoad, err)
	}
	s.cache.Set(requestID, snap)
	return &snap, nil
}

// Delete removes a snapshot. Deleting a missing snapshot is not an error.
func (s *Store) Delete(requestID string) error {
	s.cache.Invalidate(requestID)
	if err := os.Remove(s.path(requestID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Stage returns the stage recorded in a snapshot's checkpoint data.
func Stage(snap *guardian.Snapshot) string {
	if snap == nil {
		return ""
	}
	return snap.CheckpointData["stage"]
}

// Sweep removes completed snapshots older than the retention window and
// returns how many were deleted. Snapshots in earlier stages are kept for
// inspection regardless of age.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}

	cutoff := s.now().UTC().Add(-retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		requestID := strings.TrimSuffix(name, ".json")
		snap, err := s.Load(requestID)
		if err != nil {
			continue
		}
		if Stage(snap) != guardian.StageCompleted || snap.Timestamp.After(cutoff) {
			continue
		}
		if err := s.Delete(requestID); err == nil {
			removed++
		}
	}
	return removed, nil
}
