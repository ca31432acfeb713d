// Package persistence implements crash-safe snapshotting of in-flight
// workflow handles, so an agent restart (or an install step that itself
// required the agent restart) can resume a deployment instead of losing
// it. Snapshots are written temp-then-rename, the same discipline
// pkg/registry uses for its descriptors, so a reader never observes a
// half-written file.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"duagent/pkg/manifest"
	"duagent/pkg/workflow"
)

// Snapshot is the on-disk shape of one handle's durable state: enough to
// reconstruct a workflow.Handle and the statemachine.State/Step it was in
// without replaying the original twin payload.
type Snapshot struct {
	ID             string                  `json:"id"`
	RetryTimestamp string                  `json:"retryTimestamp"`
	State          int                     `json:"state"`
	CurrentStep    int                     `json:"currentStep"`
	Action         *manifest.UpdateAction  `json:"action"`
	Manifest       *manifest.UpdateManifest `json:"manifest"`
	Result         workflow.Result         `json:"result"`
	ForceUpdate    bool                    `json:"forceUpdate"`
}

// Store persists and restores Snapshots under a root directory on fs, one
// file per root handle, named by a sanitized form of its id.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a Store rooted at root on fs.
func New(fs afero.Fs, root string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, root: filepath.Clean(root)}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, sanitizeFileName(id)+".json")
}

// Save writes snap to disk atomically: the new content lands in a
// temporary file first, then replaces the previous snapshot via rename,
// so a crash mid-write never corrupts the last known-good state.
func (s *Store) Save(snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("persistence: snapshot has no id")
	}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	target := s.path(snap.ID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		return fmt.Errorf("persistence: rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads back the snapshot for id, if one exists.
func (s *Store) Load(id string) (Snapshot, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("persistence: corrupt snapshot for %q: %w", id, err)
	}
	return snap, true, nil
}

// Delete removes a handle's snapshot once its terminal result has been
// reported and it has been retired from the Workflow Tree.
func (s *Store) Delete(id string) error {
	err := s.fs.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("persistence: delete snapshot for %q: %w", id, err)
	}
	return nil
}

// LoadAll restores every snapshot found under root, sorted by id, for
// agent-startup resumption.
func (s *Store) LoadAll() ([]Snapshot, error) {
	exists, err := afero.DirExists(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("persistence: check root: %w", err)
	}
	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("persistence: read root: %w", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.root, e.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil && snap.ID != "" {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, nil
}

func sanitizeFileName(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
