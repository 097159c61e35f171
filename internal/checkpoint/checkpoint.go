/*
Copyright 2024 Domino Data Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package checkpoint persists per-operation progress so long apply runs can
// resume after a crash or interrupt.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/container"
)

// Checkpoint records which opaque item identifiers a run has finished with.
// Once an item lands in Completed it never leaves across retries.
type Checkpoint struct {
	Completed container.Set[string]
	Failed    container.Set[string]
	Skipped   container.Set[string]
	Total     int
	Metadata  map[string]string
}

// New returns an empty checkpoint for a run over total items.
func New(total int) *Checkpoint {
	return &Checkpoint{
		Completed: container.NewSet[string](),
		Failed:    container.NewSet[string](),
		Skipped:   container.NewSet[string](),
		Total:     total,
		Metadata:  make(map[string]string),
	}
}

// Processed is the number of items in any terminal state.
func (c *Checkpoint) Processed() int {
	return len(c.Completed) + len(c.Failed) + len(c.Skipped)
}

// Remaining filters ids down to those not yet in a terminal state.
func (c *Checkpoint) Remaining(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.Completed.Has(id) || c.Failed.Has(id) || c.Skipped.Has(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// fileCheckpoint is the serialized form; sets become sorted slices.
type fileCheckpoint struct {
	CompletedItems []string          `json:"completedItems"`
	FailedItems    []string          `json:"failedItems"`
	SkippedItems   []string          `json:"skippedItems"`
	TotalItems     int               `json:"totalItems"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Store is a durable checkpoint directory keyed by (operation kind, run id).
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(kind, id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.checkpoint.json", kind, id))
}

// Load returns the stored checkpoint, or nil when none exists. A corrupt
// checkpoint is a warning, not an error: the run proceeds without resume.
func (s *Store) Load(kind, id string) (*Checkpoint, error) {
	b, err := os.ReadFile(s.path(kind, id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s/%s: %w", kind, id, err)
	}

	var f fileCheckpoint
	if err := json.Unmarshal(b, &f); err != nil {
		logrus.Warnf("Checkpoint %s/%s is corrupt, ignoring it: %v", kind, id, err)
		return nil, nil
	}

	cp := New(f.TotalItems)
	cp.Completed = container.NewSet(f.CompletedItems...)
	cp.Failed = container.NewSet(f.FailedItems...)
	cp.Skipped = container.NewSet(f.SkippedItems...)
	if f.Metadata != nil {
		cp.Metadata = f.Metadata
	}
	return cp, nil
}

// Save atomically replaces the stored checkpoint: write to a temp file in the
// same directory, fsync, then rename over the destination.
func (s *Store) Save(kind, id string, cp *Checkpoint) error {
	f := fileCheckpoint{
		CompletedItems: container.SortedStrings(cp.Completed),
		FailedItems:    container.SortedStrings(cp.Failed),
		SkippedItems:   container.SortedStrings(cp.Skipped),
		TotalItems:     cp.Total,
		Metadata:       cp.Metadata,
		UpdatedAt:      time.Now().UTC(),
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".%s-%s-*", kind, id))
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(kind, id)); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint after a clean completion.
func (s *Store) Delete(kind, id string) error {
	err := os.Remove(s.path(kind, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
