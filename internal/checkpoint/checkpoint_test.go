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

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.Nil(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cp := New(5)
	cp.Completed.Insert("env:a")
	cp.Completed.Insert("env:b")
	cp.Failed.Insert("model:c")
	cp.Skipped.Insert("env:d")
	cp.Metadata["baseRepo"] = "domino"

	require.Nil(t, s.Save("cleanup-archived", "op1", cp))

	got, err := s.Load("cleanup-archived", "op1")
	require.Nil(t, err)
	require.NotNil(t, got)
	require.Equal(t, 5, got.Total)
	require.True(t, got.Completed.Has("env:a"))
	require.True(t, got.Completed.Has("env:b"))
	require.True(t, got.Failed.Has("model:c"))
	require.True(t, got.Skipped.Has("env:d"))
	require.Equal(t, "domino", got.Metadata["baseRepo"])
	require.Equal(t, 4, got.Processed())
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Load("cleanup-archived", "nope")
	require.Nil(t, err)
	require.Nil(t, got)
}

func TestLoadCorruptReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.Nil(t, err)

	require.Nil(t, os.WriteFile(
		filepath.Join(dir, "migrate-op2.checkpoint.json"), []byte("{not json"), 0o644))

	got, err := s.Load("migrate", "op2")
	require.Nil(t, err, "a corrupt checkpoint must not fail the run")
	require.Nil(t, got)
}

func TestRemaining(t *testing.T) {
	cp := New(4)
	cp.Completed.Insert("a")
	cp.Failed.Insert("b")
	cp.Skipped.Insert("c")

	require.Equal(t, []string{"d"}, cp.Remaining([]string{"a", "b", "c", "d"}))
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)

	cp := New(2)
	cp.Completed.Insert("a")
	require.Nil(t, s.Save("migrate", "op3", cp))

	cp.Completed.Insert("b")
	require.Nil(t, s.Save("migrate", "op3", cp))

	got, err := s.Load("migrate", "op3")
	require.Nil(t, err)
	require.Equal(t, 2, len(got.Completed))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	cp := New(1)
	require.Nil(t, s.Save("migrate", "op4", cp))
	require.Nil(t, s.Delete("migrate", "op4"))

	got, err := s.Load("migrate", "op4")
	require.Nil(t, err)
	require.Nil(t, got)

	// Deleting again is a noop.
	require.Nil(t, s.Delete("migrate", "op4"))
}
