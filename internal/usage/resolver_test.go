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

package usage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/registry-janitor/internal/mongodb"
)

const (
	revID   = "62a1b2c3d4e5f6a7b8c9d0e1"
	modelID = "64ffeeddccbbaa9988776655"
	envID   = "507f1f77bcf86cd799439011"
)

func daysAgo(n int) time.Time {
	return time.Now().Add(-time.Duration(n) * 24 * time.Hour)
}

func TestResolveHistoricalCounts(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Runs: []mongodb.RunUsage{
			{RunID: "r1", Tag: revID, Completed: daysAgo(3)},
			{RunID: "r2", Tag: revID, Completed: daysAgo(100)},
		},
		Workspaces: []mongodb.WorkspaceUsage{
			{WorkspaceID: "w1", Tags: []string{revID}, LastChange: daysAgo(10)},
		},
	})

	rec := r.Resolve(revID, 0)
	require.Equal(t, 2, rec.RunsCount)
	require.Equal(t, 1, rec.WorkspacesCount)
	require.True(t, rec.InUse)
	require.Equal(t, "2 runs, 1 workspace", rec.Summary)
}

func TestResolveRecencyWindow(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Runs: []mongodb.RunUsage{
			{RunID: "r1", Tag: revID, Completed: daysAgo(45)},
		},
	})

	// Any history counts with no window.
	require.True(t, r.Resolve(revID, 0).InUse)
	// Inside the window.
	require.True(t, r.Resolve(revID, 60).InUse)
	// Outside the window the history exists but the verdict flips.
	rec := r.Resolve(revID, 30)
	require.False(t, rec.InUse)
	require.Equal(t, 1, rec.RunsCount, "aged-out usage facts are kept, only the verdict changes")
}

func TestResolveConfigSourcesIgnoreRecency(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Projects: []mongodb.ConfigUsage{
			{Source: mongodb.SourceProjects, RefID: "p1", Tag: revID},
		},
	})

	rec := r.Resolve(revID, 1)
	require.True(t, rec.InUse, "configuration references have no timestamps and always count")
	require.Equal(t, "1 project default", rec.Summary)
}

func TestResolvePrefixFallback(t *testing.T) {
	// The snapshot recorded the short slug form; the registry carries the
	// timestamped variant.
	short := modelID + "-v2"
	long := modelID + "-v2-1699999999_ab12cd"

	r := NewResolver(&mongodb.Snapshot{
		Models: []mongodb.ModelUsage{
			{ModelID: modelID, VersionID: "v1", SlugTag: short, Created: daysAgo(5)},
		},
	})

	rec := r.Resolve(long, 0)
	require.True(t, rec.InUse)
	require.Equal(t, 1, rec.ModelsCount)

	// A different version suffix under the same model must not inherit.
	rec = r.Resolve(modelID+"-v3", 0)
	require.False(t, rec.InUse)
}

func TestResolveUnknownTag(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{})

	rec := r.Resolve("latest", 0)
	require.False(t, rec.InUse)
	require.Contains(t, rec.Summary, "no usage found")
	require.Contains(t, rec.Summary, "runs")
	require.Contains(t, rec.Summary, "app versions")
}

func TestResolveNilSnapshot(t *testing.T) {
	r := NewResolver(nil)
	require.False(t, r.Resolve(revID, 0).InUse)
}

func TestExampleCapKeepsNewest(t *testing.T) {
	snap := &mongodb.Snapshot{}
	for i := 0; i < 8; i++ {
		snap.Runs = append(snap.Runs, mongodb.RunUsage{
			RunID:     fmt.Sprintf("r%d", i),
			Tag:       revID,
			Completed: daysAgo(i + 1),
		})
	}
	r := NewResolver(snap)

	rec := r.Resolve(revID, 0)
	require.Equal(t, 8, rec.RunsCount)
	require.Len(t, rec.Runs, MaxExamples)
	require.Equal(t, "r0", rec.Runs[0].RunID, "examples must keep the most recent entries")
}

func TestReferencedEnvironmentIDs(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Projects: []mongodb.ConfigUsage{
			{Source: mongodb.SourceProjects, RefID: "p1", EnvironmentID: envID},
		},
	})

	require.True(t, r.ReferencedEnvironmentIDs().Has(envID))
}

func TestUsedObjectIDs(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Runs: []mongodb.RunUsage{
			{RunID: "r1", Tag: revID, Completed: daysAgo(1)},
			{RunID: "r2", Tag: "latest", Completed: daysAgo(1)},
		},
	})

	ids := r.UsedObjectIDs()
	require.True(t, ids.Has(revID))
	require.Equal(t, 1, len(ids), "tags without a leading ObjectID contribute no IDs")
}

func TestSummaryPluralization(t *testing.T) {
	r := NewResolver(&mongodb.Snapshot{
		Runs: []mongodb.RunUsage{{RunID: "r1", Tag: revID, Completed: daysAgo(1)}},
		Workspaces: []mongodb.WorkspaceUsage{
			{WorkspaceID: "w1", Tags: []string{revID}, LastChange: daysAgo(1)},
			{WorkspaceID: "w2", Tags: []string{revID}, LastChange: daysAgo(2)},
		},
	})

	require.Equal(t, "1 run, 2 workspaces", r.Resolve(revID, 0).Summary)
}
