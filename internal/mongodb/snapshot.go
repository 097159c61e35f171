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

package mongodb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Usage sources. Runs and workspaces are historical (they carry timestamps);
// the rest describe current configuration and are always treated as in-use.
const (
	SourceRuns          = "runs"
	SourceWorkspaces    = "workspaces"
	SourceModels        = "models"
	SourceProjects      = "projects"
	SourceSchedulerJobs = "scheduler_jobs"
	SourceOrganizations = "organizations"
	SourceAppVersions   = "app_versions"
)

// ModelUsage is one active model version and the tags it pins.
type ModelUsage struct {
	ModelID       string    `json:"modelId"`
	ModelName     string    `json:"modelName"`
	VersionID     string    `json:"versionId"`
	VersionNumber int       `json:"versionNumber"`
	SlugTag       string    `json:"slugTag,omitempty"`
	RevisionTag   string    `json:"revisionTag,omitempty"`
	SagaState     string    `json:"sagaState,omitempty"`
	OwnerEmail    string    `json:"ownerEmail,omitempty"`
	Created       time.Time `json:"created"`
}

// WorkspaceUsage is one stopped/deleted workspace and every tag it touches.
type WorkspaceUsage struct {
	WorkspaceID string    `json:"workspaceId"`
	ProjectName string    `json:"projectName,omitempty"`
	OwnerEmail  string    `json:"ownerEmail,omitempty"`
	Tags        []string  `json:"tags"`
	LastChange  time.Time `json:"workspaceLastChange"`
}

// RunUsage is one execution record resolved to the concrete revision tag it
// ran on.
type RunUsage struct {
	RunID       string    `json:"runId"`
	ProjectName string    `json:"projectName,omitempty"`
	Tag         string    `json:"environmentDockerTag"`
	Started     time.Time `json:"started,omitempty"`
	Completed   time.Time `json:"completed,omitempty"`
	LastUsed    time.Time `json:"lastUsed,omitempty"`
}

// MostRecent picks the best available timestamp for recency filtering.
func (r RunUsage) MostRecent() time.Time {
	if !r.LastUsed.IsZero() {
		return r.LastUsed
	}
	if !r.Completed.IsZero() {
		return r.Completed
	}
	return r.Started
}

// ConfigUsage is one current-configuration reference (project default,
// scheduled job, organization default, app version) resolved to a tag.
type ConfigUsage struct {
	Source        string `json:"source"`
	RefID         string `json:"refId"`
	Name          string `json:"name,omitempty"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Tag           string `json:"environmentDockerTag"`
}

// Snapshot is the consolidated output of all seven usage pipelines.
type Snapshot struct {
	GeneratedAt   time.Time        `json:"generatedAt"`
	Models        []ModelUsage     `json:"models"`
	Workspaces    []WorkspaceUsage `json:"workspaces"`
	Runs          []RunUsage       `json:"runs"`
	Projects      []ConfigUsage    `json:"projects"`
	SchedulerJobs []ConfigUsage    `json:"schedulerJobs"`
	Organizations []ConfigUsage    `json:"organizations"`
	AppVersions   []ConfigUsage    `json:"appVersions"`
}

// FreshWithin reports whether the snapshot is younger than maxAge.
func (s *Snapshot) FreshWithin(maxAge time.Duration) bool {
	if s == nil || s.GeneratedAt.IsZero() {
		return false
	}
	return time.Since(s.GeneratedAt) <= maxAge
}

// SaveSnapshot atomically replaces the snapshot file.
func SaveSnapshot(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path. When the exact path is absent it
// falls back to the most recent timestamped variant next to it, e.g.
// "usage-report-20240611T020500.json" for "usage-report.json".
func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		variant, verr := newestVariant(path)
		if verr != nil || variant == "" {
			return nil, nil
		}
		b, err = os.ReadFile(variant)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return &s, nil
}

func newestVariant(path string) (string, error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+filepath.Ext(path)))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, ierr := os.Stat(matches[i])
		fj, jerr := os.Stat(matches[j])
		if ierr != nil || jerr != nil {
			return matches[i] > matches[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return matches[0], nil
}
