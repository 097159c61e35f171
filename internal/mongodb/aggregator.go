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
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

// someRevisionRe parses the "SomeRevision(<id>)" revision-spec form.
var someRevisionRe = regexp.MustCompile(`^SomeRevision\(([0-9a-fA-F]{24})\)$`)

// ParseRevisionSpec interprets an execution's revision spec string. It
// returns the explicit revision ID when the spec names one, or active=true
// for the "ActiveRevision" form.
func ParseRevisionSpec(spec string) (id string, active bool) {
	if spec == "ActiveRevision" {
		return "", true
	}
	if m := someRevisionRe.FindStringSubmatch(spec); m != nil {
		return m[1], false
	}
	return "", false
}

// Aggregator runs the seven usage pipelines and maintains the consolidated
// snapshot file. Pipelines are read-only; re-running them is always safe.
type Aggregator struct {
	db     Database
	path   string
	maxAge time.Duration
}

// NewAggregator writes snapshots to path and re-runs pipelines when the
// stored snapshot is older than maxAge.
func NewAggregator(db Database, path string, maxAge time.Duration) *Aggregator {
	return &Aggregator{db: db, path: path, maxAge: maxAge}
}

// EnsureFresh returns a snapshot no older than the freshness window,
// re-running the pipelines when the stored one is stale or missing.
func (a *Aggregator) EnsureFresh(ctx context.Context) (*Snapshot, error) {
	s, err := LoadSnapshot(a.path)
	if err != nil {
		logrus.Warnf("Stored usage snapshot unreadable, regenerating: %v", err)
	}
	if s.FreshWithin(a.maxAge) {
		logrus.Debugf("Usage snapshot from %s is fresh", s.GeneratedAt.Format(time.RFC3339))
		return s, nil
	}
	return a.Run(ctx)
}

// Run executes every pipeline, resolves environment references to concrete
// tags, and persists the consolidated snapshot.
func (a *Aggregator) Run(ctx context.Context) (*Snapshot, error) {
	logrus.Info("Running usage aggregation pipelines")
	start := time.Now()

	envs, revs, err := a.loadEnvironmentIndex(ctx)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{GeneratedAt: time.Now().UTC()}

	// Pipelines hit disjoint collections and fill disjoint snapshot fields,
	// so they can run concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Models, err = a.aggregateModels(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.Workspaces, err = a.aggregateWorkspaces(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.Runs, err = a.aggregateRuns(gctx, envs, revs)
		return err
	})
	g.Go(func() (err error) {
		s.Projects, err = a.aggregateConfig(gctx, SourceProjects, CollProjects, ProjectsPipeline(), envs, revs)
		return err
	})
	g.Go(func() (err error) {
		s.SchedulerJobs, err = a.aggregateConfig(gctx, SourceSchedulerJobs, CollSchedulerJobs, SchedulerJobsPipeline(), envs, revs)
		return err
	})
	g.Go(func() (err error) {
		s.Organizations, err = a.aggregateConfig(gctx, SourceOrganizations, CollOrganizations, OrganizationsPipeline(), envs, revs)
		return err
	})
	g.Go(func() (err error) {
		s.AppVersions, err = a.aggregateConfig(gctx, SourceAppVersions, CollAppVersions, AppVersionsPipeline(), envs, revs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := SaveSnapshot(a.path, s); err != nil {
		return nil, err
	}

	logrus.Infof("Usage aggregation finished in %s: %d models, %d workspaces, %d runs",
		time.Since(start).Round(time.Millisecond), len(s.Models), len(s.Workspaces), len(s.Runs))
	return s, nil
}

// loadEnvironmentIndex fetches the environment and revision maps used to
// resolve revision specs and active revisions to tags.
func (a *Aggregator) loadEnvironmentIndex(
	ctx context.Context,
) (map[string]Environment, map[string]Revision, error) {
	var envDocs []Environment
	if err := a.db.Find(ctx, CollEnvironments, bson.M{}, nil, &envDocs); err != nil {
		return nil, nil, fmt.Errorf("loading environments: %w", err)
	}
	var revDocs []Revision
	if err := a.db.Find(ctx, CollRevisions, bson.M{}, nil, &revDocs); err != nil {
		return nil, nil, fmt.Errorf("loading environment revisions: %w", err)
	}

	envs := make(map[string]Environment, len(envDocs))
	for _, e := range envDocs {
		envs[e.ID.Hex()] = e
	}
	revs := make(map[string]Revision, len(revDocs))
	for _, r := range revDocs {
		revs[r.ID.Hex()] = r
	}
	return envs, revs, nil
}

func (a *Aggregator) aggregateModels(ctx context.Context) ([]ModelUsage, error) {
	var rows []modelUsageRow
	if err := a.db.Aggregate(ctx, CollModels, ModelsPipeline(), &rows); err != nil {
		return nil, err
	}

	out := make([]ModelUsage, 0, len(rows))
	for _, row := range rows {
		usage := ModelUsage{
			ModelID:       row.ModelID.Hex(),
			ModelName:     row.ModelName,
			VersionID:     row.VersionID.Hex(),
			VersionNumber: row.Number,
			RevisionTag:   row.RevisionTag,
			SagaState:     row.SagaState,
			OwnerEmail:    row.OwnerEmail,
			Created:       row.Created,
		}
		usage.SlugTag = (ModelVersion{Metadata: ModelVersionMetadata{Builds: row.Builds}}).SlugTag()
		out = append(out, usage)
	}
	return out, nil
}

func (a *Aggregator) aggregateWorkspaces(ctx context.Context) ([]WorkspaceUsage, error) {
	var rows []workspaceUsageRow
	if err := a.db.Aggregate(ctx, CollWorkspace, WorkspacePipeline(), &rows); err != nil {
		return nil, err
	}

	out := make([]WorkspaceUsage, 0, len(rows))
	for _, row := range rows {
		out = append(out, WorkspaceUsage{
			WorkspaceID: row.WorkspaceID.Hex(),
			ProjectName: row.ProjectName,
			OwnerEmail:  row.OwnerEmail,
			Tags:        row.Tags,
			LastChange:  row.LastChange,
		})
	}
	return out, nil
}

func (a *Aggregator) aggregateRuns(
	ctx context.Context,
	envs map[string]Environment,
	revs map[string]Revision,
) ([]RunUsage, error) {
	var rows []runUsageRow
	if err := a.db.Aggregate(ctx, CollRuns, RunsPipeline(), &rows); err != nil {
		return nil, err
	}

	out := make([]RunUsage, 0, len(rows))
	for _, row := range rows {
		tag := a.resolveRevisionTag(row.EnvironmentID, row.RevisionID, row.RevisionSpec, envs, revs)
		if tag == "" {
			continue
		}
		out = append(out, RunUsage{
			RunID:       row.RunID.Hex(),
			ProjectName: row.ProjectName,
			Tag:         tag,
			Started:     row.Started,
			Completed:   row.Completed,
			LastUsed:    row.LastUsed,
		})
	}
	return out, nil
}

func (a *Aggregator) aggregateConfig(
	ctx context.Context,
	source, collection string,
	pipeline mongo.Pipeline,
	envs map[string]Environment,
	revs map[string]Revision,
) ([]ConfigUsage, error) {
	var rows []environmentRefRow
	if err := a.db.Aggregate(ctx, collection, pipeline, &rows); err != nil {
		return nil, err
	}

	out := make([]ConfigUsage, 0, len(rows))
	for _, row := range rows {
		usage := ConfigUsage{
			Source: source,
			RefID:  row.RefID.Hex(),
			Name:   row.Name,
			Tag:    a.resolveRevisionTag(row.EnvironmentID, nil, row.RevisionSpec, envs, revs),
		}
		if row.EnvironmentID != nil {
			usage.EnvironmentID = row.EnvironmentID.Hex()
		}
		// An environment reference pins the environment even when no tag
		// resolves, e.g. the environment has no active revision yet. Drop a
		// row only when it carries neither a tag nor an environment ID.
		if usage.Tag == "" && usage.EnvironmentID == "" {
			continue
		}
		out = append(out, usage)
	}
	return out, nil
}

// resolveRevisionTag resolves an environment/revision reference to the
// concrete image tag it pins: explicit revision first, then a parsed
// revision spec, then the environment's active revision.
func (a *Aggregator) resolveRevisionTag(
	envID, revID *primitive.ObjectID,
	revisionSpec string,
	envs map[string]Environment,
	revs map[string]Revision,
) string {
	if revID != nil {
		if rev, ok := revs[revID.Hex()]; ok {
			return rev.DockerTag()
		}
		return revID.Hex()
	}

	if specID, active := ParseRevisionSpec(revisionSpec); specID != "" {
		if rev, ok := revs[specID]; ok {
			return rev.DockerTag()
		}
		return specID
	} else if active && envID == nil {
		return ""
	}

	if envID == nil {
		return ""
	}
	env, ok := envs[envID.Hex()]
	if !ok || env.ActiveRevisionID == nil {
		return ""
	}
	if rev, ok := revs[env.ActiveRevisionID.Hex()]; ok {
		return rev.DockerTag()
	}
	return env.ActiveRevisionID.Hex()
}
