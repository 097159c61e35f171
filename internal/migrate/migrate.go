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

// Package migrate copies registry repositories to a new registry and
// optionally rewrites the repository prefixes recorded in MongoDB. Copies
// run sequentially within a repository; each repository is checkpointed as a
// unit so a resumed run skips completed ones.
package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/checkpoint"
	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/registry"
	"github.com/dominodatalab/registry-janitor/internal/tags"
)

// operationKind labels migration checkpoints.
const operationKind = "migrate"

// Registry is the slice of the registry client the migrator needs.
type Registry interface {
	ListTags(ctx context.Context, repo string) ([]string, error)
	Copy(ctx context.Context, srcRepo, tag, destRef string, opts registry.CopyOptions) error
}

// ArchiveFilter restricts migration to one side of the archive divide.
type ArchiveFilter int

const (
	// FilterNone migrates every discovered tag.
	FilterNone ArchiveFilter = iota
	// FilterUnarchived keeps tags of non-archived environments and models.
	FilterUnarchived
	// FilterArchived keeps tags of archived environments and models.
	FilterArchived
)

// Options configures one migration run.
type Options struct {
	OperationID string
	Resume      bool

	// Repos overrides discovery with an explicit repository list.
	Repos []string
	// BaseRepo is the discovery root when Repos is empty.
	BaseRepo string

	Filter ArchiveFilter

	// Destination registry.
	DestHost     string
	DestAuth     authn.Authenticator
	DestInsecure bool

	// RewritePrefix enables the MongoDB repository-prefix rewrite after
	// copying, mapping "<old>…" to "<RewritePrefix>/<old>…".
	RewritePrefix string
}

// CopyOutcome is the result for one tag.
type CopyOutcome struct {
	Tag   string `json:"tag"`
	Error string `json:"error,omitempty"`
}

// RepoResult groups copy outcomes per repository.
type RepoResult struct {
	Repository string        `json:"repository"`
	Copied     int           `json:"copied"`
	Failed     int           `json:"failed"`
	Skipped    bool          `json:"skippedByCheckpoint,omitempty"`
	Outcomes   []CopyOutcome `json:"outcomes,omitempty"`
}

// Result is the outcome of a migration run.
type Result struct {
	OperationID   string                 `json:"operationId"`
	Repos         []RepoResult           `json:"repositories"`
	TagsCopied    int                    `json:"tagsCopied"`
	TagsFailed    int                    `json:"tagsFailed"`
	MongoRewrites *mongodb.RewriteResult `json:"mongoRewrites,omitempty"`
}

// Migrator copies repositories between registries.
type Migrator struct {
	registry    Registry
	store       *mongodb.Store
	checkpoints *checkpoint.Store
	opts        Options
}

// New wires a Migrator. store may be nil when neither archive filtering nor
// prefix rewriting is requested.
func New(reg Registry, store *mongodb.Store, checkpoints *checkpoint.Store, opts Options) *Migrator {
	return &Migrator{registry: reg, store: store, checkpoints: checkpoints, opts: opts}
}

// Discover returns the repositories to migrate: the explicit list when
// given, otherwise the base repository plus its two conventional
// sub-repositories, keeping only those that answer with at least one tag.
func (m *Migrator) Discover(ctx context.Context) ([]string, error) {
	if len(m.opts.Repos) > 0 {
		return m.opts.Repos, nil
	}

	conventional := []string{
		m.opts.BaseRepo,
		images.RepositoryFor(m.opts.BaseRepo, images.TypeEnvironment),
		images.RepositoryFor(m.opts.BaseRepo, images.TypeModel),
	}
	var out []string
	for _, repo := range conventional {
		if repo == "" {
			continue
		}
		tagList, err := m.registry.ListTags(ctx, repo)
		if err != nil {
			if registry.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("probing repository %s: %w", repo, err)
		}
		if len(tagList) > 0 {
			out = append(out, repo)
		}
	}
	return out, nil
}

// Run discovers, filters, copies, and optionally rewrites.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{OperationID: m.opts.OperationID}

	repos, err := m.Discover(ctx)
	if err != nil {
		return res, err
	}
	if len(repos) == 0 {
		logrus.Warn("No repositories discovered, nothing to migrate")
		return res, nil
	}
	logrus.Infof("Migrating %d repositories to %s", len(repos), m.opts.DestHost)

	allowed, err := m.allowedTags(ctx)
	if err != nil {
		return res, err
	}

	cp, err := m.loadOrCreateCheckpoint(len(repos))
	if err != nil {
		return res, err
	}

	for _, repo := range repos {
		if cp.Completed.Has(repo) {
			logrus.Infof("Skipping repository %s: already completed", repo)
			res.Repos = append(res.Repos, RepoResult{Repository: repo, Skipped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}

		rr, err := m.migrateRepo(ctx, repo, allowed)
		res.Repos = append(res.Repos, *rr)
		res.TagsCopied += rr.Copied
		res.TagsFailed += rr.Failed
		if err != nil {
			cp.Failed.Insert(repo)
		} else {
			cp.Completed.Insert(repo)
		}
		if serr := m.checkpoints.Save(operationKind, m.opts.OperationID, cp); serr != nil {
			logrus.Warnf("Saving migration checkpoint: %v", serr)
		}
	}

	if m.opts.RewritePrefix != "" && res.TagsFailed == 0 && ctx.Err() == nil {
		rewrites, err := m.store.RewriteRepositoryPrefixes(ctx, m.opts.BaseRepo, m.opts.RewritePrefix)
		if err != nil {
			return res, fmt.Errorf("rewriting MongoDB repository prefixes: %w", err)
		}
		res.MongoRewrites = rewrites
	}

	if cp.Processed() >= cp.Total && res.TagsFailed == 0 {
		if err := m.checkpoints.Delete(operationKind, m.opts.OperationID); err != nil {
			logrus.Warnf("Removing completed checkpoint: %v", err)
		}
	}
	return res, ctx.Err()
}

func (m *Migrator) loadOrCreateCheckpoint(total int) (*checkpoint.Checkpoint, error) {
	if m.opts.Resume {
		cp, err := m.checkpoints.Load(operationKind, m.opts.OperationID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return cp, nil
		}
		logrus.Warnf("No migration checkpoint for %s, starting fresh", m.opts.OperationID)
	}
	return checkpoint.New(total), nil
}

// allowedTags builds the tag allow-set for the configured archive filter, or
// nil for no filtering.
func (m *Migrator) allowedTags(ctx context.Context) (container.Set[string], error) {
	if m.opts.Filter == FilterNone {
		return nil, nil
	}
	archived := m.opts.Filter == FilterArchived

	envs, err := m.store.Environments(ctx, &archived)
	if err != nil {
		return nil, fmt.Errorf("loading environments: %w", err)
	}
	models, err := m.store.Models(ctx, &archived)
	if err != nil {
		return nil, fmt.Errorf("loading models: %w", err)
	}

	envIDs := container.NewSet[string]()
	for _, e := range envs {
		envIDs.Insert(e.ID.Hex())
	}
	modelIDs := container.NewSet[string]()
	for _, mo := range models {
		modelIDs.Insert(mo.ID.Hex())
	}

	allowed := container.NewSet[string]()
	revisions, err := m.store.Revisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}
	for _, rev := range revisions {
		if envIDs.Has(rev.EnvironmentID.Hex()) {
			allowed.Insert(rev.DockerTag())
			allowed.Insert(rev.ID.Hex())
		}
	}
	versions, err := m.store.ModelVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading model versions: %w", err)
	}
	for _, ver := range versions {
		if modelIDs.Has(ver.ModelID.Value.Hex()) {
			if slug := ver.SlugTag(); slug != "" {
				allowed.Insert(slug)
			}
			allowed.Insert(ver.ID.Hex())
		}
	}
	return allowed, nil
}

// tagAllowed checks a discovered tag against the allow-set, accepting
// extended forms of allowed tags ("<allowed>-<suffix>").
func tagAllowed(tag string, allowed container.Set[string]) bool {
	if allowed == nil {
		return true
	}
	if allowed.Has(tag) {
		return true
	}
	if id, ok := tags.ObjectIDPrefix(tag); ok && allowed.Has(id) {
		return true
	}
	for a := range allowed {
		if tags.Extends(tag, a) {
			return true
		}
	}
	return false
}

// migrateRepo copies one repository's tags sequentially.
func (m *Migrator) migrateRepo(ctx context.Context, repo string, allowed container.Set[string]) (*RepoResult, error) {
	rr := &RepoResult{Repository: repo}

	tagList, err := m.registry.ListTags(ctx, repo)
	if err != nil {
		return rr, fmt.Errorf("listing tags for %s: %w", repo, err)
	}

	var selected []string
	for _, tag := range tagList {
		if tag == images.BuildCacheTag || !tagAllowed(tag, allowed) {
			continue
		}
		selected = append(selected, tag)
	}
	logrus.Infof("Copying %d of %d tags from %s", len(selected), len(tagList), repo)

	var firstErr error
	for _, tag := range selected {
		if err := ctx.Err(); err != nil {
			return rr, err
		}
		destRef := fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(m.opts.DestHost, "/"), repo, tag)
		err := m.registry.Copy(ctx, repo, tag, destRef, registry.CopyOptions{
			DestAuth:     m.opts.DestAuth,
			DestInsecure: m.opts.DestInsecure,
		})
		if err != nil {
			rr.Failed++
			rr.Outcomes = append(rr.Outcomes, CopyOutcome{Tag: tag, Error: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			logrus.Warnf("Copy failed for %s:%s: %v", repo, tag, err)
			continue
		}
		rr.Copied++
		rr.Outcomes = append(rr.Outcomes, CopyOutcome{Tag: tag})
	}
	return rr, firstErr
}

// DestAuthenticator builds destination credentials from either a basic
// "user:pass" string or a bearer token.
func DestAuthenticator(basic, token string) (authn.Authenticator, error) {
	switch {
	case basic != "" && token != "":
		return nil, fmt.Errorf("destination basic auth and token are mutually exclusive")
	case basic != "":
		user, pass, found := strings.Cut(basic, ":")
		if !found {
			return nil, fmt.Errorf("destination auth must be user:password")
		}
		return authn.FromConfig(authn.AuthConfig{Username: user, Password: pass}), nil
	case token != "":
		return authn.FromConfig(authn.AuthConfig{RegistryToken: token}), nil
	}
	return nil, nil
}
