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

// Package candidates builds deletion candidate lists from MongoDB state and
// the registry's current tag universe. Four scenarios exist: archived
// records, unused environments, environments owned by deactivated users, and
// orphaned MongoDB image references.
package candidates

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/tags"
	"github.com/dominodatalab/registry-janitor/internal/usage"
)

// Candidate is one registry tag proposed for deletion together with the
// MongoDB record it belongs to.
type Candidate struct {
	ObjectID   string            `json:"objectId"`
	RecordType images.RecordType `json:"recordType"`
	ImageType  images.Type       `json:"imageType"`
	Tag        string            `json:"tag"`
	FullImage  string            `json:"fullImage"`

	// EnvironmentID is the parent environment for revision candidates.
	EnvironmentID string `json:"environmentId,omitempty"`
	// ClonedFromID is the revision this one was cloned from, when set.
	ClonedFromID string `json:"clonedFromId,omitempty"`
	// OwnerEmail is set for deactivated-owner candidates.
	OwnerEmail string `json:"ownerEmail,omitempty"`
}

// Orphan is a MongoDB image reference whose tag no longer exists in the
// registry.
type Orphan struct {
	Collection string            `json:"collection"`
	ObjectID   string            `json:"objectId"`
	RecordType images.RecordType `json:"recordType"`
	ImageType  images.Type       `json:"imageType"`
	Repository string            `json:"repository"`
	Tag        string            `json:"tag"`
}

// TagLister is the slice of the registry client the selector needs.
type TagLister interface {
	ListTags(ctx context.Context, repository string) ([]string, error)
}

// Selector builds candidate lists.
type Selector struct {
	store    *mongodb.Store
	registry TagLister

	registryHost string
	baseRepo     string
}

// NewSelector wires the selector to its data sources. registryHost and
// baseRepo are used only to render full image references.
func NewSelector(store *mongodb.Store, registry TagLister, registryHost, baseRepo string) *Selector {
	return &Selector{
		store:        store,
		registry:     registry,
		registryHost: registryHost,
		baseRepo:     baseRepo,
	}
}

func (s *Selector) fullImage(t images.Type, tag string) string {
	return fmt.Sprintf("%s/%s:%s", s.registryHost, images.RepositoryFor(s.baseRepo, t), tag)
}

// listTagsByType fetches the registry's current tags for each image type.
func (s *Selector) listTagsByType(ctx context.Context) (map[images.Type][]string, error) {
	out := make(map[images.Type][]string, 2)
	for _, t := range images.Types() {
		repo := images.RepositoryFor(s.baseRepo, t)
		tagList, err := s.registry.ListTags(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("listing tags for %s: %w", repo, err)
		}
		out[t] = tagList
	}
	return out, nil
}

// Archived selects registry tags belonging to archived environments and
// models, narrowed to concrete revisions and versions.
func (s *Selector) Archived(ctx context.Context) ([]Candidate, error) {
	archived := true
	envs, err := s.store.Environments(ctx, &archived)
	if err != nil {
		return nil, fmt.Errorf("loading archived environments: %w", err)
	}
	models, err := s.store.Models(ctx, &archived)
	if err != nil {
		return nil, fmt.Errorf("loading archived models: %w", err)
	}
	logrus.Infof("Found %d archived environments, %d archived models", len(envs), len(models))

	revisions, err := s.store.Revisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}
	versions, err := s.store.ModelVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading model versions: %w", err)
	}

	resolver := tags.NewResolver(resolverRevisions(revisions), resolverVersions(versions))

	tagsByType, err := s.listTagsByType(ctx)
	if err != nil {
		return nil, err
	}

	envIDs := make([]tags.ArchivedID, 0, len(envs))
	for _, e := range envs {
		envIDs = append(envIDs, tags.ArchivedID{ID: e.ID.Hex(), Type: images.RecordEnvironment})
	}
	modelIDs := make([]tags.ArchivedID, 0, len(models))
	for _, m := range models {
		modelIDs = append(modelIDs, tags.ArchivedID{ID: m.ID.Hex(), Type: images.RecordModel})
	}

	revByID := indexRevisions(revisions)

	var out []Candidate
	for imageType, archivedIDs := range map[images.Type][]tags.ArchivedID{
		images.TypeEnvironment: envIDs,
		images.TypeModel:       modelIDs,
	} {
		for _, tm := range resolver.ResolveAll(tagsByType[imageType], archivedIDs) {
			for _, m := range tm.Matches {
				c := Candidate{
					ObjectID:   m.ObjectID,
					RecordType: m.RecordType,
					ImageType:  imageType,
					Tag:        tm.Tag,
					FullImage:  s.fullImage(imageType, tm.Tag),
				}
				if rev, ok := revByID[m.ObjectID]; ok {
					c.EnvironmentID = rev.EnvironmentID.Hex()
					if rev.ClonedRevisionID != nil {
						c.ClonedFromID = rev.ClonedRevisionID.Hex()
					}
				}
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// UnusedEnvironments selects non-archived environments with no usage of any
// kind: no snapshot usage, no configuration environment reference, no
// workspace reference, and no user default.
func (s *Selector) UnusedEnvironments(ctx context.Context, resolver *usage.Resolver) ([]Candidate, error) {
	notArchived := false
	envs, err := s.store.Environments(ctx, &notArchived)
	if err != nil {
		return nil, fmt.Errorf("loading environments: %w", err)
	}
	revisions, err := s.store.Revisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}

	used := resolver.UsedObjectIDs().Union(resolver.ReferencedEnvironmentIDs())

	wsEnvs, wsRevs, err := s.store.LiveWorkspaceRefs(ctx)
	if err != nil {
		return nil, err
	}
	used = used.Union(wsEnvs).Union(wsRevs)

	defaults, err := s.store.UserDefaultEnvironmentIDs(ctx)
	if err != nil {
		return nil, err
	}
	used = used.Union(defaults)

	revsByEnv := make(map[string][]mongodb.Revision)
	for _, rev := range revisions {
		envID := rev.EnvironmentID.Hex()
		revsByEnv[envID] = append(revsByEnv[envID], rev)
	}

	tagsByType, err := s.listTagsByType(ctx)
	if err != nil {
		return nil, err
	}
	registryTags := container.NewSet(tagsByType[images.TypeEnvironment]...)

	var out []Candidate
	for _, env := range envs {
		envID := env.ID.Hex()
		if s.environmentUsed(envID, revsByEnv[envID], used) {
			continue
		}
		for _, rev := range revsByEnv[envID] {
			tag := rev.DockerTag()
			if !registryTags.Has(tag) {
				continue
			}
			c := Candidate{
				ObjectID:      rev.ID.Hex(),
				RecordType:    images.RecordRevision,
				ImageType:     images.TypeEnvironment,
				Tag:           tag,
				FullImage:     s.fullImage(images.TypeEnvironment, tag),
				EnvironmentID: envID,
			}
			if rev.ClonedRevisionID != nil {
				c.ClonedFromID = rev.ClonedRevisionID.Hex()
			}
			out = append(out, c)
		}
	}
	logrus.Infof("Selected %d unused environment revision tags from %d environments",
		len(out), len(envs))
	return out, nil
}

// environmentUsed reports whether the environment or any of its revisions is
// touched by a usage source.
func (s *Selector) environmentUsed(envID string, revs []mongodb.Revision, used container.Set[string]) bool {
	if used.Has(envID) {
		return true
	}
	for _, rev := range revs {
		if used.Has(rev.ID.Hex()) {
			return true
		}
	}
	return false
}

// DeactivatedOwners selects private environments owned by deactivated users.
// userIDs may hold MongoDB user IDs or identity-provider login IDs.
func (s *Selector) DeactivatedOwners(ctx context.Context, userIDs []string) ([]Candidate, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	owners, err := s.store.UsersByExternalIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving deactivated users: %w", err)
	}
	if len(owners) == 0 {
		logrus.Info("No deactivated users resolved to platform accounts")
		return nil, nil
	}

	ownerIDs := make([]primitive.ObjectID, 0, len(owners))
	for _, owner := range owners {
		ownerIDs = append(ownerIDs, owner.ID)
	}
	envs, err := s.store.PrivateEnvironmentsOwnedBy(ctx, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("loading private environments: %w", err)
	}
	if len(envs) == 0 {
		return nil, nil
	}

	emailByEnv := map[string]string{}
	envIDs := make([]primitive.ObjectID, 0, len(envs))
	for _, env := range envs {
		envIDs = append(envIDs, env.ID)
		if env.OwnerID != nil {
			if owner, ok := owners[env.OwnerID.Hex()]; ok {
				emailByEnv[env.ID.Hex()] = owner.Email
			}
		}
	}

	revisions, err := s.store.RevisionsForEnvironments(ctx, envIDs)
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}

	tagsByType, err := s.listTagsByType(ctx)
	if err != nil {
		return nil, err
	}
	registryTags := container.NewSet(tagsByType[images.TypeEnvironment]...)

	var out []Candidate
	for _, rev := range revisions {
		tag := rev.DockerTag()
		if !registryTags.Has(tag) {
			continue
		}
		envID := rev.EnvironmentID.Hex()
		c := Candidate{
			ObjectID:      rev.ID.Hex(),
			RecordType:    images.RecordRevision,
			ImageType:     images.TypeEnvironment,
			Tag:           tag,
			FullImage:     s.fullImage(images.TypeEnvironment, tag),
			EnvironmentID: envID,
			OwnerEmail:    emailByEnv[envID],
		}
		if rev.ClonedRevisionID != nil {
			c.ClonedFromID = rev.ClonedRevisionID.Hex()
		}
		out = append(out, c)
	}
	logrus.Infof("Selected %d revision tags across %d private environments of deactivated users",
		len(out), len(envs))
	return out, nil
}

// Orphans scans revision and version image references and retains those
// whose tag no longer exists in the registry.
func (s *Selector) Orphans(ctx context.Context) ([]Orphan, error) {
	revisions, err := s.store.Revisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}
	versions, err := s.store.ModelVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading model versions: %w", err)
	}

	tagsByType, err := s.listTagsByType(ctx)
	if err != nil {
		return nil, err
	}
	envTags := container.NewSet(tagsByType[images.TypeEnvironment]...)
	modelTags := container.NewSet(tagsByType[images.TypeModel]...)

	var out []Orphan
	for _, rev := range revisions {
		name := rev.Metadata.DockerImageName
		if name.Tag == "" || envTags.Has(name.Tag) {
			continue
		}
		out = append(out, Orphan{
			Collection: mongodb.CollRevisions,
			ObjectID:   rev.ID.Hex(),
			RecordType: images.RecordRevision,
			ImageType:  images.TypeEnvironment,
			Repository: name.Repository,
			Tag:        name.Tag,
		})
	}
	for _, ver := range versions {
		for _, build := range ver.Metadata.Builds {
			name := build.Slug.Image
			if name.Tag == "" || modelTags.Has(name.Tag) {
				continue
			}
			out = append(out, Orphan{
				Collection: mongodb.CollModelVersions,
				ObjectID:   ver.ID.Hex(),
				RecordType: images.RecordVersion,
				ImageType:  images.TypeModel,
				Repository: name.Repository,
				Tag:        name.Tag,
			})
		}
	}
	logrus.Infof("Found %d orphaned image references", len(out))
	return out, nil
}

func resolverRevisions(in []mongodb.Revision) []tags.Revision {
	out := make([]tags.Revision, 0, len(in))
	for _, rev := range in {
		out = append(out, tags.Revision{
			ID:            rev.ID.Hex(),
			EnvironmentID: rev.EnvironmentID.Hex(),
			DockerTag:     rev.Metadata.DockerImageName.Tag,
		})
	}
	return out
}

func resolverVersions(in []mongodb.ModelVersion) []tags.Version {
	out := make([]tags.Version, 0, len(in))
	for _, ver := range in {
		out = append(out, tags.Version{
			ID:      ver.ID.Hex(),
			ModelID: ver.ModelID.Value.Hex(),
			SlugTag: ver.SlugTag(),
		})
	}
	return out
}

func indexRevisions(in []mongodb.Revision) map[string]mongodb.Revision {
	out := make(map[string]mongodb.Revision, len(in))
	for _, rev := range in {
		out[rev.ID.Hex()] = rev
	}
	return out
}
