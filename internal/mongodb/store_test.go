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
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeDB serves canned documents per collection, ignoring filters; tests
// arrange the documents so the filter outcome is the full set.
type fakeDB struct {
	docs    map[string]any
	aggs    map[string]any
	counts  map[string]int64
	updates []string
	deletes []string
}

func copyDocs(src, out any) error {
	if src == nil {
		return nil
	}
	reflect.ValueOf(out).Elem().Set(reflect.ValueOf(src))
	return nil
}

func (f *fakeDB) Find(_ context.Context, coll string, _ any, _ *options.FindOptions, out any) error {
	return copyDocs(f.docs[coll], out)
}

func (f *fakeDB) Aggregate(_ context.Context, coll string, _ mongo.Pipeline, out any) error {
	return copyDocs(f.aggs[coll], out)
}

func (f *fakeDB) DeleteOne(_ context.Context, coll string, _ any) (int64, error) {
	f.deletes = append(f.deletes, coll)
	return 1, nil
}

func (f *fakeDB) UpdateOne(_ context.Context, coll string, _, _ any) (int64, error) {
	f.updates = append(f.updates, coll)
	return 1, nil
}

func (f *fakeDB) CountDocuments(_ context.Context, coll string, _ any) (int64, error) {
	return f.counts[coll], nil
}

var _ Database = (*fakeDB)(nil)

func TestRewritePrefix(t *testing.T) {
	got, changed := rewritePrefix("domino/environment", "domino", "registry2")
	require.True(t, changed)
	require.Equal(t, "registry2/domino/environment", got)

	// Already rewritten: a second pass is a noop.
	got, changed = rewritePrefix("registry2/domino/environment", "domino", "registry2")
	require.False(t, changed)
	require.Equal(t, "registry2/domino/environment", got)

	_, changed = rewritePrefix("other/environment", "domino", "registry2")
	require.False(t, changed)

	_, changed = rewritePrefix("", "domino", "registry2")
	require.False(t, changed)
}

func TestRewriteRepositoryPrefixes(t *testing.T) {
	db := &fakeDB{
		docs: map[string]any{
			CollBuilds: []Build{
				{ID: primitive.NewObjectID(), Image: ImageName{Repository: "domino/environment", Tag: "t"}},
				{ID: primitive.NewObjectID(), Image: ImageName{Repository: "registry2/domino/environment", Tag: "t"}},
			},
			CollRevisions: []Revision{
				{ID: primitive.NewObjectID(), Metadata: RevisionMetadata{
					DockerImageName: ImageName{Repository: "domino/environment", Tag: "t"},
				}},
			},
			CollModelVersions: []ModelVersion{
				{ID: primitive.NewObjectID(), Metadata: ModelVersionMetadata{Builds: []ModelVersionBuild{
					{Slug: ModelVersionSlug{Image: ImageName{Repository: "domino/model", Tag: "t"}}},
					{Slug: ModelVersionSlug{Image: ImageName{Repository: "registry2/domino/model", Tag: "t"}}},
				}}},
			},
		},
	}
	s := NewStore(db)

	res, err := s.RewriteRepositoryPrefixes(context.Background(), "domino", "registry2")
	require.Nil(t, err)
	require.Equal(t, int64(1), res.BuildsUpdated, "already-rewritten builds must be skipped")
	require.Equal(t, int64(1), res.RevisionsUpdated)
	require.Equal(t, int64(1), res.VersionsUpdated)
	require.Equal(t, []string{CollBuilds, CollRevisions, CollModelVersions}, db.updates)
}

func TestCleanupGuardCounts(t *testing.T) {
	n := []struct {
		N int64 `bson:"n"`
	}{{N: 2}}

	db := &fakeDB{
		aggs:   map[string]any{CollModelVersions: n},
		counts: map[string]int64{CollModelVersions: 3, CollRevisions: 1},
	}
	s := NewStore(db)
	ctx := context.Background()
	id := primitive.NewObjectID()

	got, err := s.VersionsFromLiveModelsReferencingRevision(ctx, id)
	require.Nil(t, err)
	require.Equal(t, int64(2), got)

	got, err = s.VersionsReferencingModel(ctx, id)
	require.Nil(t, err)
	require.Equal(t, int64(3), got)

	got, err = s.RevisionsReferencingEnvironment(ctx, id)
	require.Nil(t, err)
	require.Equal(t, int64(1), got)

	// No $count row means zero references.
	got, err = s.LiveModelsReferencingEnvironment(ctx, id)
	require.Nil(t, err)
	require.Equal(t, int64(0), got)
}

func TestLiveWorkspaceRefs(t *testing.T) {
	envID := primitive.NewObjectID()
	revID := primitive.NewObjectID()
	db := &fakeDB{
		docs: map[string]any{
			CollWorkspace: []WorkspaceRef{
				{ID: primitive.NewObjectID(), EnvironmentID: &envID},
			},
			CollWorkspaceSess: []WorkspaceRef{
				{ID: primitive.NewObjectID(), RevisionID: &revID},
			},
		},
	}
	s := NewStore(db)

	envs, revs, err := s.LiveWorkspaceRefs(context.Background())
	require.Nil(t, err)
	require.True(t, envs.Has(envID.Hex()))
	require.True(t, revs.Has(revID.Hex()))
}

func TestDeleteByID(t *testing.T) {
	db := &fakeDB{}
	s := NewStore(db)

	ok, err := s.DeleteByID(context.Background(), CollRevisions, primitive.NewObjectID())
	require.Nil(t, err)
	require.True(t, ok)
	require.Equal(t, []string{CollRevisions}, db.deletes)
}

func TestDockerTagFallback(t *testing.T) {
	id := primitive.NewObjectID()

	r := Revision{ID: id, Metadata: RevisionMetadata{DockerImageName: ImageName{Tag: "custom-tag"}}}
	require.Equal(t, "custom-tag", r.DockerTag())

	r = Revision{ID: id}
	require.Equal(t, id.Hex(), r.DockerTag(), "a revision without image metadata falls back to its ID")
}

func TestSlugTagPicksNewestBuild(t *testing.T) {
	v := ModelVersion{Metadata: ModelVersionMetadata{Builds: []ModelVersionBuild{
		{Slug: ModelVersionSlug{Image: ImageName{Tag: "old"}}},
		{Slug: ModelVersionSlug{Image: ImageName{Tag: "new"}}},
		{Slug: ModelVersionSlug{Image: ImageName{Tag: ""}}},
	}}}
	require.Equal(t, "new", v.SlugTag())

	require.Equal(t, "", ModelVersion{}.SlugTag())
}
