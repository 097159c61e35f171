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

package candidates

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/usage"
)

// fakeDB serves canned documents per collection, ignoring filters; tests
// arrange the documents so the filter outcome is the full set.
type fakeDB struct {
	docs map[string]any
}

func (f *fakeDB) Find(_ context.Context, coll string, _ any, _ *options.FindOptions, out any) error {
	src, ok := f.docs[coll]
	if !ok {
		return nil
	}
	reflect.ValueOf(out).Elem().Set(reflect.ValueOf(src))
	return nil
}

func (f *fakeDB) Aggregate(context.Context, string, mongo.Pipeline, any) error { return nil }
func (f *fakeDB) DeleteOne(context.Context, string, any) (int64, error)       { return 0, nil }
func (f *fakeDB) UpdateOne(context.Context, string, any, any) (int64, error)  { return 0, nil }
func (f *fakeDB) CountDocuments(context.Context, string, any) (int64, error)  { return 0, nil }

var _ mongodb.Database = (*fakeDB)(nil)

type fakeLister struct {
	tags map[string][]string
}

func (f *fakeLister) ListTags(_ context.Context, repo string) ([]string, error) {
	return f.tags[repo], nil
}

func revDoc(id, envID primitive.ObjectID, tag string) mongodb.Revision {
	return mongodb.Revision{
		ID:            id,
		EnvironmentID: envID,
		Metadata: mongodb.RevisionMetadata{
			DockerImageName: mongodb.ImageName{Repository: "domino/environment", Tag: tag},
		},
	}
}

func TestArchivedNarrowsToRevisionsAndVersions(t *testing.T) {
	envID := primitive.NewObjectID()
	revID := primitive.NewObjectID()
	modelID := primitive.NewObjectID()
	verID := primitive.NewObjectID()

	revTag := revID.Hex()
	slugTag := modelID.Hex() + "-v1"

	db := &fakeDB{docs: map[string]any{
		mongodb.CollEnvironments: []mongodb.Environment{
			{ID: envID, Name: "old-env", IsArchived: true},
		},
		mongodb.CollModels: []mongodb.Model{
			{ID: modelID, Name: "old-model", IsArchived: true},
		},
		mongodb.CollRevisions: []mongodb.Revision{revDoc(revID, envID, revTag)},
		mongodb.CollModelVersions: []mongodb.ModelVersion{
			{ID: verID, ModelID: mongodb.ModelIDRef{Value: modelID},
				Metadata: mongodb.ModelVersionMetadata{Builds: []mongodb.ModelVersionBuild{
					{Slug: mongodb.ModelVersionSlug{Image: mongodb.ImageName{Tag: slugTag}}},
				}}},
		},
	}}
	lister := &fakeLister{tags: map[string][]string{
		"domino/environment": {revTag, "latest", images.BuildCacheTag},
		"domino/model":       {slugTag + "-1699999999_ab12cd", "unrelated"},
	}}

	sel := NewSelector(mongodb.NewStore(db), lister, "registry.example.com:5000", "domino")
	cands, err := sel.Archived(context.Background())
	require.Nil(t, err)
	require.Len(t, cands, 2)

	byType := map[images.RecordType]Candidate{}
	for _, c := range cands {
		byType[c.RecordType] = c
	}

	rev := byType[images.RecordRevision]
	require.Equal(t, revID.Hex(), rev.ObjectID, "environment matches must narrow to the owning revision")
	require.Equal(t, revTag, rev.Tag)
	require.Equal(t, envID.Hex(), rev.EnvironmentID)
	require.Equal(t, "registry.example.com:5000/domino/environment:"+revTag, rev.FullImage)

	ver := byType[images.RecordVersion]
	require.Equal(t, verID.Hex(), ver.ObjectID, "model matches must narrow to the owning version")
	require.Equal(t, slugTag+"-1699999999_ab12cd", ver.Tag)
}

func TestUnusedEnvironments(t *testing.T) {
	envA := primitive.NewObjectID()
	envB := primitive.NewObjectID()
	revA := primitive.NewObjectID()
	revB := primitive.NewObjectID()

	db := &fakeDB{docs: map[string]any{
		mongodb.CollEnvironments: []mongodb.Environment{
			{ID: envA, Name: "idle"},
			{ID: envB, Name: "workspace-pinned"},
		},
		mongodb.CollRevisions: []mongodb.Revision{
			revDoc(revA, envA, revA.Hex()),
			revDoc(revB, envB, revB.Hex()),
		},
		mongodb.CollWorkspace: []mongodb.WorkspaceRef{
			{ID: primitive.NewObjectID(), EnvironmentID: &envB},
		},
	}}
	lister := &fakeLister{tags: map[string][]string{
		"domino/environment": {revA.Hex(), revB.Hex()},
	}}

	sel := NewSelector(mongodb.NewStore(db), lister, "registry.example.com:5000", "domino")
	cands, err := sel.UnusedEnvironments(context.Background(), usage.NewResolver(nil))
	require.Nil(t, err)
	require.Len(t, cands, 1, "an environment referenced by any workspace must survive")
	require.Equal(t, revA.Hex(), cands[0].ObjectID)
	require.Equal(t, envA.Hex(), cands[0].EnvironmentID)
}

func TestUnusedEnvironmentsHonorsSnapshotUsage(t *testing.T) {
	envA := primitive.NewObjectID()
	revA := primitive.NewObjectID()

	db := &fakeDB{docs: map[string]any{
		mongodb.CollEnvironments: []mongodb.Environment{{ID: envA}},
		mongodb.CollRevisions:    []mongodb.Revision{revDoc(revA, envA, revA.Hex())},
	}}
	lister := &fakeLister{tags: map[string][]string{
		"domino/environment": {revA.Hex()},
	}}

	resolver := usage.NewResolver(&mongodb.Snapshot{
		Runs: []mongodb.RunUsage{{RunID: "r1", Tag: revA.Hex()}},
	})

	sel := NewSelector(mongodb.NewStore(db), lister, "registry.example.com:5000", "domino")
	cands, err := sel.UnusedEnvironments(context.Background(), resolver)
	require.Nil(t, err)
	require.Len(t, cands, 0, "a revision with any snapshot usage marks its environment as used")
}

func TestDeactivatedOwners(t *testing.T) {
	userID := primitive.NewObjectID()
	envID := primitive.NewObjectID()
	revID := primitive.NewObjectID()

	db := &fakeDB{docs: map[string]any{
		mongodb.CollUsers: []mongodb.User{
			{ID: userID, LoginID: mongodb.UserLoginID{ID: "keycloak-123"}, Email: "gone@example.com"},
		},
		mongodb.CollEnvironments: []mongodb.Environment{
			{ID: envID, Visibility: "Private", OwnerID: &userID},
		},
		mongodb.CollRevisions: []mongodb.Revision{revDoc(revID, envID, revID.Hex())},
	}}
	lister := &fakeLister{tags: map[string][]string{
		"domino/environment": {revID.Hex()},
	}}

	sel := NewSelector(mongodb.NewStore(db), lister, "registry.example.com:5000", "domino")
	cands, err := sel.DeactivatedOwners(context.Background(), []string{"keycloak-123"})
	require.Nil(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "gone@example.com", cands[0].OwnerEmail)
	require.Equal(t, envID.Hex(), cands[0].EnvironmentID)

	// No identifiers, no work.
	cands, err = sel.DeactivatedOwners(context.Background(), nil)
	require.Nil(t, err)
	require.Len(t, cands, 0)
}

func TestOrphans(t *testing.T) {
	envID := primitive.NewObjectID()
	liveRev := primitive.NewObjectID()
	goneRev := primitive.NewObjectID()
	bareRev := primitive.NewObjectID()
	verID := primitive.NewObjectID()

	db := &fakeDB{docs: map[string]any{
		mongodb.CollRevisions: []mongodb.Revision{
			revDoc(liveRev, envID, "live-tag"),
			revDoc(goneRev, envID, "gone-tag"),
			// No image metadata at all: nothing to orphan-check.
			{ID: bareRev, EnvironmentID: envID},
		},
		mongodb.CollModelVersions: []mongodb.ModelVersion{
			{ID: verID, Metadata: mongodb.ModelVersionMetadata{Builds: []mongodb.ModelVersionBuild{
				{Slug: mongodb.ModelVersionSlug{Image: mongodb.ImageName{Repository: "domino/model", Tag: "gone-slug"}}},
			}}},
		},
	}}
	lister := &fakeLister{tags: map[string][]string{
		"domino/environment": {"live-tag"},
		"domino/model":       {},
	}}

	sel := NewSelector(mongodb.NewStore(db), lister, "registry.example.com:5000", "domino")
	orphans, err := sel.Orphans(context.Background())
	require.Nil(t, err)
	require.Len(t, orphans, 2)

	byColl := map[string]Orphan{}
	for _, o := range orphans {
		byColl[o.Collection] = o
	}
	require.Equal(t, goneRev.Hex(), byColl[mongodb.CollRevisions].ObjectID)
	require.Equal(t, "gone-tag", byColl[mongodb.CollRevisions].Tag)
	require.Equal(t, verID.Hex(), byColl[mongodb.CollModelVersions].ObjectID)
	require.Equal(t, "gone-slug", byColl[mongodb.CollModelVersions].Tag)
}
