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
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dominodatalab/registry-janitor/internal/container"
)

// Store provides the typed control-plane queries the selectors and the
// deletion pipeline need.
type Store struct {
	db Database
}

// NewStore wraps a Database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// Environments returns environments, optionally filtered by archive state.
func (s *Store) Environments(ctx context.Context, archived *bool) ([]Environment, error) {
	filter := bson.M{}
	if archived != nil {
		filter["isArchived"] = *archived
	}
	var out []Environment
	if err := s.db.Find(ctx, CollEnvironments, filter, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Revisions returns every environment revision.
func (s *Store) Revisions(ctx context.Context) ([]Revision, error) {
	var out []Revision
	if err := s.db.Find(ctx, CollRevisions, bson.M{}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevisionsForEnvironments returns the revisions of the given environments.
func (s *Store) RevisionsForEnvironments(ctx context.Context, envIDs []primitive.ObjectID) ([]Revision, error) {
	if len(envIDs) == 0 {
		return nil, nil
	}
	var out []Revision
	err := s.db.Find(ctx, CollRevisions,
		bson.M{"environmentId": bson.M{"$in": envIDs}}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Models returns models, optionally filtered by archive state.
func (s *Store) Models(ctx context.Context, archived *bool) ([]Model, error) {
	filter := bson.M{}
	if archived != nil {
		filter["isArchived"] = *archived
	}
	var out []Model
	if err := s.db.Find(ctx, CollModels, filter, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ModelVersions returns every model version.
func (s *Store) ModelVersions(ctx context.Context) ([]ModelVersion, error) {
	var out []ModelVersion
	if err := s.db.Find(ctx, CollModelVersions, bson.M{}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VersionsForModels returns the versions of the given models.
func (s *Store) VersionsForModels(ctx context.Context, modelIDs []primitive.ObjectID) ([]ModelVersion, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}
	var out []ModelVersion
	err := s.db.Find(ctx, CollModelVersions,
		bson.M{"modelId.value": bson.M{"$in": modelIDs}}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UserDefaultEnvironmentIDs returns every environment ID pinned as a user's
// default.
func (s *Store) UserDefaultEnvironmentIDs(ctx context.Context) (container.Set[string], error) {
	var prefs []UserPreference
	err := s.db.Find(ctx, CollUserPrefs,
		bson.M{"defaultEnvironmentId": bson.M{"$ne": nil}}, nil, &prefs)
	if err != nil {
		return nil, err
	}
	ids := container.NewSet[string]()
	for _, p := range prefs {
		if p.DefaultEnvironmentID != nil {
			ids.Insert(p.DefaultEnvironmentID.Hex())
		}
	}
	return ids, nil
}

// LiveWorkspaceRefs returns the environment and revision IDs referenced by
// any workspace or workspace session, regardless of state. Used as the
// orchestrator's final live re-check.
func (s *Store) LiveWorkspaceRefs(ctx context.Context) (envIDs, revIDs container.Set[string], err error) {
	envIDs = container.NewSet[string]()
	revIDs = container.NewSet[string]()

	for _, coll := range []string{CollWorkspace, CollWorkspaceSess} {
		var refs []WorkspaceRef
		if ferr := s.db.Find(ctx, coll, bson.M{}, nil, &refs); ferr != nil {
			return nil, nil, fmt.Errorf("loading %s references: %w", coll, ferr)
		}
		for _, ref := range refs {
			if ref.EnvironmentID != nil {
				envIDs.Insert(ref.EnvironmentID.Hex())
			}
			if ref.RevisionID != nil {
				revIDs.Insert(ref.RevisionID.Hex())
			}
		}
	}
	return envIDs, revIDs, nil
}

// UsersByIDs returns the given users keyed by hex ID.
func (s *Store) UsersByIDs(ctx context.Context, ids []primitive.ObjectID) (map[string]User, error) {
	if len(ids) == 0 {
		return map[string]User{}, nil
	}
	var users []User
	if err := s.db.Find(ctx, CollUsers, bson.M{"_id": bson.M{"$in": ids}}, nil, &users); err != nil {
		return nil, err
	}
	out := make(map[string]User, len(users))
	for _, u := range users {
		out[u.ID.Hex()] = u
	}
	return out, nil
}

// UsersByExternalIDs resolves identifiers from an identity provider to
// platform users, keyed by hex user ID. Each identifier may be a MongoDB
// user ID or a login ID.
func (s *Store) UsersByExternalIDs(ctx context.Context, ids []string) (map[string]User, error) {
	if len(ids) == 0 {
		return map[string]User{}, nil
	}

	var objIDs []primitive.ObjectID
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			objIDs = append(objIDs, oid)
		}
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"loginId.id": bson.M{"$in": ids}},
		bson.M{"_id": bson.M{"$in": objIDs}},
	}}

	var users []User
	if err := s.db.Find(ctx, CollUsers, filter, nil, &users); err != nil {
		return nil, err
	}
	out := make(map[string]User, len(users))
	for _, u := range users {
		out[u.ID.Hex()] = u
	}
	return out, nil
}

// PrivateEnvironmentsOwnedBy returns non-archived private environments owned
// by the given users.
func (s *Store) PrivateEnvironmentsOwnedBy(ctx context.Context, ownerIDs []primitive.ObjectID) ([]Environment, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	var out []Environment
	err := s.db.Find(ctx, CollEnvironments, bson.M{
		"isArchived": false,
		"visibility": "Private",
		"ownerId":    bson.M{"$in": ownerIDs},
	}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Builds returns every legacy build record.
func (s *Store) Builds(ctx context.Context) ([]Build, error) {
	var out []Build
	if err := s.db.Find(ctx, CollBuilds, bson.M{}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteByID removes one document from a collection by its _id.
func (s *Store) DeleteByID(ctx context.Context, collection string, id primitive.ObjectID) (bool, error) {
	n, err := s.db.DeleteOne(ctx, collection, bson.M{"_id": id})
	return n > 0, err
}

// VersionsFromLiveModelsReferencingRevision counts model versions belonging
// to non-archived models that still reference the revision. The revision
// cleanup guard.
func (s *Store) VersionsFromLiveModelsReferencingRevision(ctx context.Context, revID primitive.ObjectID) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"environmentRevisionId": revID}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollModels,
			"localField":   "modelId.value",
			"foreignField": "_id",
			"as":           "model",
		}}},
		{{Key: "$unwind", Value: "$model"}},
		{{Key: "$match", Value: bson.M{"model.isArchived": false}}},
		{{Key: "$count", Value: "n"}},
	}
	return s.aggregateCount(ctx, CollModelVersions, pipeline)
}

// VersionsReferencingModel counts versions still attached to a model. The
// model cleanup guard.
func (s *Store) VersionsReferencingModel(ctx context.Context, modelID primitive.ObjectID) (int64, error) {
	return s.db.CountDocuments(ctx, CollModelVersions, bson.M{"modelId.value": modelID})
}

// RevisionsReferencingEnvironment counts revisions still attached to an
// environment. Half of the environment cleanup guard.
func (s *Store) RevisionsReferencingEnvironment(ctx context.Context, envID primitive.ObjectID) (int64, error) {
	return s.db.CountDocuments(ctx, CollRevisions, bson.M{"environmentId": envID})
}

// LiveModelsReferencingEnvironment counts non-archived models whose versions
// run on any revision of the environment. The other half of the environment
// cleanup guard.
func (s *Store) LiveModelsReferencingEnvironment(ctx context.Context, envID primitive.ObjectID) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"environmentId": envID}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollModelVersions,
			"localField":   "_id",
			"foreignField": "environmentRevisionId",
			"as":           "versions",
		}}},
		{{Key: "$unwind", Value: "$versions"}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollModels,
			"localField":   "versions.modelId.value",
			"foreignField": "_id",
			"as":           "model",
		}}},
		{{Key: "$unwind", Value: "$model"}},
		{{Key: "$match", Value: bson.M{"model.isArchived": false}}},
		{{Key: "$count", Value: "n"}},
	}
	return s.aggregateCount(ctx, CollRevisions, pipeline)
}

func (s *Store) aggregateCount(ctx context.Context, collection string, pipeline mongo.Pipeline) (int64, error) {
	var rows []struct {
		N int64 `bson:"n"`
	}
	if err := s.db.Aggregate(ctx, collection, pipeline, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].N, nil
}

// RewriteResult summarizes one idempotent repository-prefix rewrite pass.
type RewriteResult struct {
	BuildsUpdated    int64
	RevisionsUpdated int64
	VersionsUpdated  int64
}

// RewriteRepositoryPrefixes prepends newPrefix to every repository field
// still carrying oldPrefix, across builds, environment_revisions, and
// model_versions. Fields already starting with newPrefix are left alone, so
// re-running the pass is safe.
func (s *Store) RewriteRepositoryPrefixes(ctx context.Context, oldPrefix, newPrefix string) (*RewriteResult, error) {
	res := &RewriteResult{}

	builds, err := s.Builds(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		rewritten, changed := rewritePrefix(b.Image.Repository, oldPrefix, newPrefix)
		if !changed {
			continue
		}
		n, err := s.db.UpdateOne(ctx, CollBuilds,
			bson.M{"_id": b.ID},
			bson.M{"$set": bson.M{"image.repository": rewritten}})
		if err != nil {
			return nil, fmt.Errorf("rewriting build %s: %w", b.ID.Hex(), err)
		}
		res.BuildsUpdated += n
	}

	revisions, err := s.Revisions(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range revisions {
		rewritten, changed := rewritePrefix(r.Metadata.DockerImageName.Repository, oldPrefix, newPrefix)
		if !changed {
			continue
		}
		n, err := s.db.UpdateOne(ctx, CollRevisions,
			bson.M{"_id": r.ID},
			bson.M{"$set": bson.M{"metadata.dockerImageName.repository": rewritten}})
		if err != nil {
			return nil, fmt.Errorf("rewriting revision %s: %w", r.ID.Hex(), err)
		}
		res.RevisionsUpdated += n
	}

	versions, err := s.ModelVersions(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		set := bson.M{}
		for i, build := range v.Metadata.Builds {
			rewritten, changed := rewritePrefix(build.Slug.Image.Repository, oldPrefix, newPrefix)
			if changed {
				field := fmt.Sprintf("metadata.builds.%d.slug.image.repository", i)
				set[field] = rewritten
			}
		}
		if len(set) == 0 {
			continue
		}
		n, err := s.db.UpdateOne(ctx, CollModelVersions,
			bson.M{"_id": v.ID}, bson.M{"$set": set})
		if err != nil {
			return nil, fmt.Errorf("rewriting model version %s: %w", v.ID.Hex(), err)
		}
		res.VersionsUpdated += n
	}

	return res, nil
}

// rewritePrefix maps "old…" to "new/old…" exactly once.
func rewritePrefix(value, oldPrefix, newPrefix string) (string, bool) {
	if value == "" || strings.HasPrefix(value, newPrefix) {
		return value, false
	}
	if !strings.HasPrefix(value, oldPrefix) {
		return value, false
	}
	return newPrefix + "/" + value, true
}
