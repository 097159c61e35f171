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

package migrate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dominodatalab/registry-janitor/internal/checkpoint"
	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/registry"
)

type fakeRegistry struct {
	tags   map[string][]string
	copied []string
	fail   map[string]error
}

func (f *fakeRegistry) ListTags(_ context.Context, repo string) ([]string, error) {
	tagList, ok := f.tags[repo]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, repo)
	}
	return tagList, nil
}

func (f *fakeRegistry) Copy(_ context.Context, srcRepo, tag, destRef string, _ registry.CopyOptions) error {
	if err := f.fail[srcRepo+":"+tag]; err != nil {
		return err
	}
	f.copied = append(f.copied, destRef)
	return nil
}

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
func (f *fakeDB) UpdateOne(context.Context, string, any, any) (int64, error)  { return 1, nil }
func (f *fakeDB) CountDocuments(context.Context, string, any) (int64, error)  { return 0, nil }

var _ mongodb.Database = (*fakeDB)(nil)

func newCheckpoints(t *testing.T) *checkpoint.Store {
	cps, err := checkpoint.NewStore(t.TempDir())
	require.Nil(t, err)
	return cps
}

func TestDiscoverConventionalRepos(t *testing.T) {
	reg := &fakeRegistry{tags: map[string][]string{
		"domino":             {"sometag"},
		"domino/environment": {"a"},
		// domino/model answers 404 and must be skipped.
	}}
	m := New(reg, nil, newCheckpoints(t), Options{BaseRepo: "domino"})

	repos, err := m.Discover(context.Background())
	require.Nil(t, err)
	require.Equal(t, []string{"domino", "domino/environment"}, repos)
}

func TestDiscoverExplicitRepos(t *testing.T) {
	m := New(&fakeRegistry{}, nil, newCheckpoints(t), Options{
		Repos: []string{"custom/repo"},
	})

	repos, err := m.Discover(context.Background())
	require.Nil(t, err)
	require.Equal(t, []string{"custom/repo"}, repos)
}

func TestRunCopiesAndSkipsBuildCache(t *testing.T) {
	reg := &fakeRegistry{tags: map[string][]string{
		"domino/environment": {"tag-a", images.BuildCacheTag, "tag-b"},
	}}
	m := New(reg, nil, newCheckpoints(t), Options{
		OperationID: "op1",
		Repos:       []string{"domino/environment"},
		DestHost:    "new-registry:5000",
	})

	res, err := m.Run(context.Background())
	require.Nil(t, err)
	require.Equal(t, 2, res.TagsCopied)
	require.Equal(t, 0, res.TagsFailed)
	require.Equal(t, []string{
		"new-registry:5000/domino/environment:tag-a",
		"new-registry:5000/domino/environment:tag-b",
	}, reg.copied)
}

func TestRunRecordsFailuresAndKeepsCheckpoint(t *testing.T) {
	reg := &fakeRegistry{
		tags: map[string][]string{"domino/environment": {"tag-a", "tag-b"}},
		fail: map[string]error{"domino/environment:tag-a": errors.New("blob upload rejected")},
	}
	cps := newCheckpoints(t)
	m := New(reg, nil, cps, Options{
		OperationID: "op2",
		Repos:       []string{"domino/environment"},
		DestHost:    "new-registry:5000",
	})

	res, err := m.Run(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, res.TagsCopied, "a failed tag must not stop the rest of the repository")
	require.Equal(t, 1, res.TagsFailed)

	// The checkpoint survives so the run can be resumed.
	cp, err := cps.Load("migrate", "op2")
	require.Nil(t, err)
	require.NotNil(t, cp)
	require.True(t, cp.Failed.Has("domino/environment"))
}

func TestRunResumeSkipsCompletedRepo(t *testing.T) {
	reg := &fakeRegistry{tags: map[string][]string{
		"domino/environment": {"tag-a"},
		"domino/model":       {"tag-m"},
	}}
	cps := newCheckpoints(t)

	cp := checkpoint.New(2)
	cp.Completed.Insert("domino/environment")
	require.Nil(t, cps.Save("migrate", "op3", cp))

	m := New(reg, nil, cps, Options{
		OperationID: "op3",
		Resume:      true,
		Repos:       []string{"domino/environment", "domino/model"},
		DestHost:    "new-registry:5000",
	})

	res, err := m.Run(context.Background())
	require.Nil(t, err)
	require.Equal(t, []string{"new-registry:5000/domino/model:tag-m"}, reg.copied)
	require.True(t, res.Repos[0].Skipped)
}

func TestRunArchiveFilter(t *testing.T) {
	archivedEnv := primitive.NewObjectID()
	liveEnv := primitive.NewObjectID()
	archivedRev := primitive.NewObjectID()
	liveRev := primitive.NewObjectID()

	db := &fakeDB{docs: map[string]any{
		// The fake ignores filters; with FilterArchived only archived docs
		// are served.
		mongodb.CollEnvironments: []mongodb.Environment{
			{ID: archivedEnv, IsArchived: true},
		},
		mongodb.CollRevisions: []mongodb.Revision{
			{ID: archivedRev, EnvironmentID: archivedEnv, Metadata: mongodb.RevisionMetadata{
				DockerImageName: mongodb.ImageName{Tag: archivedRev.Hex()},
			}},
			{ID: liveRev, EnvironmentID: liveEnv, Metadata: mongodb.RevisionMetadata{
				DockerImageName: mongodb.ImageName{Tag: liveRev.Hex()},
			}},
		},
	}}
	reg := &fakeRegistry{tags: map[string][]string{
		"domino/environment": {archivedRev.Hex(), liveRev.Hex()},
	}}

	m := New(reg, mongodb.NewStore(db), newCheckpoints(t), Options{
		OperationID: "op4",
		Repos:       []string{"domino/environment"},
		BaseRepo:    "domino",
		Filter:      FilterArchived,
		DestHost:    "new-registry:5000",
	})

	res, err := m.Run(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, res.TagsCopied)
	require.Equal(t, []string{"new-registry:5000/domino/environment:" + archivedRev.Hex()}, reg.copied)
}

func TestTagAllowed(t *testing.T) {
	id := "507f1f77bcf86cd799439011"
	allowed := container.NewSet(id, "slug-v2")

	require.True(t, tagAllowed("anything", nil), "nil allow-set means no filtering")
	require.True(t, tagAllowed(id, allowed))
	require.True(t, tagAllowed(id+"-v3", allowed), "tags carrying an allowed ObjectID pass")
	require.True(t, tagAllowed("slug-v2-1699999999_ab12cd", allowed), "extended forms of allowed tags pass")
	require.False(t, tagAllowed("slug-v21", allowed))
	require.False(t, tagAllowed("latest", allowed))
}

func TestDestAuthenticator(t *testing.T) {
	auth, err := DestAuthenticator("user:pass", "")
	require.Nil(t, err)
	require.NotNil(t, auth)

	auth, err = DestAuthenticator("", "token123")
	require.Nil(t, err)
	require.NotNil(t, auth)

	auth, err = DestAuthenticator("", "")
	require.Nil(t, err)
	require.Nil(t, auth)

	_, err = DestAuthenticator("user:pass", "token123")
	require.NotNil(t, err)

	_, err = DestAuthenticator("nocolon", "")
	require.NotNil(t, err)
}
