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

package layers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/registry"
)

// fakeInspector serves canned tag lists and images, simulating vanished tags
// and missing repositories with the registry error taxonomy.
type fakeInspector struct {
	tags     map[string][]string
	imgs     map[string]*registry.Image
	vanished map[string]bool
	failing  map[string]error
}

func (f *fakeInspector) ListTags(_ context.Context, repo string) ([]string, error) {
	tags, ok := f.tags[repo]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, repo)
	}
	return tags, nil
}

func (f *fakeInspector) Inspect(_ context.Context, repo, tag string) (*registry.Image, error) {
	key := repo + ":" + tag
	if f.vanished[key] {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}
	if err := f.failing[key]; err != nil {
		return nil, err
	}
	img, ok := f.imgs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}
	return img, nil
}

const testEnvID = "507f1f77bcf86cd799439011"

func newFakeInspector() *fakeInspector {
	l := registry.Layer{Digest: "sha256:l1", Size: 50}
	return &fakeInspector{
		tags: map[string][]string{
			"domino/environment": {testEnvID, testEnvID + "-v2", "latest", images.BuildCacheTag},
			"domino/model":       {"modeltag"},
		},
		imgs: map[string]*registry.Image{
			"domino/environment:" + testEnvID:         img("domino/environment", testEnvID, l),
			"domino/environment:" + testEnvID + "-v2": img("domino/environment", testEnvID+"-v2", l),
			"domino/environment:latest":               img("domino/environment", "latest", l),
			"domino/model:modeltag":                   img("domino/model", "modeltag", l),
		},
		vanished: map[string]bool{},
		failing:  map[string]error{},
	}
}

func TestBuildSkipsBuildCacheTag(t *testing.T) {
	b := NewBuilder(newFakeInspector(), "domino", 2)

	g, err := b.Build(context.Background(), images.Types())
	require.Nil(t, err)
	require.Equal(t, 4, g.ImageCount())

	_, ok := g.Image(images.Key{Type: images.TypeEnvironment, Tag: images.BuildCacheTag})
	require.False(t, ok)
}

func TestBuildSkipsVanishedTags(t *testing.T) {
	f := newFakeInspector()
	f.vanished["domino/environment:latest"] = true
	b := NewBuilder(f, "domino", 2)

	g, err := b.Build(context.Background(), images.Types())
	require.Nil(t, err)
	require.Equal(t, 3, g.ImageCount(), "a tag deleted between list and inspect must be skipped, not failed")
}

func TestBuildSkipsMissingRepository(t *testing.T) {
	f := newFakeInspector()
	delete(f.tags, "domino/model")
	b := NewBuilder(f, "domino", 1)

	g, err := b.Build(context.Background(), images.Types())
	require.Nil(t, err)
	require.Equal(t, 3, g.ImageCount())
}

func TestBuildSurfacesInspectErrors(t *testing.T) {
	f := newFakeInspector()
	f.failing["domino/model:modeltag"] = errors.New("manifest corrupt")
	b := NewBuilder(f, "domino", 1)

	_, err := b.Build(context.Background(), images.Types())
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "manifest corrupt")
}

func TestBuildAllowIDsFilter(t *testing.T) {
	b := NewBuilder(newFakeInspector(), "domino", 1)
	b.AllowIDs = container.NewSet(testEnvID)

	g, err := b.Build(context.Background(), []images.Type{images.TypeEnvironment})
	require.Nil(t, err)

	// Both the bare ID and the "-v2" variant pass the filter; "latest" does
	// not.
	require.Equal(t, 2, g.ImageCount())
	_, ok := g.Image(images.Key{Type: images.TypeEnvironment, Tag: "latest"})
	require.False(t, ok)
}
