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
	"strings"
	"sync"

	"github.com/nozzle/throttler"
	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/registry"
)

// Inspector is the slice of the registry client the builder needs.
type Inspector interface {
	ListTags(ctx context.Context, repo string) ([]string, error)
	Inspect(ctx context.Context, repo, tag string) (*registry.Image, error)
}

// Builder walks requested repositories and assembles a Graph.
type Builder struct {
	client   Inspector
	baseRepo string
	workers  int

	// AllowIDs, when non-empty, restricts analysis to tags whose leading
	// ObjectID is in the set.
	AllowIDs container.Set[string]
}

// NewBuilder returns a Builder inspecting with up to workers concurrent
// manifest fetches per image type.
func NewBuilder(client Inspector, baseRepo string, workers int) *Builder {
	if workers < 1 {
		workers = 1
	}
	return &Builder{client: client, baseRepo: baseRepo, workers: workers}
}

// Build lists and inspects every tag of every requested image type. Tags the
// registry dropped between list and inspect are skipped, not failed.
func (b *Builder) Build(ctx context.Context, types []images.Type) (*Graph, error) {
	graph := NewGraph()

	for _, imgType := range types {
		repo := images.RepositoryFor(b.baseRepo, imgType)

		tags, err := b.client.ListTags(ctx, repo)
		if err != nil {
			if registry.IsNotFound(err) {
				logrus.Warnf("Repository %s not found, skipping %s analysis", repo, imgType)
				continue
			}
			return nil, fmt.Errorf("listing %s tags: %w", imgType, err)
		}

		tags = b.filterTags(tags)
		logrus.Infof("Inspecting %d %s tags in %s with %d workers",
			len(tags), imgType, repo, b.workers)

		if err := b.inspectAll(ctx, graph, imgType, repo, tags); err != nil {
			return nil, err
		}
	}

	logrus.Infof("Layer graph built: %d images, %d distinct layers, %d bytes unique",
		graph.ImageCount(), graph.LayerCount(), graph.UniqueBytes())
	return graph, nil
}

func (b *Builder) filterTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == images.BuildCacheTag {
			continue
		}
		if len(b.AllowIDs) > 0 && !b.allowed(tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

func (b *Builder) allowed(tag string) bool {
	if b.AllowIDs.Has(tag) {
		return true
	}
	id, _, found := strings.Cut(tag, "-")
	return found && b.AllowIDs.Has(id)
}

// inspectAll fans out manifest inspection across the worker budget. Graph
// mutation serializes inside Graph.add; result order is irrelevant to the
// final ref counts.
func (b *Builder) inspectAll(
	ctx context.Context,
	graph *Graph,
	imgType images.Type,
	repo string,
	tags []string,
) error {
	if len(tags) == 0 {
		return nil
	}

	t := throttler.New(b.workers, len(tags))

	var mu sync.Mutex
	var errs []error

	for _, tag := range tags {
		go func(tag string) {
			var err error
			defer func() { t.Done(err) }()

			if ctx.Err() != nil {
				err = ctx.Err()
				return
			}

			img, ierr := b.client.Inspect(ctx, repo, tag)
			if ierr != nil {
				if registry.IsNotFound(ierr) {
					logrus.Debugf("Tag %s:%s vanished during analysis, skipping", repo, tag)
					return
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("inspecting %s:%s: %w", repo, tag, ierr))
				mu.Unlock()
				err = ierr
				return
			}

			graph.add(images.Key{Type: imgType, Tag: tag}, img)
		}(tag)

		t.Throttle()
	}

	if len(errs) > 0 {
		return fmt.Errorf("inspecting %s repository: %w", repo, errors.Join(errs...))
	}
	return nil
}
