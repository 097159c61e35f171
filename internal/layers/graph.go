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

// Package layers builds the reference-counted layer graph of the registry
// and answers freed-space queries over it.
//
// Registry layers are content-addressed and shared aggressively, across tags
// and across image classes. A per-image subtotal over-counts by the share
// factor; the only true reclaimable quantity is the sum of layers whose
// remaining reference count would drop to zero. The graph is rebuilt on every
// run; the registry is the source of truth.
package layers

import (
	"sort"
	"sync"

	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/registry"
)

// LayerStat is one layer's size and its reference multiplicity across all
// images in the analysis scope.
type LayerStat struct {
	Size     int64 `json:"size"`
	RefCount int   `json:"refCount"`
}

// Graph is the layer reference graph for one analysis. Immutable once built;
// reads need no locking.
type Graph struct {
	mu     sync.Mutex
	layers map[string]*LayerStat
	imgs   map[images.Key]*registry.Image
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		layers: make(map[string]*LayerStat),
		imgs:   make(map[images.Key]*registry.Image),
	}
}

// add inserts one inspected image. Layer ref counts are incremented per
// image referencing the layer; insertion order does not matter. Serialized
// because inspection runs in parallel.
func (g *Graph) add(key images.Key, img *registry.Image) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.imgs[key]; dup {
		return
	}
	g.imgs[key] = img

	for _, l := range img.Layers {
		if stat, ok := g.layers[l.Digest]; ok {
			stat.RefCount++
		} else {
			g.layers[l.Digest] = &LayerStat{Size: l.Size, RefCount: 1}
		}
	}
}

// Image returns the inspected image for a key.
func (g *Graph) Image(key images.Key) (*registry.Image, bool) {
	img, ok := g.imgs[key]
	return img, ok
}

// Images returns all analyzed image keys.
func (g *Graph) Images() []images.Key {
	keys := make([]images.Key, 0, len(g.imgs))
	for k := range g.imgs {
		keys = append(keys, k)
	}
	return keys
}

// Layer returns the stat for one layer digest.
func (g *Graph) Layer(digest string) (LayerStat, bool) {
	if stat, ok := g.layers[digest]; ok {
		return *stat, true
	}
	return LayerStat{}, false
}

// ImageCount returns the number of analyzed images.
func (g *Graph) ImageCount() int {
	return len(g.imgs)
}

// LayerCount returns the number of distinct layers.
func (g *Graph) LayerCount() int {
	return len(g.layers)
}

// UniqueBytes is the total storage of all distinct layers.
func (g *Graph) UniqueBytes() int64 {
	var total int64
	for _, stat := range g.layers {
		total += stat.Size
	}
	return total
}

// TotalSize is the size of one image with shared layers included.
func (g *Graph) TotalSize(key images.Key) (int64, bool) {
	img, ok := g.imgs[key]
	if !ok {
		return 0, false
	}
	return img.TotalSize(), true
}

// FreedSpaceIfDeleted computes the exact bytes reclaimed if every image in
// the candidate set were deleted. A layer is reclaimed only when the
// candidates account for all of its references. The set is deduplicated by
// (type, tag) first; without that, a layer's delete count could exceed its
// ref count and the layer would never be counted.
func (g *Graph) FreedSpaceIfDeleted(candidates []images.Key) int64 {
	seen := make(map[images.Key]struct{}, len(candidates))
	deleteCount := make(map[string]int)

	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		img, ok := g.imgs[key]
		if !ok {
			continue
		}
		for _, l := range img.Layers {
			deleteCount[l.Digest]++
		}
	}

	var freed int64
	for digest, n := range deleteCount {
		if stat, ok := g.layers[digest]; ok && n == stat.RefCount {
			freed += stat.Size
		}
	}
	return freed
}

// ExclusiveSize is the bytes freed if this image alone were deleted.
func (g *Graph) ExclusiveSize(key images.Key) int64 {
	return g.FreedSpaceIfDeleted([]images.Key{key})
}

// ImageSize pairs an image with its total and exclusive sizes.
type ImageSize struct {
	Key            images.Key `json:"image"`
	TotalBytes     int64      `json:"totalBytes"`
	ExclusiveBytes int64      `json:"exclusiveBytes"`
}

// LargestImages returns the n images with the largest exclusive size, ties
// broken by key for stable output.
func (g *Graph) LargestImages(n int) []ImageSize {
	sizes := make([]ImageSize, 0, len(g.imgs))
	for key, img := range g.imgs {
		sizes = append(sizes, ImageSize{
			Key:            key,
			TotalBytes:     img.TotalSize(),
			ExclusiveBytes: g.ExclusiveSize(key),
		})
	}
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].ExclusiveBytes != sizes[j].ExclusiveBytes {
			return sizes[i].ExclusiveBytes > sizes[j].ExclusiveBytes
		}
		return sizes[i].Key.String() < sizes[j].Key.String()
	})
	if n > 0 && n < len(sizes) {
		sizes = sizes[:n]
	}
	return sizes
}
