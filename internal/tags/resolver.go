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

package tags

import (
	"github.com/dominodatalab/registry-janitor/internal/images"
)

// Revision is the slice of an environment_revisions document the resolver
// needs.
type Revision struct {
	ID            string
	EnvironmentID string
	DockerTag     string
}

// Version is the slice of a model_versions document the resolver needs.
// SlugTag is the image tag recorded in the version's build metadata.
type Version struct {
	ID      string
	ModelID string
	SlugTag string
}

// ArchivedID is a parent record whose registry tags are being resolved.
type ArchivedID struct {
	ID   string
	Type images.RecordType
}

// Match is the resolved owner of a registry tag. When a tag matched a parent
// (environment or model) but could be narrowed to a specific child, ObjectID
// and RecordType refer to the child, keeping downstream counts 1:1 with
// revisions and versions rather than parents.
type Match struct {
	ObjectID   string
	RecordType images.RecordType
}

// Resolver narrows parent matches to revisions/versions using control-plane
// metadata.
type Resolver struct {
	revisionsByEnv  map[string][]Revision
	versionsByModel map[string][]Version
}

// NewResolver indexes revisions by environment and versions by model.
func NewResolver(revisions []Revision, versions []Version) *Resolver {
	r := &Resolver{
		revisionsByEnv:  make(map[string][]Revision),
		versionsByModel: make(map[string][]Version),
	}
	for _, rev := range revisions {
		r.revisionsByEnv[rev.EnvironmentID] = append(r.revisionsByEnv[rev.EnvironmentID], rev)
	}
	for _, ver := range versions {
		r.versionsByModel[ver.ModelID] = append(r.versionsByModel[ver.ModelID], ver)
	}
	return r
}

// Resolve applies the matching rules of one archived ID to one registry tag.
func (r *Resolver) Resolve(tag string, id ArchivedID) (Match, bool) {
	switch id.Type {
	case images.RecordRevision, images.RecordVersion:
		if MatchesID(tag, id.ID) {
			return Match{ObjectID: id.ID, RecordType: id.Type}, true
		}
		return Match{}, false

	case images.RecordEnvironment:
		if !MatchesID(tag, id.ID) {
			// Revision tags embed the revision ID, not the environment ID.
			// Check the environment's known revisions directly.
			for _, rev := range r.revisionsByEnv[id.ID] {
				if MatchesID(tag, rev.ID) || (rev.DockerTag != "" && tag == rev.DockerTag) {
					return Match{ObjectID: rev.ID, RecordType: images.RecordRevision}, true
				}
			}
			return Match{}, false
		}
		// The tag carries the environment ID itself; narrow to a revision
		// when one claims it.
		for _, rev := range r.revisionsByEnv[id.ID] {
			if MatchesID(tag, rev.ID) || (rev.DockerTag != "" && tag == rev.DockerTag) {
				return Match{ObjectID: rev.ID, RecordType: images.RecordRevision}, true
			}
		}
		return Match{ObjectID: id.ID, RecordType: images.RecordEnvironment}, true

	case images.RecordModel:
		if !MatchesID(tag, id.ID) {
			return Match{}, false
		}
		// Model slug tags extend the stored slug tag with a timestamp
		// suffix; resolve to the version owning the slug.
		for _, ver := range r.versionsByModel[id.ID] {
			if ver.SlugTag != "" && Extends(tag, ver.SlugTag) {
				return Match{ObjectID: ver.ID, RecordType: images.RecordVersion}, true
			}
		}
		return Match{ObjectID: id.ID, RecordType: images.RecordModel}, true
	}

	return Match{}, false
}

// TagMatch pairs a registry tag with every archived record it resolves to.
type TagMatch struct {
	Tag     string
	Matches []Match
}

// ResolveAll applies every archived ID to every registry tag. The result is
// independent of tag order.
func (r *Resolver) ResolveAll(registryTags []string, ids []ArchivedID) []TagMatch {
	out := make([]TagMatch, 0)
	for _, tag := range registryTags {
		if tag == images.BuildCacheTag {
			continue
		}
		var matches []Match
		for _, id := range ids {
			if m, ok := r.Resolve(tag, id); ok {
				matches = append(matches, m)
			}
		}
		if len(matches) > 0 {
			out = append(out, TagMatch{Tag: tag, Matches: dedupeMatches(matches)})
		}
	}
	return out
}

func dedupeMatches(in []Match) []Match {
	seen := make(map[Match]struct{}, len(in))
	out := in[:0]
	for _, m := range in {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
