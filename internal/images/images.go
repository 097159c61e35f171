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

// Package images defines the identifiers shared by every subsystem: the two
// image classes the platform stores, the registry key for an image, and the
// four MongoDB record types whose lifecycle is tied to registry tags.
package images

import "fmt"

// Type is the class of a platform image.
type Type string

const (
	// TypeEnvironment is a user compute environment image.
	TypeEnvironment Type = "environment"
	// TypeModel is a deployed model image.
	TypeModel Type = "model"
)

// Types lists both image classes. Freed-space analysis must always cover
// both, even when deleting from only one, because layers are shared across
// classes.
func Types() []Type {
	return []Type{TypeEnvironment, TypeModel}
}

// ParseType validates a user-supplied image type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeEnvironment, TypeModel:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown image type %q (want %q or %q)",
		s, TypeEnvironment, TypeModel)
}

// BuildCacheTag is the registry's internal build-cache tag. It is never
// analyzed and never a deletion candidate.
const BuildCacheTag = "buildcache"

// Key identifies an image within the analysis scope.
type Key struct {
	Type Type   `json:"type"`
	Tag  string `json:"tag"`
}

func (k Key) String() string {
	return string(k.Type) + ":" + k.Tag
}

// RepositoryFor returns the conventional sub-repository for an image type
// under the configured base repository.
func RepositoryFor(base string, t Type) string {
	if base == "" {
		return string(t)
	}
	return base + "/" + string(t)
}

// RecordType is the MongoDB record class an archived ID belongs to.
type RecordType string

const (
	RecordEnvironment RecordType = "environment"
	RecordRevision    RecordType = "revision"
	RecordModel       RecordType = "model"
	RecordVersion     RecordType = "version"
)
