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

// Package tags maps between registry tag strings and MongoDB identifiers.
//
// Three canonical tag shapes exist:
//
//	bare ObjectID     507f1f77bcf86cd799439011
//	ObjectID-prefixed 507f1f77bcf86cd799439011-v2
//	model slug        507f1f77bcf86cd799439011-v2-1699999999_ab12cd
//
// ObjectIDs are matched by equality or by "<id>-" prefix, never by substring:
// a 24-hex ID can appear embedded inside longer hex-like tags and a substring
// match would produce false positives.
package tags

import (
	"regexp"
	"strings"
)

var (
	objectIDRe = regexp.MustCompile(`^[0-9a-f]{24}$`)

	// slugSuffixRe matches the "-v<N>-<timestamp>_<uid>" portion of a model
	// slug tag.
	slugSuffixRe = regexp.MustCompile(`^v\d+-\d+_[0-9a-zA-Z]+$`)
)

// IsObjectID reports whether s is a bare 24-hex MongoDB ObjectID.
func IsObjectID(s string) bool {
	return objectIDRe.MatchString(strings.ToLower(s))
}

// Shape is the canonical form of a registry tag.
type Shape int

const (
	// ShapeOther is any tag not derived from an ObjectID.
	ShapeOther Shape = iota
	// ShapeObjectID is a bare ObjectID tag.
	ShapeObjectID
	// ShapePrefixed is "<ObjectID>-<suffix>".
	ShapePrefixed
	// ShapeModelSlug is "<modelId>-v<N>-<timestamp>_<uid>".
	ShapeModelSlug
)

// ShapeOf classifies a tag.
func ShapeOf(tag string) Shape {
	if IsObjectID(tag) {
		return ShapeObjectID
	}
	id, rest, found := strings.Cut(tag, "-")
	if !found || !IsObjectID(id) {
		return ShapeOther
	}
	if slugSuffixRe.MatchString(rest) {
		return ShapeModelSlug
	}
	return ShapePrefixed
}

// ObjectIDPrefix extracts the leading ObjectID of a tag, if it has one.
func ObjectIDPrefix(tag string) (string, bool) {
	if IsObjectID(tag) {
		return strings.ToLower(tag), true
	}
	id, _, found := strings.Cut(tag, "-")
	if found && IsObjectID(id) {
		return strings.ToLower(id), true
	}
	return "", false
}

// MatchesID reports whether tag belongs to the given ObjectID: exact
// equality, or the ID followed by a "-" separator.
func MatchesID(tag, id string) bool {
	if tag == id {
		return true
	}
	return strings.HasPrefix(tag, id+"-")
}

// Extends reports whether registryTag is usageTag with an extra "-"-joined
// suffix (or identical). Used to inherit usage facts recorded against the
// shorter "<id>-v<N>" form for registry tags carrying a timestamp suffix.
func Extends(registryTag, usageTag string) bool {
	if registryTag == usageTag {
		return true
	}
	return strings.HasPrefix(registryTag, usageTag+"-")
}
