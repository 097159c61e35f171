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

package container

import "sort"

// Set is a basic set-like data structure.
type Set[K comparable] map[K]struct{}

// NewSet constructs a Set with the specified items.
func NewSet[K comparable](items ...K) Set[K] {
	s := make(Set[K], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Insert inserts an item into the set.
func (s Set[K]) Insert(item K) {
	s[item] = struct{}{}
}

// Has reports whether item is in the set.
func (s Set[K]) Has(item K) bool {
	_, ok := s[item]
	return ok
}

// Minus returns a new set, by subtracting everything in b from a.
func (a Set[K]) Minus(b Set[K]) Set[K] {
	c := make(Set[K])
	for k := range a {
		c[k] = struct{}{}
	}
	for k := range b {
		delete(c, k)
	}
	return c
}

// Union takes two sets and returns their union in a new set.
func (a Set[K]) Union(b Set[K]) Set[K] {
	c := make(Set[K])
	for k := range a {
		c[k] = struct{}{}
	}
	for k := range b {
		c[k] = struct{}{}
	}
	return c
}

// Intersection takes two sets and returns elements common to both.
func (a Set[K]) Intersection(b Set[K]) Set[K] {
	c := make(Set[K])
	for k := range a {
		if _, ok := b[k]; ok {
			c[k] = struct{}{}
		}
	}
	return c
}

// List returns the set items as a slice, in unspecified order.
func (s Set[K]) List() []K {
	out := make([]K, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// SortedStrings returns a string set as a sorted slice.
func SortedStrings(s Set[string]) []string {
	out := s.List()
	sort.Strings(out)
	return out
}
