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

// Package usage decides whether a registry tag is still in use, based on the
// consolidated MongoDB usage snapshot.
//
// Usage sources split in two classes. Runs and workspaces are historical:
// they carry timestamps and can age out of a recency window. Models,
// scheduler jobs, projects, organizations, and app versions are
// current-configuration references: they have no timestamps and always count
// as in use.
package usage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/tags"
)

// MaxExamples caps the per-source example lists on a Record.
const MaxExamples = 5

// Record is the resolved usage of one registry tag.
type Record struct {
	Tag string `json:"tag"`

	RunsCount       int `json:"runsCount"`
	WorkspacesCount int `json:"workspacesCount"`
	ModelsCount     int `json:"modelsCount"`

	Runs          []mongodb.RunUsage       `json:"runs,omitempty"`
	Workspaces    []mongodb.WorkspaceUsage `json:"workspaces,omitempty"`
	Models        []mongodb.ModelUsage     `json:"models,omitempty"`
	SchedulerJobs []mongodb.ConfigUsage    `json:"schedulerJobs,omitempty"`
	Projects      []mongodb.ConfigUsage    `json:"projects,omitempty"`
	Organizations []mongodb.ConfigUsage    `json:"organizations,omitempty"`
	AppVersions   []mongodb.ConfigUsage    `json:"appVersions,omitempty"`

	Summary string `json:"usageSummary"`
	InUse   bool   `json:"inUse"`
}

// hasConfigUsage reports whether any current-configuration source references
// the tag.
func (r *Record) hasConfigUsage() bool {
	return r.ModelsCount > 0 ||
		len(r.SchedulerJobs) > 0 ||
		len(r.Projects) > 0 ||
		len(r.Organizations) > 0 ||
		len(r.AppVersions) > 0
}

// mostRecentActivity is the newest timestamp across the tag's historical
// usage, or the zero time when there is none.
func (r *Record) mostRecentActivity() time.Time {
	var newest time.Time
	for _, run := range r.Runs {
		if t := run.MostRecent(); t.After(newest) {
			newest = t
		}
	}
	for _, ws := range r.Workspaces {
		if ws.LastChange.After(newest) {
			newest = ws.LastChange
		}
	}
	return newest
}

// entry accumulates every usage fact recorded against one snapshot tag.
type entry struct {
	runs          []mongodb.RunUsage
	workspaces    []mongodb.WorkspaceUsage
	models        []mongodb.ModelUsage
	schedulerJobs []mongodb.ConfigUsage
	projects      []mongodb.ConfigUsage
	organizations []mongodb.ConfigUsage
	appVersions   []mongodb.ConfigUsage
}

func (e *entry) merge(other *entry) {
	e.runs = append(e.runs, other.runs...)
	e.workspaces = append(e.workspaces, other.workspaces...)
	e.models = append(e.models, other.models...)
	e.schedulerJobs = append(e.schedulerJobs, other.schedulerJobs...)
	e.projects = append(e.projects, other.projects...)
	e.organizations = append(e.organizations, other.organizations...)
	e.appVersions = append(e.appVersions, other.appVersions...)
}

// Resolver indexes a usage snapshot by tag and by leading ObjectID for
// constant-time lookups.
type Resolver struct {
	byTag map[string]*entry

	// byPrefix maps an ObjectID to the snapshot tags starting with it,
	// for the extended-tag fallback.
	byPrefix map[string][]string

	envIDs container.Set[string]
}

// NewResolver indexes the snapshot.
func NewResolver(snap *mongodb.Snapshot) *Resolver {
	r := &Resolver{
		byTag:    map[string]*entry{},
		byPrefix: map[string][]string{},
		envIDs:   container.NewSet[string](),
	}
	if snap == nil {
		return r
	}

	for _, m := range snap.Models {
		m := m
		for _, tag := range []string{m.SlugTag, m.RevisionTag} {
			if tag == "" {
				continue
			}
			e := r.entryFor(tag)
			e.models = append(e.models, m)
		}
	}
	for _, ws := range snap.Workspaces {
		ws := ws
		for _, tag := range ws.Tags {
			if tag == "" {
				continue
			}
			e := r.entryFor(tag)
			e.workspaces = append(e.workspaces, ws)
		}
	}
	for _, run := range snap.Runs {
		e := r.entryFor(run.Tag)
		e.runs = append(e.runs, run)
	}

	configs := []struct {
		list   []mongodb.ConfigUsage
		bucket func(e *entry, u mongodb.ConfigUsage)
	}{
		{snap.SchedulerJobs, func(e *entry, u mongodb.ConfigUsage) { e.schedulerJobs = append(e.schedulerJobs, u) }},
		{snap.Projects, func(e *entry, u mongodb.ConfigUsage) { e.projects = append(e.projects, u) }},
		{snap.Organizations, func(e *entry, u mongodb.ConfigUsage) { e.organizations = append(e.organizations, u) }},
		{snap.AppVersions, func(e *entry, u mongodb.ConfigUsage) { e.appVersions = append(e.appVersions, u) }},
	}
	for _, c := range configs {
		for _, u := range c.list {
			if u.EnvironmentID != "" {
				r.envIDs.Insert(u.EnvironmentID)
			}
			if u.Tag == "" {
				continue
			}
			c.bucket(r.entryFor(u.Tag), u)
		}
	}

	return r
}

func (r *Resolver) entryFor(tag string) *entry {
	e, ok := r.byTag[tag]
	if !ok {
		e = &entry{}
		r.byTag[tag] = e
		if id, has := tags.ObjectIDPrefix(tag); has {
			r.byPrefix[id] = append(r.byPrefix[id], tag)
		}
	}
	return e
}

// ReferencedEnvironmentIDs returns the environment IDs held directly by
// current-configuration sources, before resolution to tags.
func (r *Resolver) ReferencedEnvironmentIDs() container.Set[string] {
	return r.envIDs
}

// UsedObjectIDs returns every ObjectID derivable from a snapshot tag's
// leading segment. The unused-environment selector treats these IDs as
// touched.
func (r *Resolver) UsedObjectIDs() container.Set[string] {
	ids := container.NewSet[string]()
	for id := range r.byPrefix {
		ids.Insert(id)
	}
	return ids
}

// lookup finds the usage entry for a registry tag. Tags with no direct entry
// fall back to snapshot tags sharing their leading ObjectID: the registry may
// carry "<id>-v2-<ts>_<uid>" while the snapshot recorded "<id>-v2", and the
// longer form inherits the shorter form's usage.
func (r *Resolver) lookup(tag string) *entry {
	if e, ok := r.byTag[tag]; ok {
		return e
	}

	id, ok := tags.ObjectIDPrefix(tag)
	if !ok {
		return nil
	}
	var merged *entry
	for _, usageTag := range r.byPrefix[id] {
		if !tags.Extends(tag, usageTag) {
			continue
		}
		if merged == nil {
			merged = &entry{}
		}
		merged.merge(r.byTag[usageTag])
	}
	return merged
}

// Resolve returns the usage record for one tag. recentDays > 0 restricts the
// in-use verdict for historical sources to the given window; configuration
// sources always count. Resolution never discards usage facts, it only
// shapes the verdict.
func (r *Resolver) Resolve(tag string, recentDays int) *Record {
	rec := &Record{Tag: tag}

	e := r.lookup(tag)
	if e != nil {
		rec.RunsCount = len(e.runs)
		rec.WorkspacesCount = len(e.workspaces)
		rec.ModelsCount = len(e.models)
		rec.Runs = capRuns(e.runs)
		rec.Workspaces = capWorkspaces(e.workspaces)
		rec.Models = capModels(e.models)
		rec.SchedulerJobs = e.schedulerJobs
		rec.Projects = e.projects
		rec.Organizations = e.organizations
		rec.AppVersions = e.appVersions
	}

	rec.InUse = r.verdict(rec, recentDays)
	rec.Summary = summarize(rec)
	return rec
}

// ResolveAll resolves a batch of tags.
func (r *Resolver) ResolveAll(tagList []string, recentDays int) map[string]*Record {
	out := make(map[string]*Record, len(tagList))
	for _, tag := range tagList {
		out[tag] = r.Resolve(tag, recentDays)
	}
	return out
}

func (r *Resolver) verdict(rec *Record, recentDays int) bool {
	if rec.hasConfigUsage() {
		return true
	}
	if rec.RunsCount == 0 && rec.WorkspacesCount == 0 {
		return false
	}
	if recentDays <= 0 {
		return true
	}
	cutoff := time.Now().Add(-time.Duration(recentDays) * 24 * time.Hour)
	return rec.mostRecentActivity().After(cutoff)
}

// sourceOrder fixes the phrasing order of usage summaries.
var sourceOrder = []string{
	"run", "workspace", "model", "scheduler job",
	"project default", "organization default", "app version",
}

// summarize builds the human-readable usage phrase, e.g.
// "3 runs, 1 workspace, 2 project defaults". With no usage at all it names
// the sources checked so an unowned tag is actionable.
func summarize(rec *Record) string {
	counts := map[string]int{
		"run":                  rec.RunsCount,
		"workspace":            rec.WorkspacesCount,
		"model":                rec.ModelsCount,
		"scheduler job":        len(rec.SchedulerJobs),
		"project default":      len(rec.Projects),
		"organization default": len(rec.Organizations),
		"app version":          len(rec.AppVersions),
	}

	var parts []string
	for _, source := range sourceOrder {
		if n := counts[source]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, plural(source, n)))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	return "no usage found (checked " + strings.Join(pluralAll(sourceOrder), ", ") + ")"
}

func plural(s string, n int) string {
	if n == 1 {
		return s
	}
	return s + "s"
}

func pluralAll(sources []string) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s + "s"
	}
	return out
}

func capRuns(in []mongodb.RunUsage) []mongodb.RunUsage {
	if len(in) <= MaxExamples {
		return in
	}
	out := append([]mongodb.RunUsage(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].MostRecent().After(out[j].MostRecent())
	})
	return out[:MaxExamples]
}

func capWorkspaces(in []mongodb.WorkspaceUsage) []mongodb.WorkspaceUsage {
	if len(in) <= MaxExamples {
		return in
	}
	out := append([]mongodb.WorkspaceUsage(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastChange.After(out[j].LastChange)
	})
	return out[:MaxExamples]
}

func capModels(in []mongodb.ModelUsage) []mongodb.ModelUsage {
	if len(in) <= MaxExamples {
		return in
	}
	out := append([]mongodb.ModelUsage(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out[:MaxExamples]
}
