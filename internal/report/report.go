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

// Package report writes the JSON documents each operation leaves behind.
// Every run writes its report, including empty ones: downstream tooling
// relies on the file's presence.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/candidates"
	"github.com/dominodatalab/registry-janitor/internal/gc"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/layers"
	"github.com/dominodatalab/registry-janitor/internal/migrate"
)

// Metadata identifies the run a report belongs to.
type Metadata struct {
	RegistryURL string    `json:"registryUrl"`
	Repository  string    `json:"repository"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// BytesToGB converts a byte count to gigabytes with two decimals.
func BytesToGB(b int64) float64 {
	return math.Round(float64(b)/1e9*100) / 100
}

// Writer persists reports into the output directory.
type Writer struct {
	dir  string
	meta Metadata
}

// NewWriter creates a report writer rooted at dir.
func NewWriter(dir, registryURL, repository string) *Writer {
	return &Writer{
		dir: dir,
		meta: Metadata{
			RegistryURL: registryURL,
			Repository:  repository,
			GeneratedAt: time.Now().UTC(),
		},
	}
}

// Write marshals doc into dir/filename and returns the full path.
func (w *Writer) Write(filename string, doc any) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	path := filepath.Join(w.dir, filename)

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("writing report %s: %w", path, err)
	}
	logrus.Infof("Report written to %s", path)
	return path, nil
}

// AnalysisSummary is the headline numbers of a layer analysis.
type AnalysisSummary struct {
	Images          int     `json:"images"`
	Layers          int     `json:"layers"`
	TotalGB         float64 `json:"totalGb"`
	UniqueGB        float64 `json:"uniqueGb"`
	TotalBytes      int64   `json:"totalBytes"`
	UniqueBytes     int64   `json:"uniqueBytes"`
	SharedLayerPct  float64 `json:"sharedLayerPercent"`
	LargestImageTag string  `json:"largestImageTag,omitempty"`
}

// ImageDetail is one image row in the analysis report.
type ImageDetail struct {
	Type        images.Type `json:"type"`
	Tag         string      `json:"tag"`
	TotalGB     float64     `json:"totalGb"`
	ExclusiveGB float64     `json:"exclusiveGb"`
	Layers      int         `json:"layers"`
}

// AnalysisReport is the layer-analysis document.
type AnalysisReport struct {
	Summary  AnalysisSummary `json:"summary"`
	Largest  []ImageDetail   `json:"largestImages"`
	Metadata Metadata        `json:"metadata"`
}

// Analysis builds the analysis report from a built graph.
func (w *Writer) Analysis(g *layers.Graph, top int) *AnalysisReport {
	all := g.LargestImages(0)
	var total int64
	for _, s := range all {
		total += s.TotalBytes
	}
	unique := g.UniqueBytes()

	summary := AnalysisSummary{
		Images:      g.ImageCount(),
		Layers:      g.LayerCount(),
		TotalBytes:  total,
		UniqueBytes: unique,
		TotalGB:     BytesToGB(total),
		UniqueGB:    BytesToGB(unique),
	}
	if total > 0 {
		summary.SharedLayerPct = math.Round(float64(total-unique)/float64(total)*10000) / 100
	}

	rows := all
	if top > 0 && top < len(rows) {
		rows = rows[:top]
	}
	var largest []ImageDetail
	for _, s := range rows {
		detail := ImageDetail{
			Type:        s.Key.Type,
			Tag:         s.Key.Tag,
			TotalGB:     BytesToGB(s.TotalBytes),
			ExclusiveGB: BytesToGB(s.ExclusiveBytes),
		}
		if img, ok := g.Image(s.Key); ok {
			detail.Layers = len(img.Layers)
		}
		largest = append(largest, detail)
	}
	if len(largest) > 0 {
		summary.LargestImageTag = largest[0].Tag
	}

	return &AnalysisReport{Summary: summary, Largest: largest, Metadata: w.meta}
}

// CleanupSummary is the headline numbers of a cleanup run.
type CleanupSummary struct {
	Candidates          int     `json:"candidates"`
	UniqueImages        int     `json:"uniqueImages"`
	ImagesBackedUp      int     `json:"imagesBackedUp"`
	ImagesDeleted       int     `json:"dockerImagesDeleted"`
	MongoRecordsCleaned int     `json:"mongoRecordsCleaned"`
	SkippedInUse        int     `json:"skippedInUse"`
	Failed              int     `json:"failed"`
	EstimatedFreedGB    float64 `json:"estimatedFreedGb"`
	EstimatedFreedBytes int64   `json:"estimatedFreedBytes"`
	DryRun              bool    `json:"dryRun"`
}

// RecordTypeCounts breaks candidate IDs down per MongoDB record type.
type RecordTypeCounts map[images.RecordType]int

// CleanupReport is the document for the archived / unused / deactivated
// cleanup operations. GroupedDetails varies per operation: archived groups
// by record type, unused by environment ID, deactivated by owner email.
type CleanupReport struct {
	Summary        CleanupSummary          `json:"summary"`
	RecordCounts   RecordTypeCounts        `json:"recordTypeCounts,omitempty"`
	Details        []candidates.Candidate  `json:"details"`
	GroupedDetails map[string][]string     `json:"groupedDetails,omitempty"`
	Result         *gc.Result              `json:"result,omitempty"`
	Metadata       Metadata                `json:"metadata"`
}

// Cleanup builds a cleanup report. result may be nil on dry runs.
func (w *Writer) Cleanup(
	cands []candidates.Candidate,
	uniqueImages int,
	freedBytes int64,
	result *gc.Result,
	dryRun bool,
	groupBy func(candidates.Candidate) string,
) *CleanupReport {
	summary := CleanupSummary{
		Candidates:          len(cands),
		UniqueImages:        uniqueImages,
		EstimatedFreedBytes: freedBytes,
		EstimatedFreedGB:    BytesToGB(freedBytes),
		DryRun:              dryRun,
	}
	counts := RecordTypeCounts{}
	for _, c := range cands {
		counts[c.RecordType]++
	}
	if result != nil {
		summary.ImagesBackedUp = result.ImagesBackedUp
		summary.ImagesDeleted = result.ImagesDeleted
		summary.MongoRecordsCleaned = result.MongoRecordsCleaned
		summary.SkippedInUse = len(result.SkippedInUse)
		summary.Failed = len(result.Failed)
	}

	rep := &CleanupReport{
		Summary:      summary,
		RecordCounts: counts,
		Details:      cands,
		Result:       result,
		Metadata:     w.meta,
	}
	if groupBy != nil {
		rep.GroupedDetails = map[string][]string{}
		for _, c := range cands {
			key := groupBy(c)
			rep.GroupedDetails[key] = append(rep.GroupedDetails[key], c.Tag)
		}
	}
	return rep
}

// OrphanReport lists MongoDB image references with no backing registry tag.
type OrphanReport struct {
	Summary struct {
		Orphans      int            `json:"orphans"`
		ByCollection map[string]int `json:"byCollection"`
	} `json:"summary"`
	Details  []candidates.Orphan `json:"details"`
	Metadata Metadata            `json:"metadata"`
}

// Orphans builds the orphan-reference report.
func (w *Writer) Orphans(orphans []candidates.Orphan) *OrphanReport {
	rep := &OrphanReport{Details: orphans, Metadata: w.meta}
	rep.Summary.Orphans = len(orphans)
	rep.Summary.ByCollection = map[string]int{}
	for _, o := range orphans {
		rep.Summary.ByCollection[o.Collection]++
	}
	return rep
}

// MigrationReport wraps a migration result with metadata.
type MigrationReport struct {
	Summary struct {
		Repositories int `json:"repositories"`
		TagsCopied   int `json:"tagsCopied"`
		TagsFailed   int `json:"tagsFailed"`
	} `json:"summary"`
	Result   *migrate.Result `json:"result"`
	Metadata Metadata        `json:"metadata"`
}

// Migration builds the migration report.
func (w *Writer) Migration(result *migrate.Result) *MigrationReport {
	rep := &MigrationReport{Result: result, Metadata: w.meta}
	rep.Summary.Repositories = len(result.Repos)
	rep.Summary.TagsCopied = result.TagsCopied
	rep.Summary.TagsFailed = result.TagsFailed
	return rep
}
