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

// Package gc orchestrates the apply path: candidate narrowing, backup,
// registry deletion, and conditional MongoDB cleanup. Stage order is strict;
// the registry's delete-mode is always reverted, and progress is
// checkpointed so an interrupted run can resume.
package gc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nozzle/throttler"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dominodatalab/registry-janitor/internal/backup"
	"github.com/dominodatalab/registry-janitor/internal/candidates"
	"github.com/dominodatalab/registry-janitor/internal/checkpoint"
	"github.com/dominodatalab/registry-janitor/internal/container"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/usage"
)

// MaxDeleteWorkers caps the deletion pool regardless of configuration.
const MaxDeleteWorkers = 10

// checkpointEvery is how many completions pass between checkpoint saves.
const checkpointEvery = 10

// Deleter is the slice of the registry client the orchestrator needs.
type Deleter interface {
	Delete(ctx context.Context, repo, tag string) (bool, error)
}

// UsageResolver is the in-use gate.
type UsageResolver interface {
	Resolve(tag string, recentDays int) *usage.Record
}

// ClusterToggle flips the registry's delete-mode. Nil means the registry is
// external and needs no toggling.
type ClusterToggle interface {
	EnableDelete(ctx context.Context) error
	DisableDelete(ctx context.Context) error
}

// Backupper copies images to object storage before deletion.
type Backupper interface {
	BackupAll(ctx context.Context, items []backup.Item) (int, error)
}

// Options configures one orchestrator run.
type Options struct {
	// Kind labels the checkpoint, e.g. "cleanup-archived".
	Kind string
	// OperationID keys the checkpoint; resume requires the same ID.
	OperationID string
	Resume      bool

	BaseRepo   string
	RecentDays int
	Workers    int

	// MongoCleanup removes MongoDB records whose every tag was deleted.
	MongoCleanup bool
}

// FailedItem is one image that could not be deleted.
type FailedItem struct {
	Tag       string      `json:"tag"`
	ImageType images.Type `json:"imageType"`
	Reason    string      `json:"reason"`
}

// SkippedItem is one image excluded by the in-use gate.
type SkippedItem struct {
	Tag          string      `json:"tag"`
	ImageType    images.Type `json:"imageType"`
	UsageSummary string      `json:"usageSummary"`
}

// Result is the structured outcome of a run.
type Result struct {
	OperationID         string        `json:"operationId"`
	ImagesBackedUp      int           `json:"imagesBackedUp"`
	ImagesDeleted       int           `json:"dockerImagesDeleted"`
	MongoRecordsCleaned int           `json:"mongoRecordsCleaned"`
	DeletedIDs          []string      `json:"successfullyDeletedIds"`
	Failed              []FailedItem  `json:"failed"`
	SkippedInUse        []SkippedItem `json:"skippedInUse"`
}

// Orchestrator runs the deletion pipeline.
type Orchestrator struct {
	registry    Deleter
	usage       UsageResolver
	store       *mongodb.Store
	checkpoints *checkpoint.Store
	cluster     ClusterToggle
	backup      Backupper
	opts        Options
}

// New wires an orchestrator. cluster and backup may be nil to disable the
// corresponding stages.
func New(
	registry Deleter,
	resolver UsageResolver,
	store *mongodb.Store,
	checkpoints *checkpoint.Store,
	cluster ClusterToggle,
	backupper Backupper,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		usage:       resolver,
		store:       store,
		checkpoints: checkpoints,
		cluster:     cluster,
		backup:      backupper,
		opts:        opts,
	}
}

// item is one unique (image type, tag) with every record it belongs to.
type item struct {
	key       images.Key
	repo      string
	ids       map[string]images.RecordType
	summaries []string
}

// Run executes the stage sequence over the candidate list.
func (o *Orchestrator) Run(ctx context.Context, cands []candidates.Candidate) (*Result, error) {
	res := &Result{OperationID: o.opts.OperationID}

	cands = o.cloneClosure(cands)
	cands, err := o.dropLiveReferenced(ctx, cands)
	if err != nil {
		return res, err
	}

	items := o.dedupe(cands)
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.key.String())
	}

	cp, err := o.loadOrCreateCheckpoint(len(items))
	if err != nil {
		return res, err
	}
	remaining := container.NewSet(cp.Remaining(keys)...)
	work := make([]*item, 0, len(items))
	for _, it := range items {
		if remaining.Has(it.key.String()) {
			work = append(work, it)
		}
	}
	if len(work) < len(items) {
		logrus.Infof("Resuming operation %s: %d of %d images already processed",
			o.opts.OperationID, len(items)-len(work), len(items))
	}

	work, skipped := o.inUseGate(work)
	res.SkippedInUse = skipped
	for _, s := range skipped {
		cp.Skipped.Insert(images.Key{Type: s.ImageType, Tag: s.Tag}.String())
	}
	if err := o.checkpoints.Save(o.opts.Kind, o.opts.OperationID, cp); err != nil {
		return res, fmt.Errorf("saving checkpoint: %w", err)
	}

	if o.backup != nil {
		backupItems := make([]backup.Item, 0, len(work))
		for _, it := range work {
			backupItems = append(backupItems, backup.Item{Repository: it.repo, Tag: it.key.Tag})
		}
		n, err := o.backup.BackupAll(ctx, backupItems)
		res.ImagesBackedUp = n
		if err != nil {
			// No deletion may follow a failed backup.
			return res, fmt.Errorf("backup failed after %d of %d images, aborting: %w",
				n, len(backupItems), err)
		}
	}

	if o.cluster != nil {
		if err := o.cluster.EnableDelete(ctx); err != nil {
			// Non-fatal: deletes may still succeed if the registry already
			// allows them.
			logrus.Warnf("Could not enable registry delete-mode: %v", err)
		}
		defer func() {
			// Revert with a fresh context so cancellation cannot leave
			// delete-mode on.
			if err := o.cluster.DisableDelete(context.WithoutCancel(ctx)); err != nil {
				logrus.Warnf("Could not disable registry delete-mode: %v", err)
			}
		}()
	}

	deletedIDs := o.deleteAll(ctx, work, cp, res)

	if err := o.checkpoints.Save(o.opts.Kind, o.opts.OperationID, cp); err != nil {
		logrus.Warnf("Saving final checkpoint: %v", err)
	}

	if o.opts.MongoCleanup {
		cleaned, err := o.cleanupMongo(ctx, items, cp)
		res.MongoRecordsCleaned = cleaned
		if err != nil {
			return res, err
		}
	}

	res.DeletedIDs = container.SortedStrings(deletedIDs)

	if cp.Processed() >= cp.Total {
		if err := o.checkpoints.Delete(o.opts.Kind, o.opts.OperationID); err != nil {
			logrus.Warnf("Removing completed checkpoint: %v", err)
		}
	}
	return res, ctx.Err()
}

// cloneClosure drops revision candidates whose clone ancestry is not fully
// contained in the candidate set. Deleting a revision whose clone parent
// survives would break the parent's layer references in the registry.
func (o *Orchestrator) cloneClosure(cands []candidates.Candidate) []candidates.Candidate {
	inSet := container.NewSet[string]()
	for _, c := range cands {
		inSet.Insert(c.ObjectID)
		if c.EnvironmentID != "" {
			inSet.Insert(c.EnvironmentID)
		}
	}
	byID := make(map[string]candidates.Candidate, len(cands))
	for _, c := range cands {
		byID[c.ObjectID] = c
	}

	dropped := container.NewSet[string]()
	for _, c := range cands {
		if c.RecordType != images.RecordRevision || c.ClonedFromID == "" {
			continue
		}
		seen := container.NewSet[string](c.ObjectID)
		cur := c.ClonedFromID
		ok := true
		for cur != "" && !seen.Has(cur) {
			seen.Insert(cur)
			parent, present := byID[cur]
			if !present || !inSet.Has(parent.EnvironmentID) {
				ok = false
				break
			}
			cur = parent.ClonedFromID
		}
		if !ok {
			dropped.Insert(c.ObjectID)
			if c.EnvironmentID != "" {
				dropped.Insert(c.EnvironmentID)
			}
		}
	}
	if len(dropped) == 0 {
		return cands
	}

	out := cands[:0]
	for _, c := range cands {
		if dropped.Has(c.ObjectID) || (c.EnvironmentID != "" && dropped.Has(c.EnvironmentID)) {
			logrus.Infof("Dropping %s %s (%s): clone ancestry not fully in candidate set",
				c.RecordType, c.ObjectID, c.Tag)
			continue
		}
		out = append(out, c)
	}
	return out
}

// dropLiveReferenced removes candidates still referenced by a workspace,
// workspace session, or user default, regardless of archive status.
func (o *Orchestrator) dropLiveReferenced(ctx context.Context, cands []candidates.Candidate) ([]candidates.Candidate, error) {
	envIDs, revIDs, err := o.store.LiveWorkspaceRefs(ctx)
	if err != nil {
		return nil, err
	}
	defaults, err := o.store.UserDefaultEnvironmentIDs(ctx)
	if err != nil {
		return nil, err
	}
	live := envIDs.Union(revIDs).Union(defaults)

	out := cands[:0]
	for _, c := range cands {
		if live.Has(c.ObjectID) || (c.EnvironmentID != "" && live.Has(c.EnvironmentID)) {
			logrus.Infof("Dropping %s %s (%s): still referenced by a live workspace or user default",
				c.RecordType, c.ObjectID, c.Tag)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// dedupe collapses candidates to unique (image type, tag) items, remembering
// every record ID behind each image.
func (o *Orchestrator) dedupe(cands []candidates.Candidate) []*item {
	byKey := map[images.Key]*item{}
	var order []*item
	for _, c := range cands {
		key := images.Key{Type: c.ImageType, Tag: c.Tag}
		it, ok := byKey[key]
		if !ok {
			it = &item{
				key:  key,
				repo: images.RepositoryFor(o.opts.BaseRepo, c.ImageType),
				ids:  map[string]images.RecordType{},
			}
			byKey[key] = it
			order = append(order, it)
		}
		it.ids[c.ObjectID] = c.RecordType
	}
	return order
}

func (o *Orchestrator) loadOrCreateCheckpoint(total int) (*checkpoint.Checkpoint, error) {
	if o.opts.Resume {
		cp, err := o.checkpoints.Load(o.opts.Kind, o.opts.OperationID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return cp, nil
		}
		logrus.Warnf("No checkpoint found for %s/%s, starting fresh",
			o.opts.Kind, o.opts.OperationID)
	}
	return checkpoint.New(total), nil
}

// inUseGate is the final safety net before any destructive work.
func (o *Orchestrator) inUseGate(work []*item) ([]*item, []SkippedItem) {
	var skipped []SkippedItem
	out := work[:0]
	for _, it := range work {
		rec := o.usage.Resolve(it.key.Tag, o.opts.RecentDays)
		if rec.InUse {
			logrus.Infof("Skipping %s: in use (%s)", it.key, rec.Summary)
			skipped = append(skipped, SkippedItem{
				Tag:          it.key.Tag,
				ImageType:    it.key.Type,
				UsageSummary: rec.Summary,
			})
			continue
		}
		out = append(out, it)
	}
	return out, skipped
}

// deleteAll runs the parallel deletion stage and returns the record IDs
// whose every tag was deleted.
func (o *Orchestrator) deleteAll(
	ctx context.Context,
	work []*item,
	cp *checkpoint.Checkpoint,
	res *Result,
) container.Set[string] {
	deletedIDs := container.NewSet[string]()
	failedIDs := container.NewSet[string]()
	if len(work) == 0 {
		return deletedIDs
	}

	workers := o.opts.Workers
	if workers <= 0 || workers > MaxDeleteWorkers {
		workers = MaxDeleteWorkers
	}
	if workers > len(work) {
		workers = len(work)
	}
	logrus.Infof("Deleting %d images with %d workers", len(work), workers)

	var mu sync.Mutex
	completions := 0
	t := throttler.New(workers, len(work))
	for _, it := range work {
		go func(it *item) {
			var err error
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				_, err = o.registry.Delete(ctx, it.repo, it.key.Tag)
			}

			mu.Lock()
			if err != nil {
				cp.Failed.Insert(it.key.String())
				res.Failed = append(res.Failed, FailedItem{
					Tag:       it.key.Tag,
					ImageType: it.key.Type,
					Reason:    err.Error(),
				})
				for id := range it.ids {
					failedIDs.Insert(id)
				}
			} else {
				cp.Completed.Insert(it.key.String())
				res.ImagesDeleted++
				for id := range it.ids {
					deletedIDs.Insert(id)
				}
			}
			completions++
			if completions%checkpointEvery == 0 {
				if serr := o.checkpoints.Save(o.opts.Kind, o.opts.OperationID, cp); serr != nil {
					logrus.Warnf("Saving checkpoint: %v", serr)
				}
			}
			mu.Unlock()

			t.Done(err)
		}(it)
		t.Throttle()
	}

	// An ID may sit behind several tags; it is deleted only when all of them
	// went.
	return deletedIDs.Minus(failedIDs)
}

// cleanupMongo removes records whose every tag was deleted, honoring the
// referential-integrity guards. A guard refusing a delete is a skip, not an
// error. An ID qualifies only when every image carrying it is in the
// checkpoint's completed set, which covers tags deleted by an earlier
// resumed run and excludes tags that were skipped or failed.
func (o *Orchestrator) cleanupMongo(
	ctx context.Context,
	items []*item,
	cp *checkpoint.Checkpoint,
) (int, error) {
	keysByID := map[string][]string{}
	typeByID := map[string]images.RecordType{}
	for _, it := range items {
		for id, rt := range it.ids {
			keysByID[id] = append(keysByID[id], it.key.String())
			typeByID[id] = rt
		}
	}

	byType := map[images.RecordType][]string{}
	for id, keys := range keysByID {
		all := true
		for _, key := range keys {
			if !cp.Completed.Has(key) {
				all = false
				break
			}
		}
		if all {
			byType[typeByID[id]] = append(byType[typeByID[id]], id)
		}
	}

	cleaned := 0
	// Children before parents: versions, revisions, models, environments.
	for _, rt := range []images.RecordType{
		images.RecordVersion, images.RecordRevision,
		images.RecordModel, images.RecordEnvironment,
	} {
		sort.Strings(byType[rt])
		for _, id := range byType[rt] {
			oid, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				logrus.Warnf("Skipping cleanup of malformed ID %q: %v", id, err)
				continue
			}
			ok, err := o.cleanupOne(ctx, rt, oid)
			if err != nil {
				return cleaned, fmt.Errorf("cleaning up %s %s: %w", rt, id, err)
			}
			if ok {
				cleaned++
			}
		}
	}
	logrus.Infof("Cleaned %d MongoDB records", cleaned)
	return cleaned, nil
}

func (o *Orchestrator) cleanupOne(ctx context.Context, rt images.RecordType, id primitive.ObjectID) (bool, error) {
	switch rt {
	case images.RecordVersion:
		return o.store.DeleteByID(ctx, mongodb.CollModelVersions, id)

	case images.RecordRevision:
		n, err := o.store.VersionsFromLiveModelsReferencingRevision(ctx, id)
		if err != nil {
			return false, err
		}
		if n > 0 {
			logrus.Infof("Keeping revision %s: %d model versions of live models still reference it", id.Hex(), n)
			return false, nil
		}
		return o.store.DeleteByID(ctx, mongodb.CollRevisions, id)

	case images.RecordModel:
		n, err := o.store.VersionsReferencingModel(ctx, id)
		if err != nil {
			return false, err
		}
		if n > 0 {
			logrus.Infof("Keeping model %s: %d versions still reference it", id.Hex(), n)
			return false, nil
		}
		return o.store.DeleteByID(ctx, mongodb.CollModels, id)

	case images.RecordEnvironment:
		revs, err := o.store.RevisionsReferencingEnvironment(ctx, id)
		if err != nil {
			return false, err
		}
		if revs > 0 {
			logrus.Infof("Keeping environment %s: %d revisions still reference it", id.Hex(), revs)
			return false, nil
		}
		models, err := o.store.LiveModelsReferencingEnvironment(ctx, id)
		if err != nil {
			return false, err
		}
		if models > 0 {
			logrus.Infof("Keeping environment %s: %d live models still reference it", id.Hex(), models)
			return false, nil
		}
		return o.store.DeleteByID(ctx, mongodb.CollEnvironments, id)
	}
	return false, nil
}
