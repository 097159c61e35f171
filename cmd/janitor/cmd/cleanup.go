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

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dominodatalab/registry-janitor/internal/backup"
	"github.com/dominodatalab/registry-janitor/internal/candidates"
	"github.com/dominodatalab/registry-janitor/internal/gc"
	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/layers"
	"github.com/dominodatalab/registry-janitor/internal/report"
)

// cleanupCmd is the parent of the four deletion scenarios.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete registry images that are safe to remove",
	Long: `Selects deletion candidates from MongoDB state, verifies none are still in
use, and deletes them from the registry. Dry-run by default; pass --apply to
delete.
`,
}

type cleanupOptions struct {
	apply        bool
	assumeYes    bool
	backup       bool
	recentDays   int
	mongoCleanup bool
	resume       bool
	operationID  string
	workers      int
}

var cleanupOpts = &cleanupOptions{}

// deactivated-owner specific.
var deactivatedUsersFile string

func init() {
	pf := cleanupCmd.PersistentFlags()
	pf.BoolVar(&cleanupOpts.apply, "apply", false,
		"actually delete images (default is a dry run)")
	pf.BoolVar(&cleanupOpts.assumeYes, "yes", false,
		"skip the interactive confirmation prompt")
	pf.BoolVar(&cleanupOpts.backup, "backup", false,
		"back up each image to the configured S3 bucket before deleting")
	pf.IntVar(&cleanupOpts.recentDays, "recent-days", 0,
		"treat historical usage older than this many days as not in use (0 = any usage counts)")
	pf.BoolVar(&cleanupOpts.mongoCleanup, "mongo-cleanup", false,
		"also delete MongoDB records whose every image was deleted")
	pf.BoolVar(&cleanupOpts.resume, "resume", false,
		"resume a previous run from its checkpoint")
	pf.StringVar(&cleanupOpts.operationID, "operation-id", "",
		"operation ID for checkpointing (required with --resume)")
	pf.IntVar(&cleanupOpts.workers, "workers", 0,
		fmt.Sprintf("parallel deletions (capped at %d)", gc.MaxDeleteWorkers))

	cleanupDeactivatedCmd.PersistentFlags().StringVar(
		&deactivatedUsersFile,
		"users-file",
		"",
		"file with one deactivated user ID per line (defaults to reading IDs from arguments)",
	)

	cleanupCmd.AddCommand(cleanupArchivedCmd)
	cleanupCmd.AddCommand(cleanupUnusedCmd)
	cleanupCmd.AddCommand(cleanupDeactivatedCmd)
	cleanupCmd.AddCommand(cleanupOrphansCmd)
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupArchivedCmd = &cobra.Command{
	Use:           "archived",
	Short:         "Delete images of archived environments and models",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup("cleanup-archived", func(a *app, sel *candidates.Selector) ([]candidates.Candidate, error) {
			return sel.Archived(a.ctx)
		})
	},
}

var cleanupUnusedCmd = &cobra.Command{
	Use:           "unused",
	Short:         "Delete images of environments nothing references",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup("cleanup-unused", func(a *app, sel *candidates.Selector) ([]candidates.Candidate, error) {
			resolver, err := a.UsageResolver()
			if err != nil {
				return nil, err
			}
			return sel.UnusedEnvironments(a.ctx, resolver)
		})
	},
}

var cleanupDeactivatedCmd = &cobra.Command{
	Use:           "deactivated [user-id ...]",
	Short:         "Delete private environment images owned by deactivated users",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := deactivatedUserIDs(args)
		if err != nil {
			return err
		}
		return runCleanup("cleanup-deactivated", func(a *app, sel *candidates.Selector) ([]candidates.Candidate, error) {
			return sel.DeactivatedOwners(a.ctx, ids)
		})
	},
}

var cleanupOrphansCmd = &cobra.Command{
	Use:           "orphans",
	Short:         "Report MongoDB image references with no backing registry tag",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrphans()
	},
}

// deactivatedUserIDs merges IDs from arguments and the optional file.
func deactivatedUserIDs(args []string) ([]string, error) {
	ids := append([]string{}, args...)
	if deactivatedUsersFile != "" {
		b, err := os.ReadFile(deactivatedUsersFile)
		if err != nil {
			return nil, fmt.Errorf("reading users file: %w", err)
		}
		for _, line := range strings.Split(string(b), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				ids = append(ids, line)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no deactivated user IDs given (arguments or --users-file)")
	}
	return ids, nil
}

// selectFunc produces the candidate list for one scenario.
type selectFunc func(*app, *candidates.Selector) ([]candidates.Candidate, error)

// reportFileFor maps an operation kind to its configured report filename.
func reportFileFor(a *app, kind string) string {
	switch kind {
	case "cleanup-unused":
		return a.cfg.Reports.Unused
	case "cleanup-deactivated":
		return a.cfg.Reports.Deactivated
	}
	return a.cfg.Reports.Archived
}

// groupByFor picks the report grouping per scenario.
func groupByFor(kind string) func(candidates.Candidate) string {
	switch kind {
	case "cleanup-unused":
		return func(c candidates.Candidate) string {
			if c.EnvironmentID != "" {
				return c.EnvironmentID
			}
			return c.ObjectID
		}
	case "cleanup-deactivated":
		return func(c candidates.Candidate) string {
			if c.OwnerEmail != "" {
				return c.OwnerEmail
			}
			return "unknown-owner"
		}
	}
	return nil
}

func runCleanup(kind string, selectCands selectFunc) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	store, err := a.Mongo()
	if err != nil {
		return err
	}
	client, err := a.Registry()
	if err != nil {
		return err
	}
	sel := candidates.NewSelector(store, client, a.cfg.Registry.URL, a.cfg.Registry.Repository)

	cands, err := selectCands(a, sel)
	if err != nil {
		return err
	}
	logrus.Infof("Selected %d deletion candidates", len(cands))

	// Freed-space analysis always covers both image types: layers are shared
	// across environment and model images, so a single-type scope would
	// overestimate.
	builder := layers.NewBuilder(client, a.cfg.Registry.Repository, a.cfg.Analysis.MaxWorkers)
	graph, err := builder.Build(a.ctx, images.Types())
	if err != nil {
		return err
	}
	keys := make([]images.Key, 0, len(cands))
	for _, c := range cands {
		keys = append(keys, images.Key{Type: c.ImageType, Tag: c.Tag})
	}
	freed := graph.FreedSpaceIfDeleted(keys)
	unique := uniqueKeyCount(keys)

	proceed, err := a.confirmApply(cleanupOpts.apply, cleanupOpts.assumeYes,
		fmt.Sprintf("delete %d images (%0.2f GB reclaimable)", unique, float64(freed)/1e9))
	if err != nil {
		return err
	}

	var result *gc.Result
	var runErr error
	if proceed && len(cands) > 0 {
		result, runErr = applyCleanup(a, kind, cands)
	}

	rep := a.Reports().Cleanup(cands, unique, freed, result, !proceed, groupByFor(kind))
	if _, werr := a.Reports().Write(reportFileFor(a, kind), rep); werr != nil {
		if runErr == nil {
			runErr = werr
		} else {
			logrus.Warnf("Writing report: %v", werr)
		}
	}

	printCleanupSummary(rep)
	return runErr
}

func applyCleanup(a *app, kind string, cands []candidates.Candidate) (*gc.Result, error) {
	resolver, err := a.UsageResolver()
	if err != nil {
		return nil, err
	}
	checkpoints, err := a.Checkpoints()
	if err != nil {
		return nil, err
	}
	clusterMgr, err := a.Cluster()
	if err != nil {
		return nil, err
	}

	opID := cleanupOpts.operationID
	if opID == "" {
		if cleanupOpts.resume {
			return nil, fmt.Errorf("--resume requires --operation-id")
		}
		opID = uuid.NewString()[:8]
		logrus.Infof("Operation ID: %s (use with --resume --operation-id on partial failure)", opID)
	}

	var backupper gc.Backupper
	if cleanupOpts.backup {
		if a.cfg.Backup.Bucket == "" {
			return nil, fmt.Errorf("--backup requires backup.bucket in the configuration")
		}
		client, err := a.Registry()
		if err != nil {
			return nil, err
		}
		up, err := backup.New(a.ctx, client, a.cfg.Backup.Bucket, a.cfg.Backup.Region)
		if err != nil {
			return nil, err
		}
		backupper = up
	}

	client, err := a.Registry()
	if err != nil {
		return nil, err
	}
	store, err := a.Mongo()
	if err != nil {
		return nil, err
	}

	var toggle gc.ClusterToggle
	if clusterMgr != nil {
		toggle = clusterMgr
	}

	orch := gc.New(client, resolver, store, checkpoints, toggle, backupper, gc.Options{
		Kind:         kind,
		OperationID:  opID,
		Resume:       cleanupOpts.resume,
		BaseRepo:     a.cfg.Registry.Repository,
		RecentDays:   cleanupOpts.recentDays,
		Workers:      cleanupOpts.workers,
		MongoCleanup: cleanupOpts.mongoCleanup,
	})
	return orch.Run(a.ctx, cands)
}

// printCleanupSummary emits the operator-facing run summary before exit.
func printCleanupSummary(rep *report.CleanupReport) {
	s := rep.Summary
	mode := "APPLIED"
	if s.DryRun {
		mode = "DRY RUN"
	}
	fmt.Printf("\n%s: %d candidates, %d unique images, estimated %.2f GB reclaimable\n",
		mode, s.Candidates, s.UniqueImages, s.EstimatedFreedGB)
	if rep.Result == nil {
		return
	}
	fmt.Printf("  backed up:       %d\n", s.ImagesBackedUp)
	fmt.Printf("  deleted:         %d\n", s.ImagesDeleted)
	fmt.Printf("  mongo cleaned:   %d\n", s.MongoRecordsCleaned)
	for _, sk := range rep.Result.SkippedInUse {
		fmt.Printf("  skipped in use:  %s (%s)\n", sk.Tag, sk.UsageSummary)
	}
	for _, f := range rep.Result.Failed {
		fmt.Printf("  failed:          %s (%s)\n", f.Tag, f.Reason)
	}
}

func uniqueKeyCount(keys []images.Key) int {
	seen := make(map[images.Key]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	return len(seen)
}

func runOrphans() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	store, err := a.Mongo()
	if err != nil {
		return err
	}
	client, err := a.Registry()
	if err != nil {
		return err
	}

	sel := candidates.NewSelector(store, client, a.cfg.Registry.URL, a.cfg.Registry.Repository)
	orphans, err := sel.Orphans(a.ctx)
	if err != nil {
		return err
	}

	rep := a.Reports().Orphans(orphans)
	if _, err := a.Reports().Write(a.cfg.Reports.Orphans, rep); err != nil {
		return err
	}

	fmt.Printf("Orphaned references: %d\n", len(orphans))
	for coll, n := range rep.Summary.ByCollection {
		fmt.Printf("  %-24s %d\n", coll, n)
	}
	return nil
}
