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

	"github.com/spf13/cobra"
)

// usageCmd refreshes the usage snapshot and answers per-tag queries.
var usageCmd = &cobra.Command{
	Use:           "usage [tag ...]",
	Short:         "Aggregate image usage from MongoDB and query tags",
	Long: `Runs the usage aggregation pipelines (runs, workspaces, models, projects,
scheduler jobs, organizations, app versions), persists the consolidated
snapshot, and prints the usage verdict for any tags given as arguments.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUsage(args)
	},
}

type usageOptions struct {
	recentDays int
	refresh    bool
}

var usageOpts = &usageOptions{}

func init() {
	usageCmd.PersistentFlags().IntVar(
		&usageOpts.recentDays,
		"recent-days",
		0,
		"recency window in days for the in-use verdict (0 = any usage counts)",
	)

	usageCmd.PersistentFlags().BoolVar(
		&usageOpts.refresh,
		"refresh",
		false,
		"re-run the aggregation pipelines even if the snapshot is fresh",
	)

	rootCmd.AddCommand(usageCmd)
}

func runUsage(tags []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if usageOpts.refresh {
		if err := removeStaleSnapshot(a); err != nil {
			return err
		}
	}

	resolver, err := a.UsageResolver()
	if err != nil {
		return err
	}

	for _, tag := range tags {
		rec := resolver.Resolve(tag, usageOpts.recentDays)
		verdict := "NOT in use"
		if rec.InUse {
			verdict = "IN USE"
		}
		fmt.Printf("%s: %s (%s)\n", tag, verdict, rec.Summary)
	}
	return nil
}

// removeStaleSnapshot forces EnsureFresh to regenerate by deleting the
// stored snapshot first.
func removeStaleSnapshot(a *app) error {
	return removeIfExists(a.snapshotPath())
}
