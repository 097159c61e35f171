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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dominodatalab/registry-janitor/internal/images"
	"github.com/dominodatalab/registry-janitor/internal/layers"
)

// analyzeCmd builds the layer graph and reports storage sharing.
var analyzeCmd = &cobra.Command{
	Use:           "analyze",
	Short:         "Analyze registry layer sharing and reclaimable space",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze()
	},
}

type analyzeOptions struct {
	top     int
	workers int
}

var analyzeOpts = &analyzeOptions{}

func init() {
	analyzeCmd.PersistentFlags().IntVar(
		&analyzeOpts.top,
		"top",
		20,
		"number of largest images to include in the report",
	)

	analyzeCmd.PersistentFlags().IntVar(
		&analyzeOpts.workers,
		"workers",
		0,
		"concurrent manifest inspections (defaults to analysis.maxWorkers)",
	)

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze() error {
	a, err := newApp()
	if err != nil {
		return err
	}

	client, err := a.Registry()
	if err != nil {
		return err
	}

	workers := analyzeOpts.workers
	if workers <= 0 {
		workers = a.cfg.Analysis.MaxWorkers
	}

	builder := layers.NewBuilder(client, a.cfg.Registry.Repository, workers)
	graph, err := builder.Build(a.ctx, images.Types())
	if err != nil {
		return err
	}

	rep := a.Reports().Analysis(graph, analyzeOpts.top)
	if _, err := a.Reports().Write(a.cfg.Reports.Analysis, rep); err != nil {
		return err
	}

	logrus.Infof("Analyzed %d images across %d distinct layers", rep.Summary.Images, rep.Summary.Layers)
	fmt.Printf("Total image data:  %.2f GB\n", rep.Summary.TotalGB)
	fmt.Printf("Unique layer data: %.2f GB (%.2f%% shared)\n",
		rep.Summary.UniqueGB, rep.Summary.SharedLayerPct)
	for _, img := range rep.Largest {
		fmt.Printf("  %-11s %-50s total %8.2f GB  exclusive %8.2f GB\n",
			img.Type, img.Tag, img.TotalGB, img.ExclusiveGB)
	}
	return nil
}
