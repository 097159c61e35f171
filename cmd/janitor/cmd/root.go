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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Garbage-collect and migrate the platform Docker registry",
	Long: `janitor - Domino registry garbage collection and lifecycle toolkit

Reconciles the platform Docker registry with the MongoDB control plane:
analyzes layer sharing and reclaimable space, resolves image usage across
runs, workspaces, models, and configuration, deletes images that are safe to
remove, and migrates repositories between registries.
`,
	PersistentPreRunE: initLogging,
}

type rootOptions struct {
	configFile string
	logLevel   string
}

var rootOpts = &rootOptions{}

// Execute adds all child commands to the root command and sets flags.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&rootOpts.configFile,
		"config",
		"",
		"path to the janitor configuration file (defaults apply when omitted)",
	)

	rootCmd.PersistentFlags().StringVar(
		&rootOpts.logLevel,
		"log-level",
		"info",
		"the logging verbosity, one of: trace, debug, info, warning, error",
	)
}

func initLogging(*cobra.Command, []string) error {
	level, err := logrus.ParseLevel(rootOpts.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}
