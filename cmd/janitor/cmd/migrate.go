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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dominodatalab/registry-janitor/internal/migrate"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
)

// migrateCmd copies repositories to another registry.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy registry repositories to a new registry",
	Long: `Copies every tag of the discovered (or listed) repositories to a destination
registry, optionally restricted to archived or non-archived images, and can
rewrite the repository prefixes stored in MongoDB afterwards.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

type migrateOptions struct {
	destHost      string
	destAuth      string
	destToken     string
	destInsecure  bool
	repos         []string
	archived      bool
	unarchived    bool
	rewritePrefix string
	operationID   string
	resume        bool
}

var migrateOpts = &migrateOptions{}

func init() {
	pf := migrateCmd.PersistentFlags()
	pf.StringVar(&migrateOpts.destHost, "dest", "",
		"destination registry host (required)")
	pf.StringVar(&migrateOpts.destAuth, "dest-auth", "",
		"destination basic auth as user:password")
	pf.StringVar(&migrateOpts.destToken, "dest-token", "",
		"destination bearer token (mutually exclusive with --dest-auth)")
	pf.BoolVar(&migrateOpts.destInsecure, "dest-insecure", false,
		"skip TLS verification for the destination registry")
	pf.StringSliceVar(&migrateOpts.repos, "repos", nil,
		"explicit repositories to migrate (default: discover under the base repository)")
	pf.BoolVar(&migrateOpts.archived, "archived", false,
		"migrate only tags of archived environments and models")
	pf.BoolVar(&migrateOpts.unarchived, "unarchived", false,
		"migrate only tags of non-archived environments and models")
	pf.StringVar(&migrateOpts.rewritePrefix, "rewrite-prefix", "",
		"after copying, rewrite MongoDB repository fields to start with this prefix")
	pf.StringVar(&migrateOpts.operationID, "operation-id", "",
		"operation ID for checkpointing (required with --resume)")
	pf.BoolVar(&migrateOpts.resume, "resume", false,
		"resume a previous migration, skipping completed repositories")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	if migrateOpts.destHost == "" {
		return fmt.Errorf("--dest is required")
	}
	if migrateOpts.archived && migrateOpts.unarchived {
		return fmt.Errorf("--archived and --unarchived are mutually exclusive")
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	client, err := a.Registry()
	if err != nil {
		return err
	}

	filter := migrate.FilterNone
	var store *mongodb.Store
	needsMongo := migrateOpts.archived || migrateOpts.unarchived || migrateOpts.rewritePrefix != ""
	if needsMongo {
		if store, err = a.Mongo(); err != nil {
			return err
		}
	}
	if migrateOpts.archived {
		filter = migrate.FilterArchived
	}
	if migrateOpts.unarchived {
		filter = migrate.FilterUnarchived
	}

	destAuth, err := migrate.DestAuthenticator(migrateOpts.destAuth, migrateOpts.destToken)
	if err != nil {
		return err
	}

	checkpoints, err := a.Checkpoints()
	if err != nil {
		return err
	}

	opID := migrateOpts.operationID
	if opID == "" {
		if migrateOpts.resume {
			return fmt.Errorf("--resume requires --operation-id")
		}
		opID = uuid.NewString()[:8]
		logrus.Infof("Operation ID: %s (use with --resume --operation-id on partial failure)", opID)
	}

	m := migrate.New(client, store, checkpoints, migrate.Options{
		OperationID:   opID,
		Resume:        migrateOpts.resume,
		Repos:         migrateOpts.repos,
		BaseRepo:      a.cfg.Registry.Repository,
		Filter:        filter,
		DestHost:      migrateOpts.destHost,
		DestAuth:      destAuth,
		DestInsecure:  migrateOpts.destInsecure,
		RewritePrefix: migrateOpts.rewritePrefix,
	})

	result, runErr := m.Run(a.ctx)

	rep := a.Reports().Migration(result)
	if _, werr := a.Reports().Write(a.cfg.Reports.Migration, rep); werr != nil {
		if runErr == nil {
			runErr = werr
		} else {
			logrus.Warnf("Writing report: %v", werr)
		}
	}

	fmt.Printf("Migrated %d tags across %d repositories (%d failed)\n",
		result.TagsCopied, len(result.Repos), result.TagsFailed)
	if result.MongoRewrites != nil {
		fmt.Printf("MongoDB rewrites: %d builds, %d revisions, %d model versions\n",
			result.MongoRewrites.BuildsUpdated,
			result.MongoRewrites.RevisionsUpdated,
			result.MongoRewrites.VersionsUpdated)
	}
	if result.TagsFailed > 0 && runErr == nil {
		runErr = fmt.Errorf("%d tag copies failed", result.TagsFailed)
	}
	return runErr
}
