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
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/checkpoint"
	"github.com/dominodatalab/registry-janitor/internal/cluster"
	"github.com/dominodatalab/registry-janitor/internal/config"
	"github.com/dominodatalab/registry-janitor/internal/mongodb"
	"github.com/dominodatalab/registry-janitor/internal/registry"
	"github.com/dominodatalab/registry-janitor/internal/report"
	"github.com/dominodatalab/registry-janitor/internal/signals"
	"github.com/dominodatalab/registry-janitor/internal/usage"
)

// defaultRegistryWorkload is the conventional in-cluster registry name.
const defaultRegistryWorkload = "docker-registry"

// app holds the wired subsystems one command invocation needs. Pieces are
// built lazily so read-only commands never dial what they do not use.
type app struct {
	ctx context.Context
	cfg *config.Config

	registryClient *registry.Client
	db             *mongodb.MongoDatabase
	store          *mongodb.Store
	clusterMgr     *cluster.Manager
	checkpoints    *checkpoint.Store
	writer         *report.Writer
}

// newApp loads configuration and installs the interrupt handler.
func newApp() (*app, error) {
	cfg, err := config.Load(rootOpts.configFile)
	if err != nil {
		return nil, err
	}
	return &app{ctx: signals.SetupContext(), cfg: cfg}, nil
}

// Cluster returns the cluster manager, connecting on first use. Returns nil
// when the registry is not in-cluster.
func (a *app) Cluster() (*cluster.Manager, error) {
	if !a.cfg.Cluster.InCluster {
		return nil, nil
	}
	if a.clusterMgr == nil {
		workload := a.cfg.Cluster.RegistryWorkload
		if workload == "" {
			workload = defaultRegistryWorkload
		}
		mgr, err := cluster.NewManager(a.cfg.Cluster.Namespace, workload, a.cfg.Analysis.Timeout())
		if err != nil {
			return nil, err
		}
		a.clusterMgr = mgr
	}
	return a.clusterMgr, nil
}

// Registry returns the registry client, resolving credentials on first use.
func (a *app) Registry() (*registry.Client, error) {
	if a.registryClient != nil {
		return a.registryClient, nil
	}

	var secrets registry.SecretLookup
	if a.cfg.Registry.AuthSecret != "" {
		mgr, err := a.Cluster()
		if err != nil {
			return nil, err
		}
		if mgr != nil {
			secrets = mgr.SecretCredentials
		}
	}
	auth, err := registry.ResolveAuthenticator(a.ctx, a.cfg.Registry, secrets, nil)
	if err != nil {
		return nil, err
	}

	a.registryClient = registry.NewClient(registry.Options{
		Host:      a.cfg.Registry.URL,
		Insecure:  a.cfg.Registry.Insecure,
		Auth:      auth,
		RateLimit: a.cfg.RateLimit,
		Retry:     a.cfg.Retry,
		Cache:     a.cfg.Cache,
	})
	return a.registryClient, nil
}

// Mongo returns the typed store, connecting on first use.
func (a *app) Mongo() (*mongodb.Store, error) {
	if a.store == nil {
		db, err := mongodb.Connect(a.ctx, a.cfg.MongoURI(), a.cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = mongodb.NewStore(db)
	}
	return a.store, nil
}

// UsageResolver ensures a fresh usage snapshot and indexes it.
func (a *app) UsageResolver() (*usage.Resolver, error) {
	if _, err := a.Mongo(); err != nil {
		return nil, err
	}
	agg := mongodb.NewAggregator(a.db, a.snapshotPath(), a.cfg.Analysis.SnapshotMaxAge())
	snap, err := agg.EnsureFresh(a.ctx)
	if err != nil {
		return nil, err
	}
	return usage.NewResolver(snap), nil
}

func (a *app) snapshotPath() string {
	return filepath.Join(a.cfg.Analysis.OutputDir, a.cfg.Reports.Usage)
}

// Checkpoints returns the checkpoint store under the output directory.
func (a *app) Checkpoints() (*checkpoint.Store, error) {
	if a.checkpoints == nil {
		store, err := checkpoint.NewStore(filepath.Join(a.cfg.Analysis.OutputDir, "checkpoints"))
		if err != nil {
			return nil, err
		}
		a.checkpoints = store
	}
	return a.checkpoints, nil
}

// Reports returns the report writer for this run.
func (a *app) Reports() *report.Writer {
	if a.writer == nil {
		a.writer = report.NewWriter(
			a.cfg.Analysis.OutputDir, a.cfg.Registry.URL, a.cfg.Registry.Repository)
	}
	return a.writer
}

// removeIfExists deletes a file, tolerating its absence.
func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// confirmApply enforces the safety rails before destructive work: apply mode
// must be explicit, and unless --yes was passed the operator types "yes" at
// the prompt.
func (a *app) confirmApply(apply, assumeYes bool, what string) (bool, error) {
	if !apply {
		logrus.Info("Dry run: no registry or MongoDB changes will be made (pass --apply to delete)")
		return false, nil
	}
	if !a.cfg.Security.RequireConfirmation || assumeYes {
		return true, nil
	}

	fmt.Fprintf(os.Stderr, "About to %s. This cannot be undone. Type 'yes' to continue: ", what)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	if strings.TrimSpace(line) != "yes" {
		logrus.Warn("Aborted by operator")
		return false, nil
	}
	return true, nil
}
