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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "janitor.yaml")
	require.Nil(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  url: registry.example.com:5000
  repository: domino
analysis:
  maxWorkers: 8
`)

	cfg, err := Load(path)
	require.Nil(t, err)
	require.Equal(t, "registry.example.com:5000", cfg.Registry.URL)
	require.Equal(t, 8, cfg.Analysis.MaxWorkers)

	// Untouched sections keep their defaults.
	require.Equal(t, 27017, cfg.Mongo.Port)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.True(t, cfg.Security.RequireConfirmation)
	require.Equal(t, 24*time.Hour, cfg.Analysis.SnapshotMaxAge())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
registry:
  url: registry.example.com:5000
  tyop: oops
`)

	_, err := Load(path)
	require.NotNil(t, err, "unknown config keys must be rejected, not silently dropped")
}

func TestLoadResolvesEnvCredentials(t *testing.T) {
	t.Setenv("TEST_REGISTRY_PASSWORD", "s3cret")
	path := writeConfig(t, `
registry:
  url: registry.example.com:5000
  username: admin
  password: env:TEST_REGISTRY_PASSWORD
`)

	cfg, err := Load(path)
	require.Nil(t, err)
	require.Equal(t, "admin", cfg.Registry.Username)
	require.Equal(t, "s3cret", cfg.Registry.Password)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Registry.URL = "registry.example.com"
		return cfg
	}

	require.Nil(t, base().Validate())

	cfg := base()
	cfg.Registry.URL = ""
	require.NotNil(t, cfg.Validate())

	cfg = base()
	cfg.Mongo.Database = ""
	require.NotNil(t, cfg.Validate())

	cfg = base()
	cfg.Analysis.MaxWorkers = 0
	require.NotNil(t, cfg.Validate())

	cfg = base()
	cfg.Retry.Multiplier = 0.5
	require.NotNil(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.RequestsPerSec = 0
	require.NotNil(t, cfg.Validate())
}

func TestMongoURI(t *testing.T) {
	cfg := Default()
	require.Equal(t, "mongodb://mongodb-replicaset:27017/domino", cfg.MongoURI())

	cfg.Mongo.Username = "janitor"
	cfg.Mongo.Password = "pw"
	cfg.Mongo.ReplicaSet = "rs0"
	require.Equal(t, "mongodb://janitor:pw@mongodb-replicaset:27017/domino?replicaSet=rs0", cfg.MongoURI())
}

func TestRetryDurations(t *testing.T) {
	r := RetryConfig{InitialDelaySeconds: 0.5, MaxDelaySeconds: 30}
	require.Equal(t, 500*time.Millisecond, r.InitialDelay())
	require.Equal(t, 30*time.Second, r.MaxDelay())
}
