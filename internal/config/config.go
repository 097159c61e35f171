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

// Package config loads the janitor configuration document.
//
// A single YAML file configures every subsystem: the registry endpoint and
// credentials, the MongoDB control plane, worker counts, retry and rate-limit
// policy, cache TTLs, report locations, and the backup bucket. Credentials are
// never inlined; fields of the form "env:NAME" are resolved against the
// process environment at load time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the root configuration document.
type Config struct {
	Registry  RegistryConfig  `json:"registry"`
	Cluster   ClusterConfig   `json:"cluster"`
	Mongo     MongoConfig     `json:"mongo"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Retry     RetryConfig     `json:"retry"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Cache     CacheConfig     `json:"cache"`
	Reports   ReportsConfig   `json:"reports"`
	Backup    BackupConfig    `json:"backup"`
	Security  SecurityConfig  `json:"security"`
}

// RegistryConfig locates the Docker registry that backs the platform.
type RegistryConfig struct {
	// URL is the registry host, e.g. "registry.example.com:5000".
	URL string `json:"url"`
	// Repository is the base repository path, e.g. "domino".
	Repository string `json:"repository"`
	// Username / Password support the "env:NAME" indirection.
	Username string `json:"username"`
	Password string `json:"password"`
	// AuthSecret names a Kubernetes secret holding registry credentials,
	// consulted when Username/Password are unset.
	AuthSecret string `json:"authSecret"`
	// Insecure disables TLS verification for the registry.
	Insecure bool `json:"insecure"`
}

// ClusterConfig describes the in-cluster registry workload, if any.
type ClusterConfig struct {
	// Namespace is the platform namespace.
	Namespace string `json:"namespace"`
	// RegistryWorkload overrides the registry Deployment/StatefulSet name.
	RegistryWorkload string `json:"registryWorkload"`
	// InCluster marks the registry as running inside the cluster, which
	// enables the delete-mode toggle.
	InCluster bool `json:"inCluster"`
}

// MongoConfig locates the MongoDB control plane.
type MongoConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	ReplicaSet string `json:"replicaSet"`
	Database   string `json:"database"`
	Username   string `json:"username"`
	// Password supports the "env:NAME" indirection.
	Password string `json:"password"`
}

// AnalysisConfig bounds the analysis work.
type AnalysisConfig struct {
	MaxWorkers        int    `json:"maxWorkers"`
	TimeoutSeconds    int    `json:"timeoutSeconds"`
	OutputDir         string `json:"outputDir"`
	SnapshotMaxAgeHrs int    `json:"snapshotMaxAgeHours"`
}

// Timeout returns the per-operation timeout.
func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// SnapshotMaxAge returns the usage snapshot freshness window.
func (a AnalysisConfig) SnapshotMaxAge() time.Duration {
	return time.Duration(a.SnapshotMaxAgeHrs) * time.Hour
}

// RetryConfig controls retry-with-backoff for transient failures.
type RetryConfig struct {
	MaxAttempts         int     `json:"maxAttempts"`
	InitialDelaySeconds float64 `json:"initialDelaySeconds"`
	MaxDelaySeconds     float64 `json:"maxDelaySeconds"`
	Multiplier          float64 `json:"multiplier"`
	Jitter              bool    `json:"jitter"`
	RequestTimeoutSecs  int     `json:"requestTimeoutSeconds"`
}

// InitialDelay returns the first backoff interval.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySeconds * float64(time.Second))
}

// MaxDelay returns the backoff ceiling.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

// RequestTimeout returns the per-request deadline.
func (r RetryConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSecs) * time.Second
}

// RateLimitConfig controls the shared registry token bucket.
type RateLimitConfig struct {
	Enabled        bool    `json:"enabled"`
	RequestsPerSec float64 `json:"requestsPerSec"`
	Burst          int     `json:"burst"`
}

// CacheConfig controls the in-process TTL caches.
type CacheConfig struct {
	Enabled          bool `json:"enabled"`
	TagListTTLSecs   int  `json:"tagListTTLSeconds"`
	InspectTTLSecs   int  `json:"inspectTTLSeconds"`
	MongoTTLSecs     int  `json:"mongoQueryTTLSeconds"`
	LayerCalcTTLSecs int  `json:"layerCalcTTLSeconds"`
	MaxSize          int  `json:"maxSize"`
}

// TagListTTL returns the tag-list cache TTL.
func (c CacheConfig) TagListTTL() time.Duration {
	return time.Duration(c.TagListTTLSecs) * time.Second
}

// InspectTTL returns the image-inspect cache TTL.
func (c CacheConfig) InspectTTL() time.Duration {
	return time.Duration(c.InspectTTLSecs) * time.Second
}

// ReportsConfig names the report files per report kind.
type ReportsConfig struct {
	Usage       string `json:"usage"`
	Archived    string `json:"archived"`
	Unused      string `json:"unused"`
	Deactivated string `json:"deactivated"`
	Orphans     string `json:"orphans"`
	Migration   string `json:"migration"`
	Analysis    string `json:"analysis"`
}

// BackupConfig locates the S3 bucket for pre-deletion image backups.
type BackupConfig struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
}

// SecurityConfig holds the safety rails.
type SecurityConfig struct {
	DryRunByDefault     bool `json:"dryRunByDefault"`
	RequireConfirmation bool `json:"requireConfirmation"`
}

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		Mongo: MongoConfig{
			Host:     "mongodb-replicaset",
			Port:     27017,
			Database: "domino",
		},
		Analysis: AnalysisConfig{
			MaxWorkers:        4,
			TimeoutSeconds:    300,
			OutputDir:         "reports",
			SnapshotMaxAgeHrs: 24,
		},
		Retry: RetryConfig{
			MaxAttempts:         4,
			InitialDelaySeconds: 1,
			MaxDelaySeconds:     30,
			Multiplier:          2.0,
			Jitter:              true,
			RequestTimeoutSecs:  300,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 20,
			Burst:          5,
		},
		Cache: CacheConfig{
			Enabled:          true,
			TagListTTLSecs:   300,
			InspectTTLSecs:   1800,
			MongoTTLSecs:     300,
			LayerCalcTTLSecs: 1800,
			MaxSize:          10000,
		},
		Reports: ReportsConfig{
			Usage:       "usage-report.json",
			Archived:    "archived-images.json",
			Unused:      "unused-environments.json",
			Deactivated: "deactivated-users.json",
			Orphans:     "orphan-references.json",
			Migration:   "migration-report.json",
			Analysis:    "layer-analysis.json",
		},
		Security: SecurityConfig{
			DryRunByDefault:     true,
			RequireConfirmation: true,
		},
	}
}

// Load reads a YAML config file, overlays it on the defaults, resolves
// credential indirections, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.resolveEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnv expands "env:NAME" credential references.
func (c *Config) resolveEnv() {
	c.Registry.Username = resolveEnvRef(c.Registry.Username)
	c.Registry.Password = resolveEnvRef(c.Registry.Password)
	c.Mongo.Username = resolveEnvRef(c.Mongo.Username)
	c.Mongo.Password = resolveEnvRef(c.Mongo.Password)
}

func resolveEnvRef(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}

// Validate checks invariants the rest of the toolkit relies on.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}
	if c.Mongo.Host == "" || c.Mongo.Database == "" {
		return fmt.Errorf("mongo.host and mongo.database are required")
	}
	if c.Analysis.MaxWorkers < 1 {
		return fmt.Errorf("analysis.maxWorkers must be at least 1, got %d", c.Analysis.MaxWorkers)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSec <= 0 {
		return fmt.Errorf("rateLimit.requestsPerSec must be positive when enabled")
	}
	return nil
}

// MongoURI assembles the connection string for the configured control plane.
func (c *Config) MongoURI() string {
	var b strings.Builder
	b.WriteString("mongodb://")
	if c.Mongo.Username != "" {
		fmt.Fprintf(&b, "%s:%s@", c.Mongo.Username, c.Mongo.Password)
	}
	fmt.Fprintf(&b, "%s:%d", c.Mongo.Host, c.Mongo.Port)
	fmt.Fprintf(&b, "/%s", c.Mongo.Database)
	if c.Mongo.ReplicaSet != "" {
		fmt.Fprintf(&b, "?replicaSet=%s", c.Mongo.ReplicaSet)
	}
	return b.String()
}
