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

// Package mongodb reads and mutates the platform's MongoDB control plane.
//
// Documents are dynamic; this package interprets them through narrow
// projections into typed records at the boundary. Nothing above it sees raw
// BSON.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names in the control-plane database.
const (
	CollEnvironments  = "environments_v2"
	CollRevisions     = "environment_revisions"
	CollModels        = "models"
	CollModelVersions = "model_versions"
	CollWorkspace     = "workspace"
	CollWorkspaceSess = "workspace_session"
	CollRuns          = "runs"
	CollProjects      = "projects"
	CollSchedulerJobs = "scheduler_jobs"
	CollOrganizations = "organizations"
	CollAppVersions   = "app_versions"
	CollUserPrefs     = "userPreferences"
	CollSagas         = "sagas"
	CollUsers         = "users"
	CollBuilds        = "builds"
)

// Database is the narrow surface the aggregator and stores consume, so tests
// can substitute fakes without a running MongoDB.
type Database interface {
	Aggregate(ctx context.Context, collection string, pipeline mongo.Pipeline, out any) error
	Find(ctx context.Context, collection string, filter any, opts *options.FindOptions, out any) error
	DeleteOne(ctx context.Context, collection string, filter any) (int64, error)
	UpdateOne(ctx context.Context, collection string, filter, update any) (int64, error)
	CountDocuments(ctx context.Context, collection string, filter any) (int64, error)
}

// Connect dials the control plane and pings the primary.
func Connect(ctx context.Context, uri, database string) (*MongoDatabase, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging MongoDB primary: %w", err)
	}

	logrus.Debugf("Connected to MongoDB database %q", database)
	return &MongoDatabase{db: client.Database(database)}, nil
}

// MongoDatabase implements Database on a live connection.
type MongoDatabase struct {
	db *mongo.Database
}

var _ Database = (*MongoDatabase)(nil)

// Aggregate runs a read-only pipeline and decodes every result document.
func (m *MongoDatabase) Aggregate(ctx context.Context, collection string, pipeline mongo.Pipeline, out any) error {
	cur, err := m.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("aggregating %s: %w", collection, err)
	}
	defer cur.Close(ctx)
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("decoding %s aggregation: %w", collection, err)
	}
	return nil
}

// Find runs a filter query and decodes every result document.
func (m *MongoDatabase) Find(ctx context.Context, collection string, filter any, opts *options.FindOptions, out any) error {
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cur, err := m.db.Collection(collection).Find(ctx, filter, findOpts...)
	if err != nil {
		return fmt.Errorf("querying %s: %w", collection, err)
	}
	defer cur.Close(ctx)
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("decoding %s query: %w", collection, err)
	}
	return nil
}

// DeleteOne removes a single document and returns the deleted count.
func (m *MongoDatabase) DeleteOne(ctx context.Context, collection string, filter any) (int64, error) {
	res, err := m.db.Collection(collection).DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// UpdateOne applies a $set-style update and returns the modified count.
func (m *MongoDatabase) UpdateOne(ctx context.Context, collection string, filter, update any) (int64, error) {
	res, err := m.db.Collection(collection).UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", collection, err)
	}
	return res.ModifiedCount, nil
}

// CountDocuments counts documents matching the filter.
func (m *MongoDatabase) CountDocuments(ctx context.Context, collection string, filter any) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}
