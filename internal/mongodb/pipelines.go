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

package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Saga states considered terminal for model version deployments.
var terminalSagaStates = bson.A{"Succeeded", "Failed", "Stopped"}

// ModelsPipeline joins non-archived models to their versions and each
// version's latest terminal deployment saga, then to the environment
// revision behind the version and the owning user. One row per active
// version.
func ModelsPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"isArchived": false}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollModelVersions,
			"localField":   "_id",
			"foreignField": "modelId.value",
			"as":           "versions",
		}}},
		{{Key: "$unwind", Value: "$versions"}},
		{{Key: "$lookup", Value: bson.M{
			"from": CollSagas,
			"let":  bson.M{"versionId": "$versions._id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{
					"$eq": bson.A{"$entityId.value", "$$versionId"},
				}}},
				bson.M{"$match": bson.M{"state": bson.M{"$in": terminalSagaStates}}},
				bson.M{"$sort": bson.M{"timestamp": -1}},
				bson.M{"$limit": 1},
			},
			"as": "latestSaga",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$latestSaga",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollRevisions,
			"localField":   "versions.environmentRevisionId",
			"foreignField": "_id",
			"as":           "revision",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$revision",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollUsers,
			"localField":   "ownerId",
			"foreignField": "_id",
			"as":           "owner",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$owner",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$project", Value: bson.M{
			"modelId":     "$_id",
			"modelName":   "$name",
			"versionId":   "$versions._id",
			"number":      "$versions.number",
			"builds":      "$versions.metadata.builds",
			"revisionTag": "$revision.metadata.dockerImageName.tag",
			"sagaState":   "$latestSaga.state",
			"created":     "$versions.created",
			"ownerEmail":  "$owner.email",
		}}},
	}
}

// modelUsageRow is one decoded ModelsPipeline result.
type modelUsageRow struct {
	ModelID     primitive.ObjectID  `bson:"modelId"`
	ModelName   string              `bson:"modelName"`
	VersionID   primitive.ObjectID  `bson:"versionId"`
	Number      int                 `bson:"number"`
	Builds      []ModelVersionBuild `bson:"builds"`
	RevisionTag string              `bson:"revisionTag"`
	SagaState   string              `bson:"sagaState"`
	Created     time.Time           `bson:"created"`
	OwnerEmail  string              `bson:"ownerEmail"`
}

// WorkspacePipeline emits one row per stopped or deleted workspace with
// every tag field the workspace references and the time of its last change.
func WorkspacePipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"deleted": true},
			bson.M{"state": bson.M{"$in": bson.A{"Stopped", "Deleted"}}},
		}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollProjects,
			"localField":   "projectId",
			"foreignField": "_id",
			"as":           "project",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$project",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         CollUsers,
			"localField":   "ownerId",
			"foreignField": "_id",
			"as":           "owner",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$owner",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$project", Value: bson.M{
			"workspaceId": "$_id",
			"projectName": "$project.name",
			"ownerEmail":  "$owner.email",
			"lastChange":  "$stateUpdatedAt",
			"tags": bson.M{"$setUnion": bson.A{
				bson.M{"$ifNull": bson.A{
					bson.A{"$config.imageTag"}, bson.A{}}},
				bson.M{"$ifNull": bson.A{
					bson.A{"$config.environmentRevisionTag"}, bson.A{}}},
				bson.M{"$ifNull": bson.A{
					bson.A{"$config.computeClusterImageTag"}, bson.A{}}},
				bson.M{"$ifNull": bson.A{
					bson.A{"$project.defaultEnvironmentTag"}, bson.A{}}},
			}},
		}}},
	}
}

// workspaceUsageRow is one decoded WorkspacePipeline result.
type workspaceUsageRow struct {
	WorkspaceID primitive.ObjectID `bson:"workspaceId"`
	ProjectName string             `bson:"projectName"`
	OwnerEmail  string             `bson:"ownerEmail"`
	LastChange  time.Time          `bson:"lastChange"`
	Tags        []string           `bson:"tags"`
}

// RunsPipeline emits one row per execution record with its environment
// reference fields and timestamps. Revision-spec strings are resolved to
// concrete tags by the aggregator afterwards; aggregation cannot parse
// "SomeRevision(id)" forms.
func RunsPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$lookup", Value: bson.M{
			"from":         CollProjects,
			"localField":   "projectId",
			"foreignField": "_id",
			"as":           "project",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$project",
			"preserveNullAndEmptyArrays": true,
		}}},
		{{Key: "$project", Value: bson.M{
			"runId":                 "$_id",
			"projectName":           "$project.name",
			"environmentId":         "$environmentId",
			"environmentRevisionId": "$environmentRevisionId",
			"revisionSpec":          "$environmentRevisionSpec",
			"started":               "$started",
			"completed":             "$completed",
			"lastUsed":              "$lastUsed",
		}}},
	}
}

// runUsageRow is one decoded RunsPipeline result.
type runUsageRow struct {
	RunID         primitive.ObjectID  `bson:"runId"`
	ProjectName   string              `bson:"projectName"`
	EnvironmentID *primitive.ObjectID `bson:"environmentId"`
	RevisionID    *primitive.ObjectID `bson:"environmentRevisionId"`
	RevisionSpec  string              `bson:"revisionSpec"`
	Started       time.Time           `bson:"started"`
	Completed     time.Time           `bson:"completed"`
	LastUsed      time.Time           `bson:"lastUsed"`
}

// environmentRefPipeline is the shared shape of the four
// current-configuration sources: each holds an environment reference that
// the aggregator resolves to the environment's active revision tag.
func environmentRefPipeline(idField, nameField string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{idField: bson.M{"$ne": nil}}}},
		{{Key: "$project", Value: bson.M{
			"refId":         "$_id",
			"name":          "$" + nameField,
			"environmentId": "$" + idField,
			"revisionSpec":  "$environmentRevisionSpec",
		}}},
	}
}

// ProjectsPipeline selects projects with a default environment.
func ProjectsPipeline() mongo.Pipeline {
	return environmentRefPipeline("defaultEnvironmentId", "name")
}

// SchedulerJobsPipeline selects scheduled jobs pinned to an environment.
func SchedulerJobsPipeline() mongo.Pipeline {
	return environmentRefPipeline("environmentId", "title")
}

// OrganizationsPipeline selects organizations with a default environment.
func OrganizationsPipeline() mongo.Pipeline {
	return environmentRefPipeline("defaultEnvironmentId", "name")
}

// AppVersionsPipeline selects app versions pinned to an environment.
func AppVersionsPipeline() mongo.Pipeline {
	return environmentRefPipeline("environmentId", "name")
}

// environmentRefRow is one decoded environment-reference result.
type environmentRefRow struct {
	RefID         primitive.ObjectID  `bson:"refId"`
	Name          string              `bson:"name"`
	EnvironmentID *primitive.ObjectID `bson:"environmentId"`
	RevisionSpec  string              `bson:"revisionSpec"`
}
