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

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ImageName is a (repository, tag) pair as stored on revision and version
// documents.
type ImageName struct {
	Repository string `bson:"repository" json:"repository"`
	Tag        string `bson:"tag" json:"tag"`
}

// Environment is the projection of an environments_v2 document.
type Environment struct {
	ID               primitive.ObjectID  `bson:"_id"`
	Name             string              `bson:"name"`
	IsArchived       bool                `bson:"isArchived"`
	Visibility       string              `bson:"visibility"`
	OwnerID          *primitive.ObjectID `bson:"ownerId,omitempty"`
	ActiveRevisionID *primitive.ObjectID `bson:"activeRevisionId,omitempty"`
}

// Revision is the projection of an environment_revisions document.
type Revision struct {
	ID                primitive.ObjectID  `bson:"_id"`
	EnvironmentID     primitive.ObjectID  `bson:"environmentId"`
	ClonedRevisionID  *primitive.ObjectID `bson:"clonedEnvironmentRevisionId,omitempty"`
	Metadata          RevisionMetadata    `bson:"metadata"`
	Created           time.Time           `bson:"created"`
}

// RevisionMetadata carries the docker image name recorded at build time.
type RevisionMetadata struct {
	DockerImageName ImageName `bson:"dockerImageName"`
}

// DockerTag is the registry tag of this revision's image, falling back to
// the bare revision ID when the metadata is incomplete.
func (r Revision) DockerTag() string {
	if r.Metadata.DockerImageName.Tag != "" {
		return r.Metadata.DockerImageName.Tag
	}
	return r.ID.Hex()
}

// Model is the projection of a models document.
type Model struct {
	ID         primitive.ObjectID  `bson:"_id"`
	Name       string              `bson:"name"`
	IsArchived bool                `bson:"isArchived"`
	OwnerID    *primitive.ObjectID `bson:"ownerId,omitempty"`
}

// ModelVersion is the projection of a model_versions document.
type ModelVersion struct {
	ID                    primitive.ObjectID   `bson:"_id"`
	ModelID               ModelIDRef           `bson:"modelId"`
	EnvironmentRevisionID *primitive.ObjectID  `bson:"environmentRevisionId,omitempty"`
	Number                int                  `bson:"number"`
	Metadata              ModelVersionMetadata `bson:"metadata"`
	Created               time.Time            `bson:"created"`
}

// ModelIDRef is the wrapped model reference on a version document.
type ModelIDRef struct {
	Value primitive.ObjectID `bson:"value"`
}

// ModelVersionMetadata carries the per-build slug images.
type ModelVersionMetadata struct {
	Builds []ModelVersionBuild `bson:"builds"`
}

// ModelVersionBuild is one build entry on a version document.
type ModelVersionBuild struct {
	Slug ModelVersionSlug `bson:"slug"`
}

// ModelVersionSlug wraps the slug image name.
type ModelVersionSlug struct {
	Image ImageName `bson:"image"`
}

// SlugTag returns the version's newest recorded slug image tag.
func (v ModelVersion) SlugTag() string {
	for i := len(v.Metadata.Builds) - 1; i >= 0; i-- {
		if tag := v.Metadata.Builds[i].Slug.Image.Tag; tag != "" {
			return tag
		}
	}
	return ""
}

// Build is the projection of a builds document (legacy build records whose
// repository prefix the migration engine rewrites).
type Build struct {
	ID    primitive.ObjectID `bson:"_id"`
	Image ImageName          `bson:"image"`
}

// UserPreference is the projection of a userPreferences document.
type UserPreference struct {
	ID                   primitive.ObjectID  `bson:"_id"`
	UserID               primitive.ObjectID  `bson:"userId"`
	DefaultEnvironmentID *primitive.ObjectID `bson:"defaultEnvironmentId,omitempty"`
}

// User is the projection of a users document.
type User struct {
	ID       primitive.ObjectID `bson:"_id"`
	LoginID  UserLoginID        `bson:"loginId"`
	Email    string             `bson:"email"`
	FullName string             `bson:"fullName"`
}

// UserLoginID wraps the nested login identifier.
type UserLoginID struct {
	ID string `bson:"id"`
}

// WorkspaceRef is a direct environment/revision reference held by a
// workspace or workspace session, consulted by the orchestrator's live
// in-use re-check.
type WorkspaceRef struct {
	ID            primitive.ObjectID  `bson:"_id"`
	EnvironmentID *primitive.ObjectID `bson:"environmentId,omitempty"`
	RevisionID    *primitive.ObjectID `bson:"environmentRevisionId,omitempty"`
}
