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

// Package backup copies registry images into object storage before deletion.
// Each image is streamed as a docker-compatible tarball directly into an S3
// multipart upload, never touching local disk.
package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/sirupsen/logrus"
)

// Puller is the slice of the registry client the uploader needs.
type Puller interface {
	Pull(ctx context.Context, repo, tag string) (v1.Image, error)
	Host() string
}

// objectUploader is satisfied by manager.Uploader.
type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Item is one image to back up.
type Item struct {
	Repository string
	Tag        string
}

// Uploader streams image tarballs to an S3 bucket.
type Uploader struct {
	registry Puller
	s3       objectUploader
	bucket   string
	prefix   string

	now func() time.Time
}

// New builds an Uploader against the given bucket, with credentials from the
// host environment.
func New(ctx context.Context, registry Puller, bucket, region string) (*Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &Uploader{
		registry: registry,
		s3:       manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:   bucket,
		prefix:   "registry-backups",
		now:      time.Now,
	}, nil
}

// key places each backup under a per-day prefix so bucket lifecycle rules
// can expire them.
func (u *Uploader) key(item Item) string {
	return fmt.Sprintf("%s/%s/%s/%s.tar",
		u.prefix, u.now().UTC().Format("2006-01-02"), item.Repository, item.Tag)
}

// BackupOne pulls one image and streams it to the bucket.
func (u *Uploader) BackupOne(ctx context.Context, item Item) error {
	img, err := u.registry.Pull(ctx, item.Repository, item.Tag)
	if err != nil {
		return fmt.Errorf("pulling %s:%s for backup: %w", item.Repository, item.Tag, err)
	}

	ref, err := name.NewTag(fmt.Sprintf("%s/%s:%s", u.registry.Host(), item.Repository, item.Tag))
	if err != nil {
		return fmt.Errorf("building backup reference: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarball.Write(ref, img, pw))
	}()

	key := u.key(item)
	_, err = u.s3.Upload(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   pr,
	})
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", item.Tag, u.bucket, key, err)
	}

	logrus.Infof("Backed up %s:%s to s3://%s/%s", item.Repository, item.Tag, u.bucket, key)
	return nil
}

// BackupAll backs up every item in order and returns the count of successful
// uploads. The first failure stops the run: callers treat any backup failure
// as fatal and never proceed to deletion.
func (u *Uploader) BackupAll(ctx context.Context, items []Item) (int, error) {
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := u.BackupOne(ctx, item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
