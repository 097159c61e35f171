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

// Package registry is the toolkit's only gateway to the Docker registry.
//
// Every operation goes through one shared rate limiter, so the parallel
// inspectors of the layer engine and the deletion workers of the orchestrator
// cannot stampede the registry between them. Transient failures are retried
// with exponential backoff; auth failures and the distinguished
// image-not-found outcome are never retried.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/config"
)

// Layer is one content-addressed layer of an image manifest.
type Layer struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Image is the result of inspecting one tag: the manifest digest plus the
// ordered layer stack.
type Image struct {
	Repository string  `json:"repository"`
	Tag        string  `json:"tag"`
	Digest     string  `json:"digest"`
	Layers     []Layer `json:"layers"`
}

// TotalSize is the sum of all layer sizes, shared layers included.
func (i *Image) TotalSize() int64 {
	var total int64
	for _, l := range i.Layers {
		total += l.Size
	}
	return total
}

// CopyOptions carries destination-side settings for Copy. The source side
// always uses the client's own credentials.
type CopyOptions struct {
	DestAuth     authn.Authenticator
	DestInsecure bool
}

// Options configures a Client.
type Options struct {
	// Host is the registry, e.g. "registry.example.com:5000".
	Host     string
	Insecure bool
	Auth     authn.Authenticator

	RateLimit config.RateLimitConfig
	Retry     config.RetryConfig
	Cache     config.CacheConfig
}

// Client talks to one registry. Safe for concurrent use.
type Client struct {
	host      string
	insecure  bool
	auth      authn.Authenticator
	transport http.RoundTripper
	retry     config.RetryConfig

	tagCache     *ttlcache.Cache[string, []string]
	inspectCache *ttlcache.Cache[string, *Image]
}

// NewClient builds a Client with the shared rate-limited transport and the
// configured TTL caches.
func NewClient(opts Options) *Client {
	var rt http.RoundTripper = http.DefaultTransport
	if opts.RateLimit.Enabled {
		rt = newRateLimitedTransport(
			opts.RateLimit.RequestsPerSec, opts.RateLimit.Burst, opts.Insecure)
	}

	auth := opts.Auth
	if auth == nil {
		auth = authn.Anonymous
	}

	c := &Client{
		host:      opts.Host,
		insecure:  opts.Insecure,
		auth:      auth,
		transport: rt,
		retry:     opts.Retry,
	}

	if opts.Cache.Enabled {
		c.tagCache = ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](opts.Cache.TagListTTL()),
			ttlcache.WithCapacity[string, []string](uint64(opts.Cache.MaxSize)),
		)
		c.inspectCache = ttlcache.New[string, *Image](
			ttlcache.WithTTL[string, *Image](opts.Cache.InspectTTL()),
			ttlcache.WithCapacity[string, *Image](uint64(opts.Cache.MaxSize)),
		)
	}

	return c
}

// Host returns the registry host this client talks to.
func (c *Client) Host() string {
	return c.host
}

func (c *Client) nameOpts() []name.Option {
	if c.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (c *Client) remoteOpts(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(c.auth),
		remote.WithTransport(c.transport),
	}
}

func (c *Client) repository(repo string) (name.Repository, error) {
	return name.NewRepository(fmt.Sprintf("%s/%s", c.host, repo), c.nameOpts()...)
}

// ListTags returns all tags under the repository, in registry order.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	if c.tagCache != nil {
		if item := c.tagCache.Get(repo); item != nil {
			return item.Value(), nil
		}
	}

	ref, err := c.repository(repo)
	if err != nil {
		return nil, fmt.Errorf("parsing repository %q: %w", repo, err)
	}

	var tags []string
	err = c.withRetry(ctx, "list-tags "+repo, func() error {
		var lerr error
		tags, lerr = remote.List(ref, c.remoteOpts(ctx)...)
		return lerr
	})
	if err != nil {
		return nil, classify(fmt.Errorf("listing tags for %s: %w", repo, err))
	}

	if c.tagCache != nil {
		c.tagCache.Set(repo, tags, ttlcache.DefaultTTL)
	}
	return tags, nil
}

// Inspect fetches the manifest for one tag. A missing tag surfaces as
// ErrNotFound so callers can skip it rather than retry it.
func (c *Client) Inspect(ctx context.Context, repo, tag string) (*Image, error) {
	key := repo + ":" + tag
	if c.inspectCache != nil {
		if item := c.inspectCache.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	repoRef, err := c.repository(repo)
	if err != nil {
		return nil, fmt.Errorf("parsing repository %q: %w", repo, err)
	}
	ref := repoRef.Tag(tag)

	var img *Image
	err = c.withRetry(ctx, "inspect "+key, func() error {
		desc, gerr := remote.Get(ref, c.remoteOpts(ctx)...)
		if gerr != nil {
			return gerr
		}
		v1img, gerr := desc.Image()
		if gerr != nil {
			return gerr
		}
		layers, gerr := v1img.Layers()
		if gerr != nil {
			return gerr
		}
		out := &Image{
			Repository: repo,
			Tag:        tag,
			Digest:     desc.Digest.String(),
			Layers:     make([]Layer, 0, len(layers)),
		}
		for _, l := range layers {
			d, lerr := l.Digest()
			if lerr != nil {
				return lerr
			}
			sz, lerr := l.Size()
			if lerr != nil {
				return lerr
			}
			out.Layers = append(out.Layers, Layer{Digest: d.String(), Size: sz})
		}
		img = out
		return nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("inspecting %s: %w", key, err))
	}

	if c.inspectCache != nil {
		c.inspectCache.Set(key, img, ttlcache.DefaultTTL)
	}
	return img, nil
}

// Pull fetches the full image for one tag, for backup streaming.
func (c *Client) Pull(ctx context.Context, repo, tag string) (v1.Image, error) {
	repoRef, err := c.repository(repo)
	if err != nil {
		return nil, fmt.Errorf("parsing repository %q: %w", repo, err)
	}

	var img v1.Image
	err = c.withRetry(ctx, "pull "+repo+":"+tag, func() error {
		desc, gerr := remote.Get(repoRef.Tag(tag), c.remoteOpts(ctx)...)
		if gerr != nil {
			return gerr
		}
		img, gerr = desc.Image()
		return gerr
	})
	if err != nil {
		return nil, classify(fmt.Errorf("pulling %s:%s: %w", repo, tag, err))
	}
	return img, nil
}

// Delete unlinks the manifest behind a tag. The registry requires deletion by
// digest, so the tag is resolved first. A tag already absent from the
// registry is a success-noop: Delete returns (false, nil).
func (c *Client) Delete(ctx context.Context, repo, tag string) (bool, error) {
	repoRef, err := c.repository(repo)
	if err != nil {
		return false, fmt.Errorf("parsing repository %q: %w", repo, err)
	}

	var digest string
	err = c.withRetry(ctx, "resolve "+repo+":"+tag, func() error {
		desc, gerr := remote.Head(repoRef.Tag(tag), c.remoteOpts(ctx)...)
		if gerr != nil {
			return gerr
		}
		digest = desc.Digest.String()
		return nil
	})
	if err != nil {
		if IsNotFound(err) {
			logrus.Debugf("Tag %s:%s already gone from registry", repo, tag)
			return false, nil
		}
		return false, classify(fmt.Errorf("resolving %s:%s: %w", repo, tag, err))
	}

	err = c.withRetry(ctx, "delete "+repo+"@"+digest, func() error {
		return remote.Delete(repoRef.Digest(digest), c.remoteOpts(ctx)...)
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, classify(fmt.Errorf("deleting %s:%s: %w", repo, tag, err))
	}

	c.invalidate(repo, tag)
	return true, nil
}

// Copy transfers one reference to another registry, destination credentials
// allowed to differ from the source's. Manifest lists are copied whole.
func (c *Client) Copy(ctx context.Context, srcRepo, tag, destRef string, opts CopyOptions) error {
	srcRepoRef, err := c.repository(srcRepo)
	if err != nil {
		return fmt.Errorf("parsing repository %q: %w", srcRepo, err)
	}

	var destNameOpts []name.Option
	if opts.DestInsecure {
		destNameOpts = append(destNameOpts, name.Insecure)
	}
	dest, err := name.ParseReference(destRef, destNameOpts...)
	if err != nil {
		return fmt.Errorf("parsing destination reference %q: %w", destRef, err)
	}

	destAuth := opts.DestAuth
	if destAuth == nil {
		destAuth = c.auth
	}
	destOpts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(destAuth),
		remote.WithTransport(c.transport),
	}

	err = c.withRetry(ctx, fmt.Sprintf("copy %s:%s -> %s", srcRepo, tag, destRef), func() error {
		desc, gerr := remote.Get(srcRepoRef.Tag(tag), c.remoteOpts(ctx)...)
		if gerr != nil {
			return gerr
		}
		if desc.MediaType.IsIndex() {
			idx, ierr := desc.ImageIndex()
			if ierr != nil {
				return ierr
			}
			return remote.WriteIndex(dest, idx, destOpts...)
		}
		img, ierr := desc.Image()
		if ierr != nil {
			return ierr
		}
		return remote.Write(dest, img, destOpts...)
	})
	if err != nil {
		return classify(fmt.Errorf("copying %s:%s to %s: %w", srcRepo, tag, destRef, err))
	}
	return nil
}

// invalidate drops cache entries made stale by a successful delete.
func (c *Client) invalidate(repo, tag string) {
	if c.tagCache != nil {
		c.tagCache.Delete(repo)
	}
	if c.inspectCache != nil {
		c.inspectCache.Delete(repo + ":" + tag)
	}
}

// withRetry runs fn with the configured exponential backoff. Auth failures
// and not-found stop immediately; everything transient is retried up to the
// attempt budget.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialDelay()
	bo.MaxInterval = c.retry.MaxDelay()
	bo.Multiplier = c.retry.Multiplier
	if !c.retry.Jitter {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	attempts := uint64(0)
	if c.retry.MaxAttempts > 1 {
		attempts = uint64(c.retry.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx)

	return backoff.RetryNotify(
		func() error {
			err := fn()
			if err == nil {
				return nil
			}
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		policy,
		func(err error, next time.Duration) {
			logrus.Warnf("Transient failure on %s (retrying in %s): %v",
				op, next.Round(time.Millisecond), err)
		},
	)
}

// classify tags errors with the taxonomy sentinels so callers can use
// errors.Is without knowing the transport.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, trimError(err))
	case IsAuth(err):
		return fmt.Errorf("%w: %s", ErrAuth, trimError(err))
	default:
		return err
	}
}

// trimError flattens multi-line transport errors for log friendliness.
func trimError(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
