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

package registry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/registry-janitor/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: http.NoBody}
}

func TestTransportCountsRequests(t *testing.T) {
	rt := newRateLimitedTransport(1000, 1000, false)
	rt.inner = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return okResponse(http.StatusOK), nil
	})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://registry/v2/", nil)
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		resp, err := rt.RoundTrip(req)
		require.Nil(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	total, _ := rt.Stats()
	require.Equal(t, int64(3), total)
}

func TestTransportBackoffOn429(t *testing.T) {
	rt := newRateLimitedTransport(1000, 1000, false)
	rt.inner = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return okResponse(http.StatusTooManyRequests), nil
	})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://registry/v2/", nil)
	require.Nil(t, err)

	_, err = rt.RoundTrip(req)
	require.Nil(t, err)

	require.False(t, rt.backoffUntil.IsZero())
	require.True(t, rt.backoffUntil.After(time.Now()))

	// A second 429 inside the cooldown must not arm a new pause. Expire the
	// current one first so the request does not sleep it out.
	expired := time.Now().Add(-time.Millisecond)
	rt.backoffUntil = expired
	_, err = rt.RoundTrip(req)
	require.Nil(t, err)
	require.Equal(t, expired, rt.backoffUntil)
}

func TestTransportBackoffHonorsCancellation(t *testing.T) {
	rt := newRateLimitedTransport(1000, 1000, false)
	rt.backoffUntil = time.Now().Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Must return immediately instead of sleeping out the backoff.
	done := make(chan struct{})
	go func() {
		rt.waitForBackoff(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForBackoff ignored context cancellation")
	}
}

func TestResolveAuthenticatorPriority(t *testing.T) {
	ctx := context.Background()

	// Explicit config credentials win over everything else.
	auth, err := ResolveAuthenticator(ctx, config.RegistryConfig{
		Username:   "admin",
		Password:   "pw",
		AuthSecret: "registry-auth",
	}, nil, nil)
	require.Nil(t, err)
	cfg, err := auth.Authorization()
	require.Nil(t, err)
	require.Equal(t, "admin", cfg.Username)
	require.Equal(t, "pw", cfg.Password)

	// A named secret is resolved through the injected lookup.
	auth, err = ResolveAuthenticator(ctx, config.RegistryConfig{AuthSecret: "registry-auth"},
		func(_ context.Context, name string) (string, string, error) {
			require.Equal(t, "registry-auth", name)
			return "svc", "s3cret", nil
		}, nil)
	require.Nil(t, err)
	cfg, err = auth.Authorization()
	require.Nil(t, err)
	require.Equal(t, "svc", cfg.Username)
	require.Equal(t, "s3cret", cfg.Password)

	// A secret without a store to read it from is a config error.
	_, err = ResolveAuthenticator(ctx, config.RegistryConfig{AuthSecret: "registry-auth"}, nil, nil)
	require.NotNil(t, err)

	// Provider tokens come after secrets.
	auth, err = ResolveAuthenticator(ctx, config.RegistryConfig{}, nil,
		func(context.Context) (string, error) { return "tok", nil })
	require.Nil(t, err)
	cfg, err = auth.Authorization()
	require.Nil(t, err)
	require.Equal(t, "tok", cfg.RegistryToken)

	// Nothing configured falls back to anonymous.
	auth, err = ResolveAuthenticator(ctx, config.RegistryConfig{}, nil, nil)
	require.Nil(t, err)
	require.Equal(t, authn.Anonymous, auth)
}
