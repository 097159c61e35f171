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
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// backoffDuration is how long to pause after receiving a 429 response.
	backoffDuration = 10 * time.Second

	// backoffCooldown is the minimum interval between backoff events, so
	// repeated 429s do not stack pauses.
	backoffCooldown = 15 * time.Second
)

// rateLimitedTransport wraps an http.RoundTripper with a shared token bucket
// and an adaptive pause after 429 responses. One instance is shared by every
// concurrent caller of the Client, so the inspection and deletion pools draw
// from the same budget.
type rateLimitedTransport struct {
	limiter *rate.Limiter
	inner   http.RoundTripper

	mu           sync.Mutex
	lastBackoff  time.Time
	backoffUntil time.Time
	totalWaited  time.Duration
	totalReqs    int64
}

var _ http.RoundTripper = (*rateLimitedTransport)(nil)

func newRateLimitedTransport(rps float64, burst int, insecure bool) *rateLimitedTransport {
	inner := http.DefaultTransport
	if insecure {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		inner = t
	}
	return &rateLimitedTransport{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		inner:   inner,
	}
}

// RoundTrip acquires a token before every request. All methods are limited
// because registry quotas apply to reads and writes alike.
func (rt *rateLimitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	rt.waitForBackoff(ctx)

	start := time.Now()
	if err := rt.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.totalReqs++
	rt.totalWaited += time.Since(start)
	rt.mu.Unlock()

	resp, err := rt.inner.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		rt.triggerBackoff()
	}

	return resp, nil
}

// Stats returns request and wait totals for end-of-run summaries.
func (rt *rateLimitedTransport) Stats() (totalRequests int64, totalWaited time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.totalReqs, rt.totalWaited
}

func (rt *rateLimitedTransport) waitForBackoff(ctx interface{ Done() <-chan struct{} }) {
	rt.mu.Lock()
	until := rt.backoffUntil
	rt.mu.Unlock()

	if until.IsZero() || time.Now().After(until) {
		return
	}

	wait := time.Until(until)
	logrus.Warnf("Registry backoff active, waiting %s before next request",
		wait.Round(time.Millisecond))

	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (rt *rateLimitedTransport) triggerBackoff() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	if now.Sub(rt.lastBackoff) < backoffCooldown {
		return
	}

	rt.lastBackoff = now
	rt.backoffUntil = now.Add(backoffDuration)
	logrus.Warnf("Registry returned 429 Too Many Requests, backing off for %s",
		backoffDuration)
}
