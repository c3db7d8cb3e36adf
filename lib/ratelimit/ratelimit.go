/*
 * WeiboHarvest
 * Copyright (C) 2025  WeiboHarvest authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package ratelimit serializes outbound upstream requests behind a sliding
// window quota, a minimum request spacing, and an exponential backoff that
// reacts to throttled responses.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/weiboharvest/weiboharvest/lib/defaults"
)

// Bucket is a named channel of request accounting. Buckets share
// configuration but never state: failures on one bucket do not slow down
// the other.
type Bucket string

const (
	// BucketAPI accounts JSON API requests.
	BucketAPI Bucket = "api"
	// BucketMedia accounts media byte downloads.
	BucketMedia Bucket = "media"
)

// Config holds rate controller settings.
type Config struct {
	// Limit is the maximum number of requests per bucket within Window.
	Limit int
	// Window is the width of the sliding quota window.
	Window time.Duration
	// BaseDelay is the first exponential backoff step.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// JitterRatio scales the uniform jitter added to each backoff delay.
	JitterRatio float64
	// RequestInterval is an optional minimum spacing between consecutive
	// API requests. Zero disables spacing.
	RequestInterval time.Duration
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Limit == 0 {
		c.Limit = defaults.APIRequestLimit
	}
	if c.Window == 0 {
		c.Window = defaults.APIRequestWindow
	}
	if c.Limit < 0 || c.Window < 0 {
		return trace.BadParameter("rate limit and window must be positive")
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BackoffBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.BackoffMaxDelay
	}
	if c.JitterRatio < 0 {
		return trace.BadParameter("jitter ratio must not be negative")
	}
	if c.RequestInterval < 0 {
		return trace.BadParameter("request interval must not be negative")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type bucketState struct {
	timestamps   []time.Time
	lastRequest  time.Time
	failures     int
	backoffUntil time.Time
}

// Controller enforces the request discipline for all buckets. All methods
// are safe for concurrent use.
type Controller struct {
	cfg   Config
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[Bucket]*bucketState
	rng     *rand.Rand
}

// NewController creates a Controller from config.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		cfg:   cfg,
		clock: cfg.Clock,
		buckets: map[Bucket]*bucketState{
			BucketAPI:   {},
			BucketMedia: {},
		},
		rng: rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
	}, nil
}

func (c *Controller) bucket(b Bucket) *bucketState {
	state, ok := c.buckets[b]
	if !ok {
		state = &bucketState{}
		c.buckets[b] = state
	}
	return state
}

// Wait blocks until the caller may issue a request on the bucket and
// records the request timestamp. The timestamp is appended in the same
// critical section as the admission decision so two callers can never
// spend the same quota slot. Wait returns early only when the context is
// canceled.
func (c *Controller) Wait(ctx context.Context, b Bucket) error {
	for {
		c.mu.Lock()
		state := c.bucket(b)
		now := c.clock.Now()

		// Evict timestamps that fell out of the window.
		for len(state.timestamps) > 0 && now.Sub(state.timestamps[0]) >= c.cfg.Window {
			state.timestamps = state.timestamps[1:]
		}

		var wait time.Duration
		if len(state.timestamps) >= c.cfg.Limit {
			wait = max(wait, state.timestamps[0].Add(c.cfg.Window).Sub(now))
		}
		if b == BucketAPI && c.cfg.RequestInterval > 0 && !state.lastRequest.IsZero() {
			wait = max(wait, state.lastRequest.Add(c.cfg.RequestInterval).Sub(now))
		}
		if state.backoffUntil.After(now) {
			wait = max(wait, state.backoffUntil.Sub(now))
		}

		if wait <= 0 {
			state.timestamps = append(state.timestamps, now)
			state.lastRequest = now
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-c.clock.After(wait):
		}
	}
}

// HandleResponse updates the bucket's backoff state from a response
// status. Throttled statuses (403, 418) grow the backoff exponentially,
// any 2xx-3xx clears it, everything else is ignored.
func (c *Controller) HandleResponse(b Bucket, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.bucket(b)
	switch {
	case status == 403 || status == 418:
		state.failures++
		delay := c.backoffDelay(state.failures)
		jitter := time.Duration(float64(delay) * c.cfg.JitterRatio * c.rng.Float64())
		state.backoffUntil = c.clock.Now().Add(delay + jitter)
	case status >= 200 && status < 400:
		state.failures = 0
		state.backoffUntil = time.Time{}
	}
}

func (c *Controller) backoffDelay(failures int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < failures && delay < c.cfg.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.cfg.MaxDelay)
}
