// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configcache keeps each sensor's remote configuration for a short TTL.
//
// A lookup never fails: when the backend has no usable configuration, or cannot be reached
// after the retry budget, the cache stores and returns an empty map for the TTL, and callers
// fall back to the sensor's own defaults.
//
// Concurrent refreshes of the same key are not deduplicated. Each stores its own result and
// the last write wins.
package configcache

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/remote"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/schedule"
	"go.uber.org/zap"
)

// Fetcher loads the configuration of one sensor. *remote.Client implements it.
type Fetcher interface {
	FetchSensorConfig(ctx context.Context, sensorID string) (map[string]any, error)
}

// DefaultFetchPolicy allows 4 attempts spaced 250ms, 500ms and 1s apart.
var DefaultFetchPolicy = backoff.Policy{
	Base:       constants.ConfigFetchBaseDelay,
	Multiplier: 2,
	MaxRetries: constants.ConfigFetchAttempts - 1,
}

type entry struct {
	cfg       map[string]any
	expiresAt time.Time
}

type Cache struct {
	fetcher Fetcher
	clk     clock.Clock
	ttl     time.Duration
	policy  backoff.Policy
	sleep   backoff.SleepFunc
	entries *expiremap.ExpireMap[string, entry]
	log     *zap.SugaredLogger
}

type Option func(*Cache)

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clk = clk }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithPolicy(p backoff.Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithSleep replaces the wait between fetch attempts.
func WithSleep(sleep backoff.SleepFunc) Option {
	return func(c *Cache) { c.sleep = sleep }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Cache) { c.log = logger.OrNop(log) }
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		clk:     clock.New(),
		ttl:     constants.ConfigCacheTTL,
		policy:  DefaultFetchPolicy,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		clk := c.clk
		c.sleep = func(ctx context.Context, d time.Duration) error {
			return schedule.Sleep(ctx, clk, d)
		}
	}
	// entries outlive their TTL in memory until the next cull; expiry is decided by expiresAt
	c.entries = expiremap.NewEx[string, entry](constants.ConfigCacheCullInterval, c.ttl+constants.ConfigCacheCullInterval)
	return c
}

// Get returns the configuration of sensorID. The returned map is shared and must not be modified.
//
// A stored entry is returned only while its expiry lies in the future. Otherwise Get refreshes
// synchronously before returning.
func (c *Cache) Get(ctx context.Context, sensorID string) map[string]any {
	now := c.clk.Now()
	if e, ok := c.entries.Load(sensorID); ok && e.expiresAt.After(now) {
		metrics.IncConfigCache(metrics.CacheHit)
		return e.cfg
	}
	metrics.IncConfigCache(metrics.CacheMiss)

	cfg, ok := c.fetch(ctx, sensorID)
	if !ok {
		// cancelled mid-refresh, nothing worth caching
		return cfg
	}
	c.entries.Set(sensorID, entry{cfg: cfg, expiresAt: now.Add(c.ttl)})
	return cfg
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Length()
}

// fetch returns the remote configuration or an empty map. ok is false only when ctx ended.
//
// Only connection-level failures are retried. A response with any non-2xx status means the
// backend has nothing for this sensor and ends the refresh at once.
func (c *Cache) fetch(ctx context.Context, sensorID string) (map[string]any, bool) {
	attempts := c.policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		cfg, err := c.fetcher.FetchSensorConfig(ctx, sensorID)
		if err == nil {
			if cfg == nil {
				cfg = map[string]any{}
			}
			return cfg, true
		}
		if ctx.Err() != nil {
			return map[string]any{}, false
		}

		if status := remote.StatusCode(err); status != 0 {
			c.log.Debugf("No config for sensor %s (HTTP %d), using defaults", sensorID, status)
			return map[string]any{}, true
		}
		if !backoff.IsTransientError(err) {
			c.log.Warnf("Config for sensor %s unavailable, using defaults: %s", sensorID, err)
			metrics.IncConfigFetchFailure()
			return map[string]any{}, true
		}

		if attempt == attempts-1 {
			c.log.Warnf("Config for sensor %s unavailable after %d attempts, using defaults: %s", sensorID, attempts, err)
			break
		}
		delay := c.policy.Delay(attempt)
		c.log.Debugf("Config fetch for sensor %s failed (attempt %d/%d), retrying in %s: %s", sensorID, attempt+1, attempts, delay, err)
		if err := c.sleep(ctx, delay); err != nil {
			return map[string]any{}, false
		}
	}

	metrics.IncConfigFetchFailure()
	return map[string]any{}, true
}
