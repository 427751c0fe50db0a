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

package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds the number of outbound requests in flight across all sensors.
// Every successful Acquire must be paired with exactly one Release.
type Gate struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	capacity int64
	inFlight atomic.Int64
}

type Option func(*Gate)

// WithRateLimit additionally caps admissions at perSecond, with a burst of the gate capacity.
// perSecond <= 0 leaves admissions unthrottled.
func WithRateLimit(perSecond float64) Option {
	return func(g *Gate) {
		if perSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), int(g.capacity))
		}
	}
}

// New returns a gate admitting at most capacity concurrent holders. Capacities below 1 become 1.
func New(capacity int, opts ...Option) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	g := &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until a slot is free, then occupies it. On error no slot is held.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for gate slot: %w", err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.sem.Release(1)
			return fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
	metrics.ObserveGateWait(time.Since(start))
	metrics.SetGateInflight(g.inFlight.Add(1))
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	metrics.SetGateInflight(g.inFlight.Add(-1))
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

func (g *Gate) Capacity() int64 {
	return g.capacity
}
