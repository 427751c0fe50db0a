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

// Package schedule computes wall-clock aligned tick instants.
//
// Every tick has the form anchor + k*period (+ phase). k is derived from the current time on
// each call, so two processes started at different moments land on the same grid and a
// restarted process resumes on it without carrying state.
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the default anchor. With it, a 60s period ticks on minute boundaries.
var Epoch = time.Unix(0, 0).UTC()

// NextTick returns the smallest anchor + k*period strictly after now.
// A non-positive period returns now unchanged.
func NextTick(anchor time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 {
		return now
	}
	elapsed := now.Sub(anchor)
	k := elapsed / period
	if elapsed%period < 0 {
		k-- // floor for instants before the anchor
	}
	return anchor.Add((k + 1) * period)
}

// FireAt is NextTick shifted by a sensor's phase.
func FireAt(anchor time.Time, period, phase time.Duration, now time.Time) time.Time {
	return NextTick(anchor, period, now).Add(phase)
}

// Sleep blocks for d on clk, or until ctx is done. It returns ctx.Err() when cancelled.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Scheduler holds the grid shared by all workers of a fleet.
type Scheduler struct {
	clk    clock.Clock
	anchor time.Time
	period time.Duration
}

// New returns a Scheduler on clk. A nil clock uses the system clock.
func New(clk clock.Clock, anchor time.Time, period time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clk: clk, anchor: anchor, period: period}
}

func (s *Scheduler) Clock() clock.Clock {
	return s.clk
}

func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Next returns phase past the first grid point after now.
func (s *Scheduler) Next(phase time.Duration) time.Time {
	return FireAt(s.anchor, s.period, phase, s.clk.Now())
}

// SleepUntil blocks until the clock reaches t. An instant that already passed returns at once,
// so a late worker emits a single catch-up tick and then continues on the grid.
func (s *Scheduler) SleepUntil(ctx context.Context, t time.Time) error {
	return Sleep(ctx, s.clk, t.Sub(s.clk.Now()))
}
