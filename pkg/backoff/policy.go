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

package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
// Retry loops take one so they can be driven without real timers.
type SleepFunc func(ctx context.Context, d time.Duration) error

// maxDelay bounds computed delays so large attempt numbers cannot overflow time.Duration.
const maxDelay = time.Duration(math.MaxInt64 / 2)

// Policy describes a bounded exponential backoff with additive jitter:
//
//	delay(attempt) = Base * Multiplier^attempt + U[0, Jitter)
//
// attempt is zero based, so the first retry waits roughly Base.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier grows the delay per attempt. Values below 1 are treated as 1.
	Multiplier float64
	// Jitter is the exclusive upper bound of the random addition. Zero disables jitter.
	Jitter time.Duration
	// Max caps the exponential part. Zero means uncapped.
	Max time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Exponential returns the deterministic part of the delay for the given attempt.
func (p Policy) Exponential(attempt int) time.Duration {
	if p.Base <= 0 || attempt < 0 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := float64(p.Base) * math.Pow(multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	delay := time.Duration(d)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Delay returns the full delay for the given attempt, jitter included.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Exponential(attempt)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}
