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

package remote

import (
	"sort"
	"time"
)

// Latency summarizes round trips completed within the last window.
type Latency struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P95   time.Duration
}

func (c *Client) recordLatency(d time.Duration) {
	c.latencies.Set(time.Now(), d)
}

// Latency returns round-trip statistics over the latency window.
func (c *Client) Latency() Latency {
	var durations []time.Duration
	c.latencies.Range(func(_ time.Time, value time.Duration) bool {
		durations = append(durations, value)
		return true
	})
	if len(durations) == 0 {
		return Latency{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	p95Index := int(float64(len(durations)) * 0.95)
	if p95Index >= len(durations) {
		p95Index = len(durations) - 1
	}

	return Latency{
		Count: len(durations),
		Min:   durations[0],
		Max:   durations[len(durations)-1],
		Avg:   total / time.Duration(len(durations)),
		P95:   durations[p95Index],
	}
}
