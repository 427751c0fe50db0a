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

// Package phase spreads sensors across a period by giving each a fixed offset derived from its id.
package phase

import (
	"time"

	"github.com/zeebo/xxh3"
)

// Offset returns the phase of sensorID inside [0, phaseMax), with millisecond granularity.
// The result depends only on sensorID and phaseMax. A phaseMax below one millisecond yields 0.
func Offset(sensorID string, phaseMax time.Duration) time.Duration {
	if phaseMax < time.Millisecond {
		return 0
	}
	maxMs := uint64(phaseMax / time.Millisecond)
	return time.Duration(xxh3.HashString(sensorID)%maxMs) * time.Millisecond
}

// Assigner binds a phase spread for use by many workers.
type Assigner struct {
	max time.Duration
}

func NewAssigner(phaseMax time.Duration) Assigner {
	if phaseMax < 0 {
		phaseMax = 0
	}
	return Assigner{max: phaseMax}
}

func (a Assigner) Max() time.Duration {
	return a.max
}

func (a Assigner) Phase(sensorID string) time.Duration {
	return Offset(sensorID, a.max)
}
