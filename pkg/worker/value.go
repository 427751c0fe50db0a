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

package worker

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Default value range when neither the remote config nor the sensor defines one.
const (
	DefaultMin = 0.0
	DefaultMax = 1.0
)

var ErrNotANumber = errors.New("not a number")

// ValueRange resolves [lo, hi) from the remote config, then the sensor's own meta, then the
// defaults. A key that is present always wins, even if its value turns out to be malformed.
// Inverted bounds are swapped.
func ValueRange(cfg, meta map[string]any) (lo, hi float64, err error) {
	lo, err = bound("min", DefaultMin, cfg, meta)
	if err != nil {
		return 0, 0, err
	}
	hi, err = bound("max", DefaultMax, cfg, meta)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

func bound(key string, def float64, sources ...map[string]any) (float64, error) {
	for _, src := range sources {
		if v, ok := src[key]; ok {
			f, err := ToFloat(v)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", key, err)
			}
			return f, nil
		}
	}
	return def, nil
}

// ToFloat converts a decoded config value. Numeric strings and booleans are accepted;
// nil, NaN, infinities and any other type are rejected.
func ToFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotANumber, x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %v (%T)", ErrNotANumber, v, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNotANumber, f)
	}
	return f, nil
}

// Uniform draws from [lo, hi) using r, which returns values in [0, 1). The result stays finite
// for any finite bounds, including ranges wider than math.MaxFloat64.
func Uniform(lo, hi float64, r func() float64) float64 {
	if hi <= lo {
		return lo
	}
	t := r()
	v := lo*(1-t) + hi*t
	if v < lo {
		return lo
	}
	if v >= hi {
		return math.Nextafter(hi, lo)
	}
	return v
}
