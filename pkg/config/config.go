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

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/safejson"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoBoxes            = errors.New("no boxes configured")
	ErrInvalidPeriod      = errors.New("period_seconds must be at least one millisecond and fit a duration")
	ErrInvalidPhaseMax    = errors.New("phase_max_ms must not be negative and must fit a duration")
	ErrInvalidMaxInflight = errors.New("max_inflight must be at least 1")
	ErrInvalidRateLimit   = errors.New("max_requests_per_second must not be negative")
	ErrInvalidMetricsPort = errors.New("metrics_port must be between 0 and 65535")
	ErrMissingServerURL   = errors.New("server_url is empty")
	ErrMissingBoxName     = errors.New("box has no name")
	ErrMissingSensorName  = errors.New("sensor has no name")
	ErrMissingSensorType  = errors.New("sensor has no type")
)

// Config is the simulation configuration. It is loaded once at startup.
type Config struct {
	ServerURL     string  `json:"server_url" yaml:"server_url"`
	PeriodSeconds float64 `json:"period_seconds" yaml:"period_seconds"`
	PhaseMaxMs    int     `json:"phase_max_ms" yaml:"phase_max_ms"`
	MaxInflight   int     `json:"max_inflight" yaml:"max_inflight"`
	// MaxRequestsPerSecond caps fleet-wide admissions. 0 disables the cap.
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second"`
	// MetricsPort serves /metrics. 0 disables the endpoint.
	MetricsPort int             `json:"metrics_port" yaml:"metrics_port"`
	Boxes       []BoxDefinition `json:"boxes" yaml:"boxes"`
}

// BoxDefinition groups the sensors of one physical box.
type BoxDefinition struct {
	Name string `json:"name" yaml:"name"`
	// HouseID is used as is. Without it, Householder is resolved through the backend.
	HouseID      ID                 `json:"house_id" yaml:"house_id"`
	Householder  string             `json:"householder" yaml:"householder"`
	SerialNumber ID                 `json:"serial_number" yaml:"serial_number"`
	Location     any                `json:"location" yaml:"location"`
	Sensors      []SensorDefinition `json:"sensors" yaml:"sensors"`
}

type SensorDefinition struct {
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type" yaml:"type"`
	Serial       ID             `json:"serial" yaml:"serial"`
	SerialNumber ID             `json:"serial_number" yaml:"serial_number"`
	Enabled      *bool          `json:"enabled" yaml:"enabled"`
	Meta         map[string]any `json:"meta" yaml:"meta"`
}

// IsEnabled defaults to true when the flag is absent.
func (s SensorDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ResolveSerial picks the sensor's serial, else its serial_number, else the box serial.
func (s SensorDefinition) ResolveSerial(box BoxDefinition) string {
	for _, candidate := range []ID{s.Serial, s.SerialNumber, box.SerialNumber} {
		if candidate != "" {
			return string(candidate)
		}
	}
	return ""
}

// Bounds of values that are converted to time.Duration.
const (
	MinPeriod        = time.Millisecond
	maxPeriodSeconds = float64(math.MaxInt64) / float64(time.Second)
	maxPhaseMaxMs    = int64(math.MaxInt64 / int64(time.Millisecond))
)

// Default returns a configuration with every scalar set to its default and no boxes.
func Default() Config {
	return Config{
		ServerURL:     constants.DefaultServerURL,
		PeriodSeconds: constants.DefaultPeriodSeconds,
		PhaseMaxMs:    constants.DefaultPhaseMaxMs,
		MaxInflight:   constants.DefaultMaxInflight,
		MetricsPort:   constants.DefaultMetricsPort,
	}
}

// Period returns the tick period.
func (c Config) Period() time.Duration {
	return time.Duration(c.PeriodSeconds * float64(time.Second))
}

// PhaseMax returns the upper bound of sensor phases.
func (c Config) PhaseMax() time.Duration {
	return time.Duration(c.PhaseMaxMs) * time.Millisecond
}

// SensorCount returns the number of sensors over all boxes.
func (c Config) SensorCount() int {
	n := 0
	for _, b := range c.Boxes {
		n += len(b.Sensors)
	}
	return n
}

// Load reads path and applies it over Default. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// Parse decodes data over Default. Keys missing from data keep their default.
func Parse(data []byte, format Format) (Config, error) {
	cfg := Default()

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = safejson.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = multierr.Append(errs, ErrMissingServerURL)
	}
	// NaN fails the first comparison; tiny positive values truncate to a zero duration
	if !(c.PeriodSeconds > 0) || c.PeriodSeconds >= maxPeriodSeconds || c.Period() < MinPeriod {
		errs = multierr.Append(errs, fmt.Errorf("%w: got %v", ErrInvalidPeriod, c.PeriodSeconds))
	}
	if c.PhaseMaxMs < 0 || int64(c.PhaseMaxMs) > maxPhaseMaxMs {
		errs = multierr.Append(errs, ErrInvalidPhaseMax)
	}
	if c.MaxInflight < 1 {
		errs = multierr.Append(errs, ErrInvalidMaxInflight)
	}
	if c.MaxRequestsPerSecond < 0 {
		errs = multierr.Append(errs, ErrInvalidRateLimit)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = multierr.Append(errs, ErrInvalidMetricsPort)
	}
	if len(c.Boxes) == 0 {
		errs = multierr.Append(errs, ErrNoBoxes)
	}

	for i, box := range c.Boxes {
		if box.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("boxes[%d]: %w", i, ErrMissingBoxName))
		}
		for j, sensor := range box.Sensors {
			if sensor.Name == "" {
				errs = multierr.Append(errs, fmt.Errorf("boxes[%d].sensors[%d]: %w", i, j, ErrMissingSensorName))
			}
			if sensor.Type == "" {
				errs = multierr.Append(errs, fmt.Errorf("boxes[%d].sensors[%d]: %w", i, j, ErrMissingSensorType))
			}
		}
	}
	return errs
}

// ID is a scalar identifier that may be written as a string or a number.
type ID string

func (i *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := safejson.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*i = ""
	case string:
		*i = ID(x)
	case float64:
		*i = ID(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*i = ID(strconv.FormatBool(x))
	default:
		return fmt.Errorf("expected a string or number, got %T", v)
	}
	return nil
}

func (i *ID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a string or number", node.Line)
	}
	if node.Tag == "!!null" {
		*i = ""
		return nil
	}
	*i = ID(node.Value)
	return nil
}
