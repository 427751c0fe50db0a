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
	"fmt"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/env"
	"go.uber.org/multierr"
)

// Environment variables that override file values.
const (
	EnvServerURL            = "SERVER_URL"
	EnvPeriodSeconds        = "PERIOD_SECONDS"
	EnvPhaseMaxMs           = "PHASE_MAX_MS"
	EnvMaxInflight          = "MAX_INFLIGHT"
	EnvMaxRequestsPerSecond = "MAX_REQUESTS_PER_SECOND"
	EnvMetricsPort          = "METRICS_PORT"
	EnvConfigPath           = "CONFIG_PATH"
)

// PathFromEnv returns CONFIG_PATH, or config.json in the working directory.
func PathFromEnv() string {
	path, _ := env.GetAsString(EnvConfigPath, false, constants.DefaultConfigFilePath)
	return path
}

// ApplyEnvOverrides replaces scalar settings with their environment variables when set.
// Unset variables keep the current value; malformed ones are reported and leave it untouched.
func (c *Config) ApplyEnvOverrides() error {
	var errs error

	serverURL, err := env.GetAsString(EnvServerURL, false, c.ServerURL)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.ServerURL = serverURL
	}

	period, err := env.GetAsFloat(EnvPeriodSeconds, false, c.PeriodSeconds)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.PeriodSeconds = period
	}

	phaseMax, err := env.GetAsInt(EnvPhaseMaxMs, false, c.PhaseMaxMs)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.PhaseMaxMs = phaseMax
	}

	maxInflight, err := env.GetAsInt(EnvMaxInflight, false, c.MaxInflight)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.MaxInflight = maxInflight
	}

	rps, err := env.GetAsFloat(EnvMaxRequestsPerSecond, false, c.MaxRequestsPerSecond)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.MaxRequestsPerSecond = rps
	}

	metricsPort, err := env.GetAsInt(EnvMetricsPort, false, c.MetricsPort)
	errs = multierr.Append(errs, err)
	if err == nil {
		c.MetricsPort = metricsPort
	}

	if errs != nil {
		return fmt.Errorf("applying environment overrides: %w", errs)
	}
	return nil
}

// LoadWithEnvOverrides loads path, applies the environment and validates the result.
func LoadWithEnvOverrides(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
