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

package constants

import "time"

// Simulation defaults, used when the configuration file omits a value.
const (
	DefaultServerURL      = "http://localhost:8000"
	DefaultPeriodSeconds  = 60.0
	DefaultPhaseMaxMs     = 10_000
	DefaultMaxInflight    = 20
	DefaultMetricsPort    = 9090
	DefaultConfigFilePath = "config.json"
)

// Config cache
const (
	ConfigCacheTTL = 30 * time.Second
	// ConfigCacheCullInterval is how often expired entries are dropped from memory.
	ConfigCacheCullInterval = time.Minute

	ConfigFetchAttempts  = 4
	ConfigFetchBaseDelay = 250 * time.Millisecond
)

// Ingestion retries
const (
	IngestMaxRetries = 3
	IngestBaseDelay  = 250 * time.Millisecond
	IngestJitter     = 250 * time.Millisecond
)

// HTTP client
const (
	HTTPClientTimeout        = 20 * time.Second
	HTTPMaxConnsPerHost      = 400
	HTTPMaxIdleConnsPerHost  = 200
	HTTPIdleConnTimeout      = 90 * time.Second
	HTTPLatencyWindow        = 5 * time.Minute
	HTTPErrorBodyLogMaxBytes = 200
)

// DefaultAppVersion is reported when the binary is built without a version ldflag.
const DefaultAppVersion = "0.0.0-dev"

// Sentry environments
const (
	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"
)
