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

package sentry

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"go.uber.org/zap"
)

// enabled is set once InitSentry succeeded. Reports are only logged while it is false.
var enabled atomic.Bool

// shouldDebounceErrors can be turned off by tests to observe every report.
var shouldDebounceErrors atomic.Bool

func init() {
	shouldDebounceErrors.Store(true)
}

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounceErrors.Store(false)
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounceErrors.Store(true)
}

// Environment derives the sentry environment from the build version.
// Release versions report to production, pre-releases and unparsable versions to development.
func Environment(appVersion string) string {
	version, err := semver.NewVersion(appVersion)
	if err != nil || version.Prerelease() != "" {
		return constants.DefaultDevelopmentEnvironment
	}
	return constants.DefaultProductionEnvironment
}

// InitSentry initializes sentry for the given DSN and app version.
// An empty DSN or a local development build leaves sentry disabled.
func InitSentry(dsn string, appVersion string) {
	if dsn == "" {
		zap.S().Debug("Sentry disabled, SENTRY_DSN is not set")
		return
	}
	if appVersion == "" || appVersion == constants.DefaultAppVersion {
		zap.S().Debug("Sentry disabled for local development build")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   Environment(appVersion),
		Release:       "sensorfleet@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
		return
	}
	enabled.Store(true)
}

// Enabled reports whether events are forwarded to sentry.
func Enabled() bool {
	return enabled.Load()
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	// first phrase, until period, comma or colon
	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEvent(level sentry.Level, err error, context map[string]any) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{
		"{{ default }}",
		"level: " + string(level),
	}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags[key] = v
		case int, int64, uint64, float64, bool:
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]any)
			}
			event.Extra[key] = v
		}

		if key == "operation" || key == "box" {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	if !enabled.Load() {
		return
	}
	localHub := sentry.CurrentHub().Clone()
	localHub.CaptureEvent(event)
}
