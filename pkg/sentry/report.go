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
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

// debounceWindow is the minimum spacing between two forwarded events of the same level.
const debounceWindow = 2 * time.Hour

type debouncer struct {
	mu       sync.Mutex
	lastSent time.Time
}

// allow reports whether an event may be forwarded now and records it if so.
func (d *debouncer) allow(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldDebounceErrors.Load() && now.Sub(d.lastSent) < debounceWindow {
		return false
	}
	d.lastSent = now
	return true
}

var (
	errorDebounce   = &debouncer{}
	warningDebounce = &debouncer{}
)

// ReportIssue logs err and forwards it to sentry, subject to per-level debouncing.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...any) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
// The error is always logged; only the sentry event is debounced.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]any) {
	if err == nil {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeError:
		log.Errorw(err.Error(), contextFields(context)...)
		if errorDebounce.allow(time.Now()) {
			sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
		}
	default:
		log.Warnw(err.Error(), contextFields(context)...)
		if warningDebounce.allow(time.Now()) {
			sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportBoxError reports a failure that stopped the simulation of one box.
func ReportBoxError(log *zap.SugaredLogger, box string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]any{
		"box":       box,
		"operation": operation,
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func Flush(timeout time.Duration) {
	if enabled.Load() {
		sentry.Flush(timeout)
	}
}

func contextFields(context map[string]any) []any {
	fields := make([]any, 0, len(context)*2)
	for k, v := range context {
		fields = append(fields, k, v)
	}
	return fields
}
