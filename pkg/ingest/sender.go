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

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/gate"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/models"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/remote"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/schedule"
	"go.uber.org/zap"
)

// Poster delivers one reading. *remote.Client implements it.
type Poster interface {
	PostReading(ctx context.Context, reading models.Reading, requestID string) error
}

// Admitter bounds concurrent requests. *gate.Gate implements it.
type Admitter interface {
	Acquire(ctx context.Context) error
	Release()
}

// DefaultPolicy waits base*2^attempt plus up to base of jitter, with base 250ms.
var DefaultPolicy = backoff.Policy{
	Base:       constants.IngestBaseDelay,
	Multiplier: 2,
	Jitter:     constants.IngestJitter,
	MaxRetries: constants.IngestMaxRetries,
}

// Sender delivers readings with bounded retries.
type Sender struct {
	poster Poster
	gate   Admitter
	policy backoff.Policy
	sleep  backoff.SleepFunc
	newID  func() string
	log    *zap.SugaredLogger
}

type Option func(*Sender)

// WithPolicy sets base delay, multiplier and jitter. MaxRetries is taken per Send call.
func WithPolicy(p backoff.Policy) Option {
	return func(s *Sender) { s.policy = p }
}

func WithSleep(sleep backoff.SleepFunc) Option {
	return func(s *Sender) { s.sleep = sleep }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Sender) { s.log = logger.OrNop(log) }
}

// WithRequestIDs replaces the generator of per-reading request ids.
func WithRequestIDs(newID func() string) Option {
	return func(s *Sender) { s.newID = newID }
}

// New returns a Sender posting through poster. A nil admitter gets a gate of the default size.
func New(poster Poster, admitter Admitter, opts ...Option) *Sender {
	if admitter == nil {
		admitter = gate.New(constants.DefaultMaxInflight)
	}
	s := &Sender{
		poster: poster,
		gate:   admitter,
		policy: DefaultPolicy,
		newID:  uuid.NewString,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sleep == nil {
		clk := clock.New()
		s.sleep = func(ctx context.Context, d time.Duration) error {
			return schedule.Sleep(ctx, clk, d)
		}
	}
	return s
}

// Send delivers one reading and reports whether the backend accepted it.
//
// Attribute values are converted with models.FromAny, so unsupported types travel as strings.
// A gate slot is held for each attempt only. 429, 5xx and connection failures are retried up to
// maxRetries times; every other failure ends the call. Send never panics and never returns an
// error: a failed delivery is only logged.
func (s *Sender) Send(ctx context.Context, sensorID string, value float64, attributes map[string]any, maxRetries int) bool {
	if maxRetries < 0 {
		maxRetries = 0
	}

	reading := models.Reading{
		SensorID:   sensorID,
		Value:      value,
		Attributes: models.AttributesFrom(attributes),
	}
	if reading.Attributes == nil {
		reading.Attributes = models.Attributes{}
	}
	requestID := s.newID()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := s.attempt(ctx, reading, requestID)
		if err == nil {
			metrics.IncSendAttempt(metrics.OutcomeSuccess)
			return true
		}
		if ctx.Err() != nil {
			s.log.Debugf("Ingest for sensor %s aborted: %s", sensorID, ctx.Err())
			return false
		}

		if !backoff.IsTransientError(err) {
			metrics.IncSendAttempt(metrics.OutcomeTerminal)
			s.logFailure(sensorID, err)
			return false
		}
		metrics.IncSendAttempt(metrics.OutcomeRetryable)

		if attempt == maxRetries {
			s.log.Warnf("Ingest for sensor %s failed after %d attempts", sensorID, maxRetries+1)
			s.logFailure(sensorID, err)
			return false
		}

		delay := s.policy.Delay(attempt)
		s.log.Debugf("Ingest for sensor %s failed (attempt %d/%d), retrying in %s: %s", sensorID, attempt+1, maxRetries+1, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return false
		}
	}
	return false
}

// attempt performs one gated POST. A panic below it is turned into a permanent error.
func (s *Sender) attempt(ctx context.Context, reading models.Reading, requestID string) (err error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return backoff.NewPermanentError(err)
	}
	defer s.gate.Release()

	defer func() {
		if r := recover(); r != nil {
			err = backoff.NewPermanentError(fmt.Errorf("panic while posting reading: %v", r))
		}
	}()

	return s.poster.PostReading(ctx, reading, requestID)
}

func (s *Sender) logFailure(sensorID string, err error) {
	if status := remote.StatusCode(err); status != 0 {
		s.log.Warnf("Ingest for sensor %s rejected with HTTP %d: %s", sensorID, status, err)
		return
	}
	if backoff.IsTransientError(err) {
		s.log.Warnf("Ingest for sensor %s network error: %s", sensorID, err)
		return
	}
	s.log.Warnf("Ingest for sensor %s unexpected error: %s", sensorID, err)
}
