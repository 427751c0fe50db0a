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

// Package worker runs the lifecycle of one simulated sensor.
//
// A worker first aligns to its next tick (grid point plus phase), then loops: sleep until the
// tick, skip the cycle if the sensor is disabled, otherwise generate a value and send it. The
// next tick is always recomputed from the fixed grid, so delivery delays never shift it.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/schedule"
	"go.uber.org/zap"
)

// ConfigSource returns the cached remote config of a sensor. *configcache.Cache implements it.
type ConfigSource interface {
	Get(ctx context.Context, sensorID string) map[string]any
}

// Sender delivers one reading. *ingest.Sender implements it.
type Sender interface {
	Send(ctx context.Context, sensorID string, value float64, attributes map[string]any, maxRetries int) bool
}

type State int32

const (
	StateAligning State = iota
	StateSleeping
	StateCheckEnabled
	StateDisabled
	StateGenerating
	StateSending
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAligning:
		return "aligning"
	case StateSleeping:
		return "sleeping"
	case StateCheckEnabled:
		return "check_enabled"
	case StateDisabled:
		return "disabled"
	case StateGenerating:
		return "generating"
	case StateSending:
		return "sending"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Sensor is a registered sensor as the worker sees it.
type Sensor struct {
	// ID is assigned by the backend at registration.
	ID      string
	Name    string
	Type    string
	Box     string
	Serial  string
	Enabled bool
	// Meta holds the sensor's own default range (min, max).
	Meta map[string]any
}

// Attributes returns the attribute map sent with every reading. An empty serial is sent as null.
func (s Sensor) Attributes() map[string]any {
	var serial any
	if s.Serial != "" {
		serial = s.Serial
	}
	return map[string]any{
		"unit":          s.Type,
		"box":           s.Box,
		"serial_number": serial,
	}
}

// Cycle describes one completed tick.
type Cycle struct {
	// Scheduled is the tick instant the worker slept until.
	Scheduled time.Time
	// Woke is the clock reading when the worker resumed.
	Woke      time.Time
	Enabled   bool
	Value     float64
	Generated bool
	Sent      bool
}

type Worker struct {
	sensor     Sensor
	phase      time.Duration
	sched      *schedule.Scheduler
	configs    ConfigSource
	sender     Sender
	maxRetries int
	random     func() float64
	observer   func(Cycle)
	log        *zap.SugaredLogger
	state      atomic.Int32
}

type Option func(*Worker)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(w *Worker) { w.log = logger.OrNop(log) }
}

func WithMaxRetries(n int) Option {
	return func(w *Worker) { w.maxRetries = n }
}

// WithRandom replaces the [0, 1) source used to draw values.
func WithRandom(r func() float64) Option {
	return func(w *Worker) { w.random = r }
}

// WithObserver registers fn to be called after every cycle, from the worker's goroutine.
func WithObserver(fn func(Cycle)) Option {
	return func(w *Worker) { w.observer = fn }
}

func New(sensor Sensor, phase time.Duration, sched *schedule.Scheduler, configs ConfigSource, sender Sender, opts ...Option) *Worker {
	w := &Worker{
		sensor:     sensor,
		phase:      phase,
		sched:      sched,
		configs:    configs,
		sender:     sender,
		maxRetries: constants.IngestMaxRetries,
		random:     rand.Float64,
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Phase() time.Duration {
	return w.phase
}

func (w *Worker) Sensor() Sensor {
	return w.sensor
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run loops until ctx is cancelled and then returns nil. Failures inside a cycle never end it.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	w.setState(StateAligning)
	next := w.sched.Next(w.phase)
	w.log.Debugf("Sensor %s aligned, first tick at %s (phase %dms)", w.sensor.ID, next.Format(time.RFC3339Nano), w.phase.Milliseconds())

	for {
		w.setState(StateSleeping)
		if err := w.sched.SleepUntil(ctx, next); err != nil {
			return nil
		}

		woke := w.sched.Clock().Now()
		metrics.ObserveTickLateness(woke.Sub(next))

		cycle := w.tick(ctx, next, woke)
		if ctx.Err() != nil {
			return nil
		}
		if w.observer != nil {
			w.observer(cycle)
		}

		next = w.sched.Next(w.phase)
	}
}

func (w *Worker) tick(ctx context.Context, scheduled, woke time.Time) Cycle {
	cycle := Cycle{Scheduled: scheduled, Woke: woke}

	w.setState(StateCheckEnabled)
	if !w.sensor.Enabled {
		w.setState(StateDisabled)
		metrics.IncReading(metrics.ResultSkipped)
		return cycle
	}
	cycle.Enabled = true

	w.setState(StateGenerating)
	value, err := w.generate(ctx)
	if err != nil {
		w.log.Warnf("Generating value for sensor %s failed, sending 0: %s", w.sensor.ID, err)
		metrics.IncGenerationFallback()
		value = 0
	} else {
		cycle.Generated = true
	}
	cycle.Value = value

	w.setState(StateSending)
	cycle.Sent = w.sender.Send(ctx, w.sensor.ID, value, w.sensor.Attributes(), w.maxRetries)
	if cycle.Sent {
		metrics.IncReading(metrics.ResultSent)
	} else {
		metrics.IncReading(metrics.ResultFailed)
	}

	w.log.Infof("%s %s -> %.2f (phase %dms) ok=%t", w.sensor.Box, w.sensor.Name, value, w.phase.Milliseconds(), cycle.Sent)
	return cycle
}

// generate draws a value from the effective range. Panics are reported as errors.
func (w *Worker) generate(ctx context.Context) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while generating value: %v", r)
		}
	}()

	cfg := w.configs.Get(ctx, w.sensor.ID)
	lo, hi, err := ValueRange(cfg, w.sensor.Meta)
	if err != nil {
		return 0, err
	}
	value = Uniform(lo, hi, w.random)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: drew %v from [%v, %v)", ErrNotANumber, value, lo, hi)
	}
	return value, nil
}
