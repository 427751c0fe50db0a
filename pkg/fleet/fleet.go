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

// Package fleet wires the shared dependencies of a simulation and runs every configured box.
//
// A box resolves its house, registers its sensors one after another and then runs one worker per
// sensor until the context is cancelled. A box that fails to bootstrap is reported and stops;
// the other boxes keep running.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/config"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/configcache"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/gate"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/ingest"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/models"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/phase"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/remote"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/schedule"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/sentry"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bootstrap steps that can stop a box.
const (
	OperationResolveHouse   = "resolve_house"
	OperationRegisterSensor = "register_sensor"
)

var ErrNoHouse = errors.New("house_id or householder is required in box definition")

// BoxError is the failure that stopped one box.
type BoxError struct {
	Box       string
	Operation string
	Err       error
}

func (e *BoxError) Error() string {
	return fmt.Sprintf("box %s: %s: %s", e.Box, e.Operation, e.Err)
}

func (e *BoxError) Unwrap() error {
	return e.Err
}

// Fleet holds everything the workers share. It replaces process-wide state: two fleets never
// interfere with each other.
type Fleet struct {
	cfg      config.Config
	clk      clock.Clock
	client   *remote.Client
	cache    *configcache.Cache
	gate     *gate.Gate
	sender   *ingest.Sender
	sched    *schedule.Scheduler
	phases   phase.Assigner
	log      *zap.SugaredLogger
	base     *zap.SugaredLogger
	observer func(worker.Sensor, worker.Cycle)
	random   func() float64

	httpClient *http.Client

	mu      sync.Mutex
	sensors []worker.Sensor
}

type Option func(*Fleet)

// WithClock replaces the clock used by the scheduler, the config cache and ingest backoff.
func WithClock(clk clock.Clock) Option {
	return func(f *Fleet) { f.clk = clk }
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fleet) { f.httpClient = c }
}

// WithLogger sets the parent logger. Components log through named children of it.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(f *Fleet) { f.base = log }
}

// WithObserver is called after every worker cycle.
func WithObserver(fn func(worker.Sensor, worker.Cycle)) Option {
	return func(f *Fleet) { f.observer = fn }
}

// WithRandom replaces the [0, 1) source of every worker.
func WithRandom(r func() float64) Option {
	return func(f *Fleet) { f.random = r }
}

// New builds the shared dependencies for cfg. cfg is expected to be validated.
func New(cfg config.Config, opts ...Option) *Fleet {
	f := &Fleet{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.clk == nil {
		f.clk = clock.New()
	}
	if f.httpClient == nil {
		f.httpClient = remote.NewHTTPClient()
	}
	f.log = f.named(logger.ComponentFleet)

	f.client = remote.New(cfg.ServerURL,
		remote.WithHTTPClient(f.httpClient),
		remote.WithLogger(f.named(logger.ComponentRemoteClient)),
	)

	var gateOpts []gate.Option
	if cfg.MaxRequestsPerSecond > 0 {
		gateOpts = append(gateOpts, gate.WithRateLimit(cfg.MaxRequestsPerSecond))
	}
	f.gate = gate.New(cfg.MaxInflight, gateOpts...)

	clk := f.clk
	sleep := func(ctx context.Context, d time.Duration) error {
		return schedule.Sleep(ctx, clk, d)
	}
	f.cache = configcache.New(f.client,
		configcache.WithClock(clk),
		configcache.WithSleep(sleep),
		configcache.WithLogger(f.named(logger.ComponentConfigCache)),
	)
	f.sender = ingest.New(f.client, f.gate,
		ingest.WithSleep(sleep),
		ingest.WithLogger(f.named(logger.ComponentIngest)),
	)

	f.sched = schedule.New(clk, schedule.Epoch, cfg.Period())
	f.phases = phase.NewAssigner(cfg.PhaseMax())
	return f
}

func (f *Fleet) named(component string) *zap.SugaredLogger {
	if f.base != nil {
		return f.base.Named(component)
	}
	return logger.For(component)
}

// Client returns the backend client shared by all boxes.
func (f *Fleet) Client() *remote.Client {
	return f.client
}

func (f *Fleet) Gate() *gate.Gate {
	return f.gate
}

// Sensors returns the sensors registered so far.
func (f *Fleet) Sensors() []worker.Sensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Sensor(nil), f.sensors...)
}

// Run runs every box concurrently until ctx is cancelled. It returns once all boxes have stopped,
// with the bootstrap failures of every failed box combined.
func (f *Fleet) Run(ctx context.Context) error {
	f.log.Infof("Starting %d boxes with %d sensors (period %s, phase max %s, max inflight %d)",
		len(f.cfg.Boxes), f.cfg.SensorCount(), f.sched.Period(), f.phases.Max(), f.gate.Capacity())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, box := range f.cfg.Boxes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.RunBox(ctx, box)
			if err == nil {
				return
			}

			metrics.IncBoxFailure()
			operation := ""
			var boxErr *BoxError
			if errors.As(err, &boxErr) {
				operation = boxErr.Operation
			}
			sentry.ReportBoxError(f.log, box.Name, operation, err)

			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	f.log.Infof("All boxes stopped")
	return errs
}

// RunBox bootstraps one box and runs its workers until ctx is cancelled.
// Cancellation during bootstrap is not a failure.
func (f *Fleet) RunBox(ctx context.Context, box config.BoxDefinition) error {
	houseID, err := f.resolveHouse(ctx, box)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &BoxError{Box: box.Name, Operation: OperationResolveHouse, Err: err}
	}
	f.log.Infof("Box %s uses house %s", box.Name, houseID)

	sensors := make([]worker.Sensor, 0, len(box.Sensors))
	defer func() { metrics.AddRegisteredSensors(-len(sensors)) }()

	for _, def := range box.Sensors {
		sensor, err := f.register(ctx, box, def, houseID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BoxError{Box: box.Name, Operation: OperationRegisterSensor, Err: err}
		}
		sensors = append(sensors, sensor)
		metrics.AddRegisteredSensors(1)

		f.mu.Lock()
		f.sensors = append(f.sensors, sensor)
		f.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sensor := range sensors {
		w := f.newWorker(sensor)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

func (f *Fleet) resolveHouse(ctx context.Context, box config.BoxDefinition) (string, error) {
	if box.HouseID != "" {
		return string(box.HouseID), nil
	}
	if box.Householder == "" {
		return "", ErrNoHouse
	}
	return f.client.ResolveHouseID(ctx, box.Householder)
}

// register creates def on the backend and returns it as a worker sees it.
func (f *Fleet) register(ctx context.Context, box config.BoxDefinition, def config.SensorDefinition, houseID string) (worker.Sensor, error) {
	registration := Registration(box, def, houseID)
	f.log.Debugf("Registering %s under house %s (serial %q)", registration.Name, houseID, registration.SerialNumber)

	created, err := f.client.CreateSensor(ctx, houseID, registration)
	if err != nil {
		return worker.Sensor{}, err
	}

	sensor := worker.Sensor{
		ID:      created.ID,
		Name:    def.Name,
		Type:    def.Type,
		Box:     box.Name,
		Serial:  def.ResolveSerial(box),
		Enabled: def.IsEnabled(),
		Meta:    def.Meta,
	}
	f.log.Infof("Created %s id=%s enabled=%t", created.Name, created.ID, sensor.Enabled)
	return sensor, nil
}

// Registration builds the creation payload of def: name "<box>_<sensor>", the sensor's meta
// extended with house_id and box, the box location and the resolved serial.
func Registration(box config.BoxDefinition, def config.SensorDefinition, houseID string) models.SensorRegistration {
	metadata := make(map[string]any, len(def.Meta)+2)
	for k, v := range def.Meta {
		metadata[k] = v
	}
	metadata["house_id"] = houseID
	metadata["box"] = box.Name

	return models.SensorRegistration{
		Name:         box.Name + "_" + def.Name,
		Type:         def.Type,
		Location:     box.Location,
		Metadata:     metadata,
		SerialNumber: def.ResolveSerial(box),
	}
}

func (f *Fleet) newWorker(sensor worker.Sensor) *worker.Worker {
	opts := []worker.Option{
		worker.WithLogger(f.named(logger.ComponentSensorWorker).With("sensor", sensor.ID)),
	}
	if f.random != nil {
		opts = append(opts, worker.WithRandom(f.random))
	}
	if f.observer != nil {
		observe := f.observer
		opts = append(opts, worker.WithObserver(func(c worker.Cycle) { observe(sensor, c) }))
	}
	return worker.New(sensor, f.phases.Phase(sensor.ID), f.sched, f.cache, f.sender, opts...)
}
