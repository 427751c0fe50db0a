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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/config"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/env"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/fleet"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/sentry"
	"go.uber.org/zap"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

func main() {
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	dsn, _ := env.GetAsString("SENTRY_DSN", false, "")
	sentry.InitSentry(dsn, appVersion)
	defer sentry.Flush(2 * time.Second)

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting sensorfleet %s", appVersion)

	path := config.PathFromEnv()
	cfg, err := config.LoadWithEnvOverrides(path)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to load config: %w", err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.For(logger.ComponentConfig).Infof("Loaded %s: %d boxes, %d sensors", path, len(cfg.Boxes), cfg.SensorCount())

	if cfg.MetricsPort > 0 {
		server := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := fleet.New(cfg)
	go LatencyLogger(ctx, f, log)

	if err := f.Run(ctx); err != nil {
		log.Errorf("Some boxes failed to start: %s", err)
	}

	log.Info("sensorfleet stopped")
}

// LatencyLogger logs the backend round-trip statistics once a minute.
func LatencyLogger(ctx context.Context, f *fleet.Fleet, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l := f.Client().Latency()
			if l.Count == 0 {
				continue
			}
			log.Infof("Backend latency over %s: n=%d min=%s avg=%s p95=%s max=%s (gate %d/%d in flight)",
				constants.HTTPLatencyWindow, l.Count, l.Min, l.Avg, l.P95, l.Max, f.Gate().InFlight(), f.Gate().Capacity())
		}
	}
}
