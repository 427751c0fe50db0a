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

// Package metrics exposes the fleet's prometheus instruments.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/sentry"
)

const namespace = "sensorfleet"

// Label values.
const (
	ResultSent     = "sent"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
	ResultFallback = "fallback"

	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"

	CacheHit  = "hit"
	CacheMiss = "miss"
)

var (
	readingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings per result (sent, failed, skipped)",
		},
		[]string{"result"},
	)

	generationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_fallbacks_total",
			Help:      "Readings that fell back to 0 because no value could be generated",
		},
	)

	sendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Ingestion attempts per outcome",
		},
		[]string{"outcome"},
	)

	configCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_cache_requests_total",
			Help:      "Config cache lookups per result (hit, miss)",
		},
		[]string{"result"},
	)

	configFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_fetch_failures_total",
			Help:      "Config refreshes that ended in the empty fallback",
		},
	)

	gateInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_inflight",
			Help:      "Outbound requests currently holding a gate slot",
		},
	)

	gateWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for a gate slot",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	tickLateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_lateness_seconds",
			Help:      "Delay between a sensor's scheduled tick and its actual wake-up",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	boxFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "box_failures_total",
			Help:      "Boxes whose simulation stopped because of a fatal error",
		},
	)

	registeredSensors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_sensors",
			Help:      "Sensors registered with the remote service and running",
		},
	)
)

func IncReading(result string) {
	readingsTotal.WithLabelValues(result).Inc()
}

func IncGenerationFallback() {
	generationFallbacks.Inc()
}

func IncSendAttempt(outcome string) {
	sendAttemptsTotal.WithLabelValues(outcome).Inc()
}

func IncConfigCache(result string) {
	configCacheRequests.WithLabelValues(result).Inc()
}

func IncConfigFetchFailure() {
	configFetchFailures.Inc()
}

func SetGateInflight(n int64) {
	gateInflight.Set(float64(n))
}

func ObserveGateWait(d time.Duration) {
	gateWait.Observe(d.Seconds())
}

// ObserveTickLateness records how late a worker woke up. Negative values are clamped to 0.
func ObserveTickLateness(d time.Duration) {
	if d < 0 {
		d = 0
	}
	tickLateness.Observe(d.Seconds())
}

func IncBoxFailure() {
	boxFailures.Inc()
}

func AddRegisteredSensors(delta int) {
	registeredSensors.Add(float64(delta))
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}
