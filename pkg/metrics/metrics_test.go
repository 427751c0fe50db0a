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

package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/metrics"
)

func scrape() string {
	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

var _ = Describe("Metrics", func() {
	It("exposes the fleet metrics under the sensorfleet namespace", func() {
		metrics.IncReading(metrics.ResultSent)
		metrics.IncSendAttempt(metrics.OutcomeRetryable)
		metrics.IncConfigCache(metrics.CacheHit)
		metrics.IncConfigFetchFailure()
		metrics.IncGenerationFallback()
		metrics.IncBoxFailure()
		metrics.SetGateInflight(3)
		metrics.ObserveGateWait(10 * time.Millisecond)
		metrics.ObserveTickLateness(-time.Second)
		metrics.AddRegisteredSensors(2)

		out := scrape()
		Expect(out).To(ContainSubstring(`sensorfleet_readings_total{result="sent"}`))
		Expect(out).To(ContainSubstring(`sensorfleet_send_attempts_total{outcome="retryable"}`))
		Expect(out).To(ContainSubstring(`sensorfleet_config_cache_requests_total{result="hit"}`))
		Expect(out).To(ContainSubstring("sensorfleet_config_fetch_failures_total"))
		Expect(out).To(ContainSubstring("sensorfleet_generation_fallbacks_total"))
		Expect(out).To(ContainSubstring("sensorfleet_box_failures_total"))
		Expect(out).To(ContainSubstring("sensorfleet_gate_inflight 3"))
		Expect(out).To(ContainSubstring("sensorfleet_gate_wait_seconds_count"))
		Expect(out).To(ContainSubstring(`sensorfleet_tick_lateness_seconds_bucket{le="0.001"}`))
		Expect(out).To(ContainSubstring("sensorfleet_registered_sensors"))
	})
})
