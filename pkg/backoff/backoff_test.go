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

package backoff_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
)

var _ = Describe("Error categories", func() {
	It("should identify transient and permanent errors through wrapping", func() {
		transient := backoff.NewTransientError(errors.New("connection refused")) //nolint:err113 // Test needs dynamic error
		wrapped := fmt.Errorf("posting reading: %w", transient)

		Expect(backoff.IsTransientError(wrapped)).To(BeTrue())
		Expect(backoff.IsPermanentError(wrapped)).To(BeFalse())

		permanent := backoff.NewPermanentError(errors.New("bad request")) //nolint:err113 // Test needs dynamic error
		Expect(backoff.IsPermanentError(fmt.Errorf("creating sensor: %w", permanent))).To(BeTrue())
		Expect(backoff.IsTransientError(permanent)).To(BeFalse())
	})

	It("should keep the original message", func() {
		err := backoff.NewTransientError(errors.New("stream reset")) //nolint:err113 // Test needs dynamic error
		Expect(err.Error()).To(Equal("stream reset"))
	})

	It("should handle nil and uncategorized errors", func() {
		Expect(backoff.NewTransientError(nil)).To(BeNil())
		Expect(backoff.NewPermanentError(nil)).To(BeNil())
		Expect(backoff.IsTransientError(nil)).To(BeFalse())

		plain := errors.New("just a normal error") //nolint:err113 // Test needs dynamic error
		Expect(backoff.IsTransientError(plain)).To(BeFalse())
		Expect(backoff.IsPermanentError(plain)).To(BeFalse())
	})
})

var _ = Describe("Policy", func() {
	It("should double the delay per attempt", func() {
		p := backoff.Policy{Base: 250 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
		Expect(p.Attempts()).To(Equal(4))
		Expect(p.Delay(0)).To(Equal(250 * time.Millisecond))
		Expect(p.Delay(1)).To(Equal(500 * time.Millisecond))
		Expect(p.Delay(2)).To(Equal(time.Second))
	})

	It("should add jitter below the bound", func() {
		p := backoff.Policy{Base: 250 * time.Millisecond, Multiplier: 2, Jitter: 250 * time.Millisecond}
		for i := 0; i < 200; i++ {
			d := p.Delay(1)
			Expect(d).To(BeNumerically(">=", 500*time.Millisecond))
			Expect(d).To(BeNumerically("<", 750*time.Millisecond))
		}
	})

	It("should cap at Max and never overflow", func() {
		p := backoff.Policy{Base: time.Second, Multiplier: 10, Max: time.Minute}
		Expect(p.Exponential(5)).To(Equal(time.Minute))

		uncapped := backoff.Policy{Base: time.Second, Multiplier: 10}
		Expect(uncapped.Exponential(1000)).To(BeNumerically(">", 0))
	})

	It("should treat degenerate values as no growth", func() {
		Expect(backoff.Policy{Base: time.Second, Multiplier: 0.5}.Exponential(3)).To(Equal(time.Second))
		Expect(backoff.Policy{}.Delay(2)).To(BeZero())
		Expect(backoff.Policy{Base: time.Second}.Exponential(-1)).To(BeZero())
		Expect(backoff.Policy{MaxRetries: -4}.Attempts()).To(Equal(1))
	})
})
