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

package configcache_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/configcache"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/remote"
)

// scriptedFetcher answers from a queue of results, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	results []result
}

type result struct {
	cfg map[string]any
	err error
}

func (f *scriptedFetcher) FetchSensorConfig(_ context.Context, sensorID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	n := f.calls[sensorID]
	f.calls[sensorID]++
	if n >= len(f.results) {
		n = len(f.results) - 1
	}
	return f.results[n].cfg, f.results[n].err
}

func (f *scriptedFetcher) Calls(sensorID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sensorID]
}

// sleepRecorder records requested delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

var transientErr = backoff.NewTransientError(errors.New("connection reset by peer"))

var _ = Describe("Cache", func() {
	var (
		ctx     context.Context
		mock    *clock.Mock
		sleeper *sleepRecorder
		fetcher *scriptedFetcher
		cache   *configcache.Cache
	)

	newCache := func(results ...result) {
		fetcher = &scriptedFetcher{results: results}
		cache = configcache.New(fetcher,
			configcache.WithClock(mock),
			configcache.WithSleep(sleeper.Sleep),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		mock.Set(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
		sleeper = &sleepRecorder{}
	})

	Context("TTL", func() {
		BeforeEach(func() {
			newCache(result{cfg: map[string]any{"min": 10.0, "max": 20.0}})
		})

		It("serves repeated lookups before expiry without a network call", func() {
			Expect(cache.Get(ctx, "s-1")).To(HaveKeyWithValue("min", 10.0))
			mock.Add(29 * time.Second)
			Expect(cache.Get(ctx, "s-1")).To(HaveKeyWithValue("max", 20.0))
			Expect(fetcher.Calls("s-1")).To(Equal(1))
		})

		It("refreshes once the entry expired", func() {
			cache.Get(ctx, "s-1")
			mock.Add(30 * time.Second)
			cache.Get(ctx, "s-1")
			Expect(fetcher.Calls("s-1")).To(Equal(2))

			mock.Add(31 * time.Second)
			cache.Get(ctx, "s-1")
			Expect(fetcher.Calls("s-1")).To(Equal(3))
		})

		It("keeps sensors independent", func() {
			cache.Get(ctx, "s-1")
			cache.Get(ctx, "s-2")
			cache.Get(ctx, "s-1")
			Expect(fetcher.Calls("s-1")).To(Equal(1))
			Expect(fetcher.Calls("s-2")).To(Equal(1))
			Expect(cache.Len()).To(Equal(2))
		})

		It("honours a custom TTL", func() {
			cache = configcache.New(fetcher, configcache.WithClock(mock), configcache.WithTTL(time.Second))
			cache.Get(ctx, "s-9")
			mock.Add(2 * time.Second)
			cache.Get(ctx, "s-9")
			Expect(fetcher.Calls("s-9")).To(Equal(2))
		})
	})

	Context("refresh failures", func() {
		It("retries connection failures with growing delays and then succeeds", func() {
			newCache(
				result{err: transientErr},
				result{err: transientErr},
				result{err: transientErr},
				result{cfg: map[string]any{"min": 1.0}},
			)

			Expect(cache.Get(ctx, "s-1")).To(HaveKeyWithValue("min", 1.0))
			Expect(fetcher.Calls("s-1")).To(Equal(4))
			Expect(sleeper.Delays()).To(Equal([]time.Duration{
				250 * time.Millisecond, 500 * time.Millisecond, time.Second,
			}))
		})

		It("falls back to an empty map after four failed attempts and caches it", func() {
			newCache(result{err: transientErr})

			Expect(cache.Get(ctx, "s-1")).To(BeEmpty())
			Expect(fetcher.Calls("s-1")).To(Equal(4))

			mock.Add(10 * time.Second)
			Expect(cache.Get(ctx, "s-1")).To(BeEmpty())
			Expect(fetcher.Calls("s-1")).To(Equal(4))
		})

		It("does not retry when the backend answered with a non-200 status", func() {
			statusErr := backoff.NewTransientError(&remote.StatusError{Method: "GET", URL: "/sensors/s-1", StatusCode: 503})
			newCache(result{err: statusErr})

			Expect(cache.Get(ctx, "s-1")).To(BeEmpty())
			Expect(fetcher.Calls("s-1")).To(Equal(1))
			Expect(sleeper.Delays()).To(BeEmpty())
		})

		It("does not retry permanent errors", func() {
			newCache(result{err: backoff.NewPermanentError(errors.New("decoding response"))})

			Expect(cache.Get(ctx, "s-1")).To(BeEmpty())
			Expect(fetcher.Calls("s-1")).To(Equal(1))
		})

		It("returns an empty map without caching when cancelled during backoff", func() {
			newCache(result{err: transientErr}, result{cfg: map[string]any{"min": 3.0}})
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(cache.Get(cancelled, "s-1")).To(BeEmpty())
			Expect(cache.Get(ctx, "s-1")).To(HaveKeyWithValue("min", 3.0))
		})

		It("normalizes a nil config to an empty map", func() {
			newCache(result{})
			cfg := cache.Get(ctx, "s-1")
			Expect(cfg).NotTo(BeNil())
			Expect(cfg).To(BeEmpty())
		})
	})

	It("tolerates concurrent refreshes of the same sensor", func() {
		newCache(result{cfg: map[string]any{"max": 5.0}})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(cache.Get(ctx, "s-1")).To(HaveKeyWithValue("max", 5.0))
			}()
		}
		wg.Wait()
		Expect(fetcher.Calls("s-1")).To(BeNumerically(">=", 1))
		Expect(fetcher.Calls("s-1")).To(BeNumerically("<=", 20))
	})
})

var _ = Describe("Cache backed by the remote client", func() {
	const backendURL = "http://backend.test"
	var client *remote.Client

	BeforeEach(func() {
		client = remote.New(backendURL)
		gock.InterceptClient(client.HTTPClient())
		DeferCleanup(func() {
			gock.RestoreClient(client.HTTPClient())
			gock.OffAll()
		})
	})

	It("recovers from a refused connection on the next attempt", func() {
		gock.New(backendURL).Get("^/sensors/s-1$").
			ReplyError(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
		gock.New(backendURL).Get("^/sensors/s-1$").
			Reply(200).JSON(map[string]any{"metadata": map[string]any{"min": 2, "max": 4}})

		sleeper := &sleepRecorder{}
		cache := configcache.New(client, configcache.WithSleep(sleeper.Sleep))

		cfg := cache.Get(context.Background(), "s-1")
		Expect(cfg).To(HaveKeyWithValue("min", 2.0))
		Expect(sleeper.Delays()).To(HaveLen(1))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("uses an empty config for a 404 without retrying", func() {
		gock.New(backendURL).Get("^/sensors/s-2$").Reply(404)

		sleeper := &sleepRecorder{}
		cache := configcache.New(client, configcache.WithSleep(sleeper.Sleep))

		Expect(cache.Get(context.Background(), "s-2")).To(BeEmpty())
		Expect(sleeper.Delays()).To(BeEmpty())
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("ignores the body of a success status other than 200", func() {
		gock.New(backendURL).Get("^/sensors/s-3$").
			Reply(202).JSON(map[string]any{"meta": map[string]any{"min": 50, "max": 60}})

		sleeper := &sleepRecorder{}
		cache := configcache.New(client, configcache.WithSleep(sleeper.Sleep))

		Expect(cache.Get(context.Background(), "s-3")).To(BeEmpty())
		Expect(sleeper.Delays()).To(BeEmpty())
		Expect(gock.IsDone()).To(BeTrue())
	})
})
