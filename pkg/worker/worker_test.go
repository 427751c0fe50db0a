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

package worker_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/phase"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/schedule"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/worker"
)

type fakeConfigs struct {
	calls atomic.Int32
	cfg   map[string]any
	panic bool
}

func (f *fakeConfigs) Get(context.Context, string) map[string]any {
	f.calls.Add(1)
	if f.panic {
		panic("cache exploded")
	}
	return f.cfg
}

type sentReading struct {
	sensorID   string
	value      float64
	attributes map[string]any
	maxRetries int
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentReading
	reply bool
}

func (f *fakeSender) Send(_ context.Context, sensorID string, value float64, attributes map[string]any, maxRetries int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReading{sensorID, value, attributes, maxRetries})
	return f.reply
}

func (f *fakeSender) Sent() []sentReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReading(nil), f.sent...)
}

type cycleRecorder struct {
	mu     sync.Mutex
	cycles []worker.Cycle
}

func (r *cycleRecorder) Observe(c worker.Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, c)
}

func (r *cycleRecorder) Cycles() []worker.Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.Cycle(nil), r.cycles...)
}

const (
	period   = 60 * time.Second
	phaseMax = 10 * time.Second
	step     = 500 * time.Millisecond
)

var start = time.Date(2025, 3, 14, 9, 0, 30, 0, time.UTC)

var _ = Describe("Worker", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mock   *clock.Mock
		sched  *schedule.Scheduler
		done   map[string]chan error
	)

	run := func(id string, w *worker.Worker) {
		ch := make(chan error, 1)
		done[id] = ch
		go func() { ch <- w.Run(ctx) }()
	}

	// advance moves the mock clock in small steps until cond holds.
	advance := func(cond func() bool) {
		Eventually(func() bool {
			if cond() {
				return true
			}
			mock.Add(step)
			return cond()
		}).WithTimeout(30 * time.Second).WithPolling(time.Millisecond).Should(BeTrue())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		mock = clock.NewMock()
		mock.Set(start)
		sched = schedule.New(mock, schedule.Epoch, period)
		done = map[string]chan error{}
	})

	AfterEach(func() {
		cancel()
		for _, ch := range done {
			Eventually(ch).Should(Receive(BeNil()))
		}
	})

	It("fires two sensors on their own phases, one period apart", func() {
		assigner := phase.NewAssigner(phaseMax)
		ids := []string{"7c9e6679-7425-40de-944b-e07fc1f90ae7", "550e8400-e29b-41d4-a716-446655440000"}

		recorders := map[string]*cycleRecorder{}
		for _, id := range ids {
			rec := &cycleRecorder{}
			recorders[id] = rec
			w := worker.New(
				worker.Sensor{ID: id, Name: id[:4], Type: "temperature", Box: "box-1", Enabled: true},
				assigner.Phase(id), sched, &fakeConfigs{}, &fakeSender{reply: true},
				worker.WithObserver(rec.Observe),
			)
			run(id, w)
		}

		Expect(assigner.Phase(ids[0])).NotTo(Equal(assigner.Phase(ids[1])))
		Expect(assigner.Phase(ids[0])).To(Equal(phase.Offset(ids[0], phaseMax)))

		advance(func() bool {
			return len(recorders[ids[0]].Cycles()) >= 3 && len(recorders[ids[1]].Cycles()) >= 3
		})

		firstGrid := time.Date(2025, 3, 14, 9, 1, 0, 0, time.UTC)
		for _, id := range ids {
			p := assigner.Phase(id)
			cycles := recorders[id].Cycles()[:3]
			for k, c := range cycles {
				Expect(c.Scheduled).To(BeTemporally("==", firstGrid.Add(time.Duration(k)*period+p)))
				Expect(c.Woke).To(BeTemporally("~", c.Scheduled, 2*step))
				Expect(c.Woke).To(BeTemporally(">=", c.Scheduled))
				if k > 0 {
					Expect(c.Scheduled.Sub(cycles[k-1].Scheduled)).To(Equal(period))
					Expect(c.Woke.Sub(cycles[k-1].Woke)).To(BeNumerically("~", period, 2*step))
				}
			}
		}
	})

	It("keeps rescheduling a disabled sensor without generating or sending", func() {
		configs := &fakeConfigs{}
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-off", Enabled: false}, 0, sched, configs, sender,
			worker.WithObserver(rec.Observe))
		run("s-off", w)

		advance(func() bool { return len(rec.Cycles()) >= 3 })

		Expect(configs.calls.Load()).To(BeZero())
		Expect(sender.Sent()).To(BeEmpty())
		for i, c := range rec.Cycles() {
			Expect(c.Enabled).To(BeFalse())
			if i > 0 {
				Expect(c.Scheduled.Sub(rec.Cycles()[i-1].Scheduled)).To(Equal(period))
			}
		}
	})

	It("draws from swapped bounds when the cached range is inverted", func() {
		configs := &fakeConfigs{cfg: map[string]any{"min": 10.0, "max": 5.0}}
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-inv", Enabled: true, Meta: map[string]any{"min": 100.0, "max": 200.0}},
			0, sched, configs, sender, worker.WithObserver(rec.Observe))
		run("s-inv", w)

		advance(func() bool { return len(rec.Cycles()) >= 5 })

		for _, c := range rec.Cycles() {
			Expect(c.Generated).To(BeTrue())
			Expect(c.Value).To(BeNumerically(">=", 5))
			Expect(c.Value).To(BeNumerically("<", 10))
		}
	})

	It("sends finite values for bounds at the edge of the float range", func() {
		configs := &fakeConfigs{cfg: map[string]any{"min": -1e308, "max": 1e308}}
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-wide", Enabled: true},
			0, sched, configs, sender, worker.WithObserver(rec.Observe))
		run("s-wide", w)

		advance(func() bool { return len(rec.Cycles()) >= 3 })

		for _, c := range rec.Cycles() {
			Expect(c.Generated).To(BeTrue())
			Expect(math.IsInf(c.Value, 0)).To(BeFalse())
			Expect(c.Value).To(BeNumerically(">=", -1e308))
			Expect(c.Value).To(BeNumerically("<", 1e308))
		}
		for _, r := range sender.Sent() {
			Expect(math.IsInf(r.value, 0)).To(BeFalse())
		}
	})

	It("sends 0 when generation fails and keeps ticking", func() {
		configs := &fakeConfigs{cfg: map[string]any{"min": "cold"}}
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-bad", Type: "temperature", Box: "box-2", Enabled: true},
			0, sched, configs, sender, worker.WithObserver(rec.Observe))
		run("s-bad", w)

		advance(func() bool { return len(rec.Cycles()) >= 2 })

		Expect(rec.Cycles()[0].Generated).To(BeFalse())
		sent := sender.Sent()
		Expect(sent).To(HaveLen(len(rec.Cycles())))
		Expect(sent[0].value).To(BeZero())
		Expect(sent[0].attributes).To(HaveKeyWithValue("unit", "temperature"))
		Expect(sent[0].attributes).To(HaveKeyWithValue("box", "box-2"))
	})

	It("survives a panicking config source", func() {
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-panic", Enabled: true}, 0, sched, &fakeConfigs{panic: true}, sender,
			worker.WithObserver(rec.Observe))
		run("s-panic", w)

		advance(func() bool { return len(rec.Cycles()) >= 2 })
		Expect(sender.Sent()[0].value).To(BeZero())
	})

	It("continues on schedule after failed deliveries", func() {
		sender := &fakeSender{reply: false}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-fail", Enabled: true}, time.Second, sched, &fakeConfigs{}, sender,
			worker.WithObserver(rec.Observe), worker.WithMaxRetries(5))
		run("s-fail", w)

		advance(func() bool { return len(rec.Cycles()) >= 3 })
		for _, c := range rec.Cycles() {
			Expect(c.Sent).To(BeFalse())
		}
		Expect(sender.Sent()[0].maxRetries).To(Equal(5))
	})

	It("uses the injected random source", func() {
		sender := &fakeSender{reply: true}
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-rand", Enabled: true, Meta: map[string]any{"min": 20.0, "max": 30.0}},
			0, sched, &fakeConfigs{}, sender, worker.WithObserver(rec.Observe), worker.WithRandom(func() float64 { return 0.25 }))
		run("s-rand", w)

		advance(func() bool { return len(rec.Cycles()) >= 1 })
		Expect(rec.Cycles()[0].Value).To(Equal(22.5))
	})

	It("reports its state and stops on cancellation", func() {
		w := worker.New(worker.Sensor{ID: "s-state", Enabled: true}, 0, sched, &fakeConfigs{}, &fakeSender{})
		run("s-state", w)

		Eventually(w.State).Should(Equal(worker.StateSleeping))
		cancel()
		Eventually(done["s-state"]).Should(Receive(BeNil()))
		delete(done, "s-state")
		Expect(w.State()).To(Equal(worker.StateStopped))
	})

	It("emits a single catch-up tick after oversleeping", func() {
		rec := &cycleRecorder{}
		w := worker.New(worker.Sensor{ID: "s-late", Enabled: false}, 0, sched, &fakeConfigs{}, &fakeSender{},
			worker.WithObserver(rec.Observe))
		run("s-late", w)
		Eventually(w.State).Should(Equal(worker.StateSleeping))

		// jump three periods at once; timers fire late
		mock.Add(3*period + 10*time.Second)
		Eventually(func() int { return len(rec.Cycles()) }).Should(Equal(1))
		Consistently(func() int { return len(rec.Cycles()) }, 50*time.Millisecond).Should(Equal(1))

		advance(func() bool { return len(rec.Cycles()) >= 2 })
		cycles := rec.Cycles()
		Expect(cycles[1].Scheduled.Sub(schedule.Epoch) % period).To(BeZero())
		Expect(cycles[1].Scheduled).To(BeTemporally(">", cycles[0].Woke))
	})
})
