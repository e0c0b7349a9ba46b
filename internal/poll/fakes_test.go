package poll

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"devpoll/internal/inventory"
)

// fakeClock fires timers only from Advance, synchronously and outside its lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires due timers in (deadline, creation) order,
// including timers armed by the callbacks themselves.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			live = append(live, t)
			if !t.at.After(target) {
				due = append(due, t)
			}
		}
		c.timers = live
		if len(due) == 0 {
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].at.Equal(due[j].at) {
				return due[i].at.Before(due[j].at)
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts armed timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type result struct {
	didWork bool
	err     error
	panic   any
}

// testHandler blocks in Run until finish is called or its context is
// cancelled. A stubborn handler ignores cancellation.
type testHandler struct {
	device    inventory.Device
	f         *testFactory
	stubborn  bool
	started   chan struct{}
	results   chan result
	cancelled atomic.Bool
}

func newTestHandler(f *testFactory, d inventory.Device) *testHandler {
	return &testHandler{device: d, f: f, started: make(chan struct{}), results: make(chan result, 1)}
}

func (h *testHandler) Run(ctx context.Context) (bool, error) {
	h.f.enter(h.device.ID)
	defer h.f.leave(h.device.ID)
	close(h.started)
	if h.stubborn {
		ctx = context.Background()
	}
	select {
	case r := <-h.results:
		if r.panic != nil {
			panic(r.panic)
		}
		return r.didWork, r.err
	case <-ctx.Done():
		return false, ErrAborted
	}
}

func (h *testHandler) Cancel() { h.cancelled.Store(true) }

func (h *testHandler) finish(r result) { h.results <- r }

type testFactory struct {
	mu       sync.Mutex
	fail     map[int64]error
	handlers map[int64][]*testHandler
	stubborn bool
	onNew    func(inventory.Device)
	active   map[int64]int
	peak     map[int64]int
}

func newTestFactory() *testFactory {
	return &testFactory{
		fail:     map[int64]error{},
		handlers: map[int64][]*testHandler{},
		active:   map[int64]int{},
		peak:     map[int64]int{},
	}
}

func (f *testFactory) enter(id int64) {
	f.mu.Lock()
	f.active[id]++
	f.peak[id] = max(f.peak[id], f.active[id])
	f.mu.Unlock()
}

func (f *testFactory) leave(id int64) {
	f.mu.Lock()
	f.active[id]--
	f.mu.Unlock()
}

// maxConcurrent is the most handlers ever seen running at once for a device.
func (f *testFactory) maxConcurrent(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[id]
}

func (f *testFactory) New(job Job, d inventory.Device) (Handler, error) {
	if f.onNew != nil {
		f.onNew(d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[d.ID]; err != nil {
		return nil, err
	}
	h := newTestHandler(f, d)
	h.stubborn = f.stubborn
	f.handlers[d.ID] = append(f.handlers[d.ID], h)
	return h, nil
}

func (f *testFactory) setFail(id int64, err error) {
	f.mu.Lock()
	f.fail[id] = err
	f.mu.Unlock()
}

func (f *testFactory) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[id])
}

func (f *testFactory) last(id int64) *testHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handlers[id]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// memSource is a mutable inventory.Source.
type memSource struct {
	mu       sync.Mutex
	devices  map[int64]inventory.Device
	err      error
	cleanups []int64
}

func newMemSource(devices ...inventory.Device) *memSource {
	s := &memSource{devices: map[int64]inventory.Device{}}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *memSource) Devices(ctx context.Context) ([]inventory.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]inventory.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *memSource) CleanupReplaced(ctx context.Context, id int64, newType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, id)
	if d, ok := s.devices[id]; ok {
		d.Type = newType
		s.devices[id] = d
	}
	return nil
}

func (s *memSource) set(d inventory.Device) {
	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
}

func (s *memSource) remove(id int64) {
	s.mu.Lock()
	delete(s.devices, id)
	s.mu.Unlock()
}

func (s *memSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memSource) cleaned() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.cleanups...)
}
