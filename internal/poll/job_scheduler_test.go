package poll

import (
	"context"
	"testing"
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleIDs(js *JobScheduler) []int64 {
	var ids []int64
	for _, s := range js.Schedules() {
		ids = append(ids, s.Device().ID)
	}
	return ids
}

func newTestJobScheduler(clk *fakeClock, f *testFactory, job Job, src *memSource, cleaner ReplacedCleaner, bus eventbus.Bus) *JobScheduler {
	if cleaner == nil {
		cleaner = src
	}
	return NewJobScheduler(job, inventory.NewLoader(src), cleaner, f, JobSchedulerOptions{
		Device: Options{Clock: clk},
		Bus:    bus,
	})
}

func TestReconcileAddsRemovesAndReplacesChanged(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource(dev(1), dev(2))
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, nil)
	ctx := context.Background()

	js.reconcile(ctx)
	require.Equal(t, []int64{1, 2}, scheduleIDs(js))
	old1, _ := js.Schedule(1)
	old2, _ := js.Schedule(2)

	changed := dev(2)
	changed.Type = "t2"
	src.set(changed)
	src.remove(1)
	src.set(dev(3))
	js.reconcile(ctx)

	assert.Equal(t, []int64{2, 3}, scheduleIDs(js))
	assert.True(t, isClosed(old1.Done()))
	assert.True(t, isClosed(old2.Done()))
	new2, _ := js.Schedule(2)
	assert.NotSame(t, old2, new2)
	assert.Equal(t, "t2", new2.Device().Type)
	assert.Equal(t, StateIdle, new2.State())
}

func TestReconcileKeepsSchedulesWhenInventoryFails(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, nil)

	js.reconcile(context.Background())
	s, _ := js.Schedule(1)

	src.setErr(errors.New("database is locked"))
	js.reconcile(context.Background())
	assert.Equal(t, []int64{1}, scheduleIDs(js))
	assert.False(t, isClosed(s.Done()))
}

func TestRemovingRunningDeviceReleasesSlotOnce(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, nil)
	ctx := context.Background()

	js.reconcile(ctx)
	clk.Advance(0)
	h := f.last(1)
	waitStarted(t, h)
	require.Equal(t, 1, js.Admission().Running())

	src.remove(1)
	js.reconcile(ctx)
	assert.Empty(t, js.Schedules())
	assert.True(t, h.cancelled.Load())

	eventually(t, func() bool { return js.Admission().Running() == 0 }, "slot not released")
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.count(1))
	assert.Equal(t, 0, js.Admission().Running())
}

func TestTypeChangeEventCleansUpAndReschedules(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource(dev(1), dev(2))
	bus := eventbus.New()
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- js.Run(ctx) }()
	eventually(t, func() bool { return len(js.Schedules()) == 2 }, "initial reconcile")
	old, _ := js.Schedule(1)

	bus.Publish(eventbus.Event{
		Type: eventbus.TopicDeviceTypeChanged,
		Data: inventory.TypeChange{DeviceID: 1, NewType: "t9"},
	})
	eventually(t, func() bool {
		s, ok := js.Schedule(1)
		return ok && s != old && s.Device().Type == "t9"
	}, "device not rescheduled with its new type")
	assert.True(t, isClosed(old.Done()))
	assert.Equal(t, []int64{1}, src.cleaned())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, js.Schedules())
}

type failingCleaner struct{}

func (failingCleaner) CleanupReplaced(ctx context.Context, id int64, newType string) error {
	return errors.New("database is locked")
}

func TestTypeChangeWithFailedCleanupStillReschedules(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, inventoryJob, src, failingCleaner{}, nil)
	ctx := context.Background()

	js.reconcile(ctx)
	js.OnDeviceTypeChanged(ctx, 1, "t9")
	_, ok := js.Schedule(1)
	require.False(t, ok)

	eventually(t, func() bool { return len(js.reloadCh) == 1 }, "reload not requested")
	js.reconcile(ctx)
	s, ok := js.Schedule(1)
	require.True(t, ok)
	assert.Equal(t, "t1", s.Device().Type)
}

func TestRunReconcilesPeriodicallyAndOnRequest(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	src := newMemSource()
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = js.Run(ctx) }()

	// Only the reload timer is armed while the inventory is empty.
	eventually(t, func() bool { return clk.Pending() == 1 }, "reload timer not armed")
	src.set(dev(1))
	clk.Advance(DefaultReloadInterval)
	eventually(t, func() bool { return len(js.Schedules()) == 1 }, "periodic reconcile")

	src.set(dev(2))
	js.Reload()
	eventually(t, func() bool { return len(js.Schedules()) == 2 }, "requested reconcile")
}

func TestReplacementWaitsForCancelledHandler(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	f.stubborn = true
	job := Job{Name: "inventory", Interval: time.Hour, Plugins: []string{"tcpport"}}
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, job, src, nil, nil)
	ctx := context.Background()

	js.reconcile(ctx)
	clk.Advance(0)
	first := f.last(1)
	waitStarted(t, first)
	old, _ := js.Schedule(1)

	for _, typ := range []string{"t2", "t3"} {
		changed := dev(1)
		changed.Type = typ
		src.set(changed)
		js.reconcile(ctx)
		clk.Advance(0)
	}
	assert.True(t, first.cancelled.Load())
	assert.False(t, isClosed(old.Stopped()))

	repl, ok := js.Schedule(1)
	require.True(t, ok)
	assert.Equal(t, "t3", repl.Device().Type)
	assert.Equal(t, 1, f.count(1))
	assert.True(t, repl.NextRun().IsZero())

	first.finish(result{didWork: true})
	eventually(t, func() bool { return !repl.NextRun().IsZero() }, "replacement not armed")
	assert.True(t, isClosed(old.Stopped()))

	clk.Advance(0)
	second := f.last(1)
	require.NotSame(t, first, second)
	waitStarted(t, second)
	assert.Equal(t, 2, f.count(1))
	assert.Equal(t, 1, f.maxConcurrent(1))

	second.finish(result{})
	eventually(t, func() bool { return repl.State() == StateIdle }, "second run did not finish")
}

func TestOrphanRestartWaitsForCancelledHandler(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	f.stubborn = true
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, inventoryJob, src, failingCleaner{}, nil)
	ctx := context.Background()

	js.reconcile(ctx)
	clk.Advance(0)
	first := f.last(1)
	waitStarted(t, first)

	js.OnDeviceTypeChanged(ctx, 1, "t9")
	js.reconcile(ctx)
	s, ok := js.Schedule(1)
	require.True(t, ok)
	clk.Advance(0)
	assert.Equal(t, 1, f.count(1))

	first.finish(result{})
	eventually(t, func() bool { return !s.NextRun().IsZero() }, "restarted schedule not armed")
	clk.Advance(0)
	waitStarted(t, f.last(1))
	assert.Equal(t, 1, f.maxConcurrent(1))
	f.last(1).finish(result{})
}

func TestDrainWaitsForCancelledHandlers(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	f.stubborn = true
	src := newMemSource(dev(1))
	js := newTestJobScheduler(clk, f, inventoryJob, src, nil, nil)
	reg := NewRegistry()
	reg.Add(js)

	js.reconcile(context.Background())
	clk.Advance(0)
	h := f.last(1)
	waitStarted(t, h)
	js.cancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.Drain(ctx), context.DeadlineExceeded)

	h.finish(result{})
	require.NoError(t, reg.Drain(context.Background()))
	eventually(t, func() bool { return js.Admission().Running() == 0 }, "slot not released")
}

func TestIdleScheduleStopsOnCancel(t *testing.T) {
	clk, f := newFakeClock(), newTestFactory()
	s := NewDeviceScheduler(inventoryJob, dev(1), f, nil, Options{Clock: clk})
	s.Start()
	assert.False(t, isClosed(s.Stopped()))
	s.Cancel()
	assert.True(t, isClosed(s.Stopped()))
	require.NoError(t, NewRegistry().Drain(context.Background()))
}
