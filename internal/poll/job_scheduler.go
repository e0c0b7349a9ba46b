package poll

import (
	"context"
	"slices"
	"sync"
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	"devpoll/internal/observability/metrics"
	logx "devpoll/pkg/logx"
)

const (
	DefaultReloadInterval = 120 * time.Second
	cleanupTimeout        = 2 * time.Minute
)

// DeviceLoader is the inventory view a JobScheduler reconciles against.
// inventory.Loader implements it.
type DeviceLoader interface {
	LoadAll(ctx context.Context) (inventory.Changes, error)
	Lookup(id int64) (inventory.Device, bool)
}

// ReplacedCleaner performs the inventory-side cleanup after a device was
// replaced by one of another type.
type ReplacedCleaner interface {
	CleanupReplaced(ctx context.Context, id int64, newType string) error
}

type JobSchedulerOptions struct {
	Device         Options
	ReloadInterval time.Duration
	// QueueWarn logs a throttled warning when this many schedules wait for
	// a slot. 0 disables it.
	QueueWarn int
	// Bus delivers device type changes. Optional.
	Bus eventbus.Bus
}

// JobScheduler keeps one DeviceScheduler per pollable device for a job.
type JobScheduler struct {
	job     Job
	loader  DeviceLoader
	cleaner ReplacedCleaner
	factory HandlerFactory
	adm     *Admission
	opts    JobSchedulerOptions
	log     logx.Logger

	// mu serializes reconciliation and type-change handling.
	mu      sync.Mutex
	orphans map[int64]struct{}
	// draining holds the Stopped channel of the last cancelled schedule per
	// device until it closes.
	draining map[int64]<-chan struct{}

	smu       sync.RWMutex
	schedules map[int64]*DeviceScheduler

	reloadCh chan struct{}
}

func NewJobScheduler(job Job, loader DeviceLoader, cleaner ReplacedCleaner, factory HandlerFactory, opts JobSchedulerOptions) *JobScheduler {
	opts.Device = opts.Device.withDefaults()
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = DefaultReloadInterval
	}
	log := opts.Device.Logger.With(logx.String("comp", "jobscheduler"), logx.String("job", job.Name))
	opts.Device.Logger = opts.Device.Logger.With(logx.String("comp", "devicescheduler"))

	adm := NewAdmission(job.Name, job.Intensity, log)
	adm.SetQueueWarn(opts.QueueWarn)

	return &JobScheduler{
		job:       job,
		loader:    loader,
		cleaner:   cleaner,
		factory:   factory,
		adm:       adm,
		opts:      opts,
		log:       log,
		orphans:   map[int64]struct{}{},
		draining:  map[int64]<-chan struct{}{},
		schedules: map[int64]*DeviceScheduler{},
		reloadCh:  make(chan struct{}, 1),
	}
}

func (js *JobScheduler) Job() Job              { return js.job }
func (js *JobScheduler) Admission() *Admission { return js.adm }

// Schedules returns the current device schedules ordered by device id.
func (js *JobScheduler) Schedules() []*DeviceScheduler {
	js.smu.RLock()
	out := make([]*DeviceScheduler, 0, len(js.schedules))
	for _, s := range js.schedules {
		out = append(out, s)
	}
	js.smu.RUnlock()
	slices.SortFunc(out, func(a, b *DeviceScheduler) int {
		switch {
		case a.device.ID < b.device.ID:
			return -1
		case a.device.ID > b.device.ID:
			return 1
		}
		return 0
	})
	return out
}

// Schedule returns the schedule for one device, if any.
func (js *JobScheduler) Schedule(id int64) (*DeviceScheduler, bool) {
	js.smu.RLock()
	defer js.smu.RUnlock()
	s, ok := js.schedules[id]
	return s, ok
}

// Reload requests an immediate reconciliation. It never blocks.
func (js *JobScheduler) Reload() {
	select {
	case js.reloadCh <- struct{}{}:
	default:
	}
}

// Run reconciles immediately, then every ReloadInterval or whenever Reload is
// called, until ctx is done. All device schedules are cancelled on return.
func (js *JobScheduler) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if js.opts.Bus != nil {
		sub, unsubscribe := js.opts.Bus.Subscribe(64)
		defer unsubscribe()
		events = eventbus.Filter(sub, eventbus.TopicDeviceTypeChanged)
	}
	defer js.cancelAll()

	js.log.Info("job scheduler started",
		logx.Duration("interval", js.job.Interval),
		logx.Int("intensity", js.job.Intensity),
		logx.Duration("reload_interval", js.opts.ReloadInterval),
	)
	js.reconcile(ctx)

	clock := js.opts.Device.Clock
	for {
		fired := make(chan struct{})
		t := clock.AfterFunc(js.opts.ReloadInterval, func() { close(fired) })

		select {
		case <-ctx.Done():
			t.Stop()
			js.log.Info("job scheduler stopped")
			return nil
		case <-fired:
		case <-js.reloadCh:
			t.Stop()
		case ev, ok := <-events:
			t.Stop()
			if !ok {
				events = nil
				continue
			}
			if tc, ok := typeChange(ev.Data); ok {
				js.OnDeviceTypeChanged(ctx, tc.DeviceID, tc.NewType)
			}
			continue
		}
		js.reconcile(ctx)
	}
}

func typeChange(data any) (inventory.TypeChange, bool) {
	switch v := data.(type) {
	case inventory.TypeChange:
		return v, true
	case *inventory.TypeChange:
		if v != nil {
			return *v, true
		}
	}
	return inventory.TypeChange{}, false
}

// OnDeviceTypeChanged cancels the device's schedule at once, runs the
// replaced-device cleanup in the background and then reconciles.
func (js *JobScheduler) OnDeviceTypeChanged(ctx context.Context, id int64, newType string) {
	js.mu.Lock()
	if s := js.take(id); s != nil {
		js.log.Info("device type changed, cancelling schedule",
			logx.Int64("netboxid", id),
			logx.String("sysname", s.device.Sysname),
			logx.String("new_type", newType),
		)
		js.retire(id, s)
		js.orphans[id] = struct{}{}
	}
	js.mu.Unlock()

	go func() {
		if js.cleaner != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			err := js.cleaner.CleanupReplaced(cctx, id, newType)
			cancel()
			if err != nil {
				js.log.Error("replaced device cleanup failed", logx.Int64("netboxid", id), logx.Err(err))
			}
		}
		js.Reload()
	}()
}

func (js *JobScheduler) reconcile(ctx context.Context) {
	js.mu.Lock()
	defer js.mu.Unlock()

	changes, err := js.loader.LoadAll(ctx)
	if err != nil {
		js.log.Error("device inventory reload failed, keeping current schedules", logx.Err(err))
		metrics.InventoryReloads.WithLabelValues(js.job.Name, "error").Inc()
		return
	}
	metrics.InventoryReloads.WithLabelValues(js.job.Name, "ok").Inc()
	js.pruneDraining()

	for _, id := range slices.Concat(changes.Removed, changes.Changed) {
		if s := js.take(id); s != nil {
			js.retire(id, s)
		}
		delete(js.orphans, id)
	}

	started := 0
	start := func(id int64) {
		d, ok := js.loader.Lookup(id)
		if !ok {
			return
		}
		if old := js.take(id); old != nil {
			js.retire(id, old)
		}
		s := NewDeviceScheduler(js.job, d, js.factory, js.adm, js.opts.Device)
		js.put(id, s)
		// A cancelled handler may still be inside Run.
		s.StartAfter(js.draining[id])
		delete(js.draining, id)
		started++
	}
	for _, id := range slices.Concat(changes.Added, changes.Changed) {
		start(id)
		delete(js.orphans, id)
	}
	// Devices whose schedule was cancelled for a type change that never
	// showed up in the inventory.
	for id := range js.orphans {
		delete(js.orphans, id)
		if _, ok := js.Schedule(id); !ok {
			start(id)
		}
	}

	n := js.count()
	metrics.ScheduledDevices.WithLabelValues(js.job.Name).Set(float64(n))
	if changes.Empty() && started == 0 {
		js.log.Debug("device inventory unchanged", logx.Int("devices", n))
		return
	}
	js.log.Info("device inventory reloaded",
		logx.Int("added", len(changes.Added)),
		logx.Int("removed", len(changes.Removed)),
		logx.Int("changed", len(changes.Changed)),
		logx.Int("devices", n),
	)
}

func (js *JobScheduler) cancelAll() {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.smu.Lock()
	all := js.schedules
	js.schedules = map[int64]*DeviceScheduler{}
	js.smu.Unlock()
	for id, s := range all {
		js.retire(id, s)
	}
	metrics.ScheduledDevices.WithLabelValues(js.job.Name).Set(0)
}

// Drain waits until the handlers of all cancelled schedules have returned,
// or ctx is done.
func (js *JobScheduler) Drain(ctx context.Context) error {
	js.mu.Lock()
	pending := make([]<-chan struct{}, 0, len(js.draining))
	for _, ch := range js.draining {
		pending = append(pending, ch)
	}
	js.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// retire cancels s and remembers it until its handler has returned.
// Called with mu held.
func (js *JobScheduler) retire(id int64, s *DeviceScheduler) {
	s.Cancel()
	// s waits on any earlier schedule for id, so only the latest is kept.
	js.draining[id] = s.Stopped()
}

func (js *JobScheduler) pruneDraining() {
	for id, ch := range js.draining {
		if isClosed(ch) {
			delete(js.draining, id)
		}
	}
}

func (js *JobScheduler) take(id int64) *DeviceScheduler {
	js.smu.Lock()
	defer js.smu.Unlock()
	s := js.schedules[id]
	delete(js.schedules, id)
	return s
}

func (js *JobScheduler) put(id int64, s *DeviceScheduler) {
	js.smu.Lock()
	js.schedules[id] = s
	js.smu.Unlock()
}

func (js *JobScheduler) count() int {
	js.smu.RLock()
	defer js.smu.RUnlock()
	return len(js.schedules)
}
