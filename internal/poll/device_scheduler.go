package poll

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"devpoll/internal/inventory"
	"devpoll/internal/observability/metrics"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	DefaultConstructBackoff  = 60 * time.Second
	DefaultFailureBackoffMin = 300 * time.Second
	DefaultFailureBackoffMax = 600 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Options tune a DeviceScheduler. Zero values fall back to the defaults.
type Options struct {
	Clock  Clock
	Logger logx.Logger

	ConstructBackoff  time.Duration
	FailureBackoffMin time.Duration
	FailureBackoffMax time.Duration

	// Jitter returns a delay in [min, max). Defaults to a uniform draw.
	Jitter func(min, max time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	if o.ConstructBackoff <= 0 {
		o.ConstructBackoff = DefaultConstructBackoff
	}
	if o.FailureBackoffMin <= 0 {
		o.FailureBackoffMin = DefaultFailureBackoffMin
	}
	if o.FailureBackoffMax <= 0 {
		o.FailureBackoffMax = DefaultFailureBackoffMax
	}
	if o.FailureBackoffMax < o.FailureBackoffMin {
		o.FailureBackoffMax = o.FailureBackoffMin
	}
	if o.Jitter == nil {
		o.Jitter = uniformJitter
	}
	return o
}

func uniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// DeviceScheduler owns the run/reschedule/cancel lifecycle of one job on one
// device. At most one handler runs at a time.
type DeviceScheduler struct {
	job     Job
	device  inventory.Device
	factory HandlerFactory
	adm     *Admission
	opts    Options
	log     logx.Logger

	mu        sync.Mutex
	cancelled bool
	queued    bool
	handler   Handler
	runCancel context.CancelFunc
	startedAt time.Time
	timer     Timer
	timerGen  uint64
	nextRun   time.Time
	done      chan struct{}
	// after is the predecessor's stopped channel; see StartAfter.
	after   <-chan struct{}
	stopped chan struct{}
}

func NewDeviceScheduler(job Job, device inventory.Device, factory HandlerFactory, adm *Admission, opts Options) *DeviceScheduler {
	opts = opts.withDefaults()
	if adm == nil {
		adm = NewAdmission(job.Name, job.Intensity, opts.Logger)
	}
	return &DeviceScheduler{
		job:     job,
		device:  device,
		factory: factory,
		adm:     adm,
		opts:    opts,
		log: opts.Logger.With(
			logx.String("job", job.Name),
			logx.String("sysname", device.Sysname),
			logx.Int64("netboxid", device.ID),
		),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *DeviceScheduler) Job() Job                 { return s.job }
func (s *DeviceScheduler) Device() inventory.Device { return s.device }

// Done is closed once the schedule has been cancelled.
func (s *DeviceScheduler) Done() <-chan struct{} { return s.done }

// Stopped is closed once the schedule has been cancelled and no handler of
// it, or of the schedule it replaced, is still running.
func (s *DeviceScheduler) Stopped() <-chan struct{} { return s.stopped }

// Start arms an immediate run. The returned channel closes when Cancel is
// called; it does not track individual runs.
func (s *DeviceScheduler) Start() <-chan struct{} {
	s.mu.Lock()
	s.rescheduleLocked(0)
	s.mu.Unlock()
	return s.done
}

// StartAfter is Start deferred until prev is closed. A replacement schedule
// uses it to wait out the handler of the schedule it replaces.
func (s *DeviceScheduler) StartAfter(prev <-chan struct{}) {
	if prev == nil || isClosed(prev) {
		s.Start()
		return
	}
	s.mu.Lock()
	s.after = prev
	s.mu.Unlock()
	s.log.Debug("waiting for previous run to finish")
	go func() {
		select {
		case <-prev:
			s.Start()
		case <-s.done:
		}
	}()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// stopLocked closes stopped once the predecessor, if any, has stopped too.
func (s *DeviceScheduler) stopLocked() {
	if s.after == nil || isClosed(s.after) {
		close(s.stopped)
		return
	}
	after := s.after
	go func() {
		<-after
		close(s.stopped)
	}()
}

func (s *DeviceScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *DeviceScheduler) stateLocked() State {
	switch {
	case s.cancelled:
		return StateCancelled
	case s.handler != nil:
		return StateRunning
	case s.queued:
		return StateQueued
	default:
		return StateIdle
	}
}

// status returns the state and current runtime under one lock.
func (s *DeviceScheduler) status() (State, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked()
	if st != StateRunning {
		return st, 0
	}
	return st, s.opts.Clock.Now().Sub(s.startedAt)
}

// NextRun is the time the pending timer fires; zero if none is armed.
func (s *DeviceScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Runtime is the elapsed time of the current run, or 0 when not running.
func (s *DeviceScheduler) Runtime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return 0
	}
	return s.opts.Clock.Now().Sub(s.startedAt)
}

// Reschedule replaces the pending timer with one firing after delay.
// Ignored once cancelled.
func (s *DeviceScheduler) Reschedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		s.log.Debug("reschedule ignored, job cancelled")
		return
	}
	s.rescheduleLocked(delay)
}

func (s *DeviceScheduler) rescheduleLocked(delay time.Duration) {
	if s.cancelled {
		return
	}
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.nextRun = s.opts.Clock.Now().Add(delay)
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.runJob(gen) })
}

// Cancel stops the schedule for good. A running handler is asked to stop;
// its admission slot is released when it returns.
func (s *DeviceScheduler) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.log.Debug("cancel ignored, job already cancelled")
		return
	}
	s.cancelled = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.nextRun = time.Time{}
	if s.queued {
		s.adm.remove(s)
		s.queued = false
	}
	h := s.handler
	if s.runCancel != nil {
		s.runCancel()
	}
	close(s.done)
	if h == nil {
		s.stopLocked()
	}
	s.mu.Unlock()

	if h != nil {
		s.log.Debug("cancelling running job")
		h.Cancel()
	}
	s.log.Debug("job cancelled")
}

func (s *DeviceScheduler) runJob(gen uint64) {
	s.mu.Lock()
	unused := s.runJobLocked(gen)
	s.mu.Unlock()
	if unused {
		s.adm.handOff()
	}
}

// runJobLocked reports whether it took an admission slot it could not use.
// The slot is taken before the handler is built, so no handler is ever
// constructed and then dropped.
func (s *DeviceScheduler) runJobLocked(gen uint64) bool {
	if s.cancelled || gen != s.timerGen {
		return false
	}
	s.timer = nil
	s.nextRun = time.Time{}

	if s.handler != nil {
		s.log.Debug("job still running, skipping scheduled run")
		return false
	}
	if s.queued {
		return false
	}
	if !s.adm.acquireOrEnqueue(s) {
		s.queued = true
		s.log.Debug("intensity reached, job queued", logx.Int("intensity", s.adm.Intensity()))
		return false
	}

	h, err := s.factory.New(s.job, s.device)
	if err != nil {
		s.constructFailedLocked(err)
		return true
	}
	s.startLocked(h)
	return false
}

// admit starts a run on a slot reserved by Admission.release. It reports
// whether the slot was used; if not, the caller must pass it on.
func (s *DeviceScheduler) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = false
	if s.cancelled || s.handler != nil {
		return false
	}
	h, err := s.factory.New(s.job, s.device)
	if err != nil {
		s.constructFailedLocked(err)
		return false
	}
	s.log.Debug("dequeued job")
	s.startLocked(h)
	return true
}

func (s *DeviceScheduler) constructFailedLocked(err error) {
	s.log.Error("unable to create job handler",
		logx.Err(err),
		logx.Duration("retry_in", s.opts.ConstructBackoff),
	)
	metrics.ObserveRun(s.job.Name, metrics.OutcomeConstruct, 0)
	s.rescheduleLocked(s.opts.ConstructBackoff)
}

func (s *DeviceScheduler) startLocked(h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	s.handler = h
	s.runCancel = cancel
	s.startedAt = s.opts.Clock.Now()
	s.queued = false
	s.log.Debug("job started")
	go s.execute(ctx, h)
}

func (s *DeviceScheduler) execute(ctx context.Context, h Handler) {
	didWork, err := runHandler(ctx, h)
	s.complete(didWork, err)
}

func runHandler(ctx context.Context, h Handler) (didWork bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			didWork = false
			err = errors.Newf("job handler panic: %v", r)
		}
	}()
	return h.Run(ctx)
}

func (s *DeviceScheduler) complete(didWork bool, err error) {
	s.mu.Lock()
	elapsed := s.opts.Clock.Now().Sub(s.startedAt)
	delay, outcome := s.outcome(didWork, err, elapsed)
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.handler = nil
	if s.cancelled {
		s.stopLocked()
	} else {
		s.rescheduleLocked(delay)
	}
	s.mu.Unlock()

	metrics.ObserveRun(s.job.Name, outcome, elapsed)
	s.adm.handOff()
}

// outcome maps a handler result to the delay before the next run.
func (s *DeviceScheduler) outcome(didWork bool, err error, elapsed time.Duration) (time.Duration, string) {
	if err == nil {
		delay := max(0, s.job.Interval-elapsed)
		if didWork {
			s.log.Info("job completed",
				logx.Duration("runtime", elapsed),
				logx.Duration("next_in", delay),
			)
			return delay, metrics.OutcomeSuccess
		}
		s.log.Debug("job did nothing", logx.Duration("next_in", delay))
		return delay, metrics.OutcomeNoop
	}

	if delay, ok := SuggestedDelay(err); ok {
		s.log.Info("job suggested reschedule",
			logx.Err(err),
			logx.Duration("next_in", delay),
		)
		return delay, metrics.OutcomeReschedule
	}

	delay := s.opts.Jitter(s.opts.FailureBackoffMin, s.opts.FailureBackoffMax)
	if errors.Is(err, ErrAborted) {
		s.log.Info("job aborted",
			logx.Err(err),
			logx.Duration("runtime", elapsed),
			logx.Duration("next_in", delay),
		)
		return delay, metrics.OutcomeAborted
	}
	s.log.Error("job failed with unexpected error",
		logx.Err(err),
		logx.Detail(err),
		logx.Duration("runtime", elapsed),
		logx.Duration("next_in", delay),
	)
	return delay, metrics.OutcomeFailure
}
