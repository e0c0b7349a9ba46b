package poll

import (
	"sync"
	"time"

	"devpoll/internal/observability/metrics"
	logx "devpoll/pkg/logx"

	"golang.org/x/time/rate"
)

// Admission enforces a job's intensity across all devices running it.
//
// It holds the running counter and the FIFO of schedules waiting for a slot.
// A slot freed by Release is reserved for the head of the FIFO before the
// lock is dropped, so a newly fired timer can never overtake a queued
// schedule.
type Admission struct {
	job       string
	intensity int
	log       logx.Logger

	mu        sync.Mutex
	running   int
	queue     []*DeviceScheduler
	queueWarn int
	warn      rate.Sometimes
}

// NewAdmission creates the admission state for one job. intensity <= 0
// disables the ceiling.
func NewAdmission(job string, intensity int, log logx.Logger) *Admission {
	if intensity < 0 {
		intensity = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Admission{
		job:       job,
		intensity: intensity,
		log:       log,
		warn:      rate.Sometimes{Interval: time.Minute},
	}
}

// SetQueueWarn logs a throttled warning whenever the backlog reaches n.
// 0 disables the warning.
func (a *Admission) SetQueueWarn(n int) {
	a.mu.Lock()
	a.queueWarn = n
	a.mu.Unlock()
}

func (a *Admission) Job() string    { return a.job }
func (a *Admission) Intensity() int { return a.intensity }

func (a *Admission) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Admission) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Admission) fullLocked() bool {
	return a.intensity > 0 && a.running >= a.intensity
}

// acquireOrEnqueue takes a slot for s, or queues it if none is free.
func (a *Admission) acquireOrEnqueue(s *DeviceScheduler) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fullLocked() {
		a.enqueueLocked(s)
		return false
	}
	a.running++
	a.publishLocked()
	return true
}

func (a *Admission) enqueueLocked(s *DeviceScheduler) {
	a.queue = append(a.queue, s)
	a.publishLocked()
	if a.queueWarn > 0 && len(a.queue) >= a.queueWarn {
		n := len(a.queue)
		a.warn.Do(func() {
			a.log.Warn("admission backlog growing",
				logx.Int("queued", n),
				logx.Int("intensity", a.intensity),
			)
		})
	}
}

func (a *Admission) remove(s *DeviceScheduler) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.queue {
		if q == s {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.publishLocked()
			return true
		}
	}
	return false
}

// release frees one slot. If a schedule is waiting and the ceiling allows it,
// the slot is reserved for the head of the FIFO, which is returned.
func (a *Admission) release() *DeviceScheduler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running > 0 {
		a.running--
	} else {
		a.log.Warn("admission release without a running job")
	}
	var next *DeviceScheduler
	if len(a.queue) > 0 && !a.fullLocked() {
		next = a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.running++
	}
	a.publishLocked()
	return next
}

// handOff releases the caller's slot and starts queued schedules until one
// keeps the slot or the FIFO drains. Must be called with no locks held.
func (a *Admission) handOff() {
	for next := a.release(); next != nil; next = a.release() {
		if next.admit() {
			return
		}
	}
}

func (a *Admission) publishLocked() {
	metrics.JobsRunning.WithLabelValues(a.job).Set(float64(a.running))
	metrics.JobsQueued.WithLabelValues(a.job).Set(float64(len(a.queue)))
}
