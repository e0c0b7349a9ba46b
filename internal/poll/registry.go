package poll

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// ActiveJob is one running handler as seen by diagnostics.
type ActiveJob struct {
	DeviceID int64
	Sysname  string
	Job      string
	Runtime  time.Duration
}

// Registry tracks every JobScheduler in the process.
type Registry struct {
	mu         sync.RWMutex
	schedulers []*JobScheduler
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Add(js *JobScheduler) {
	r.mu.Lock()
	r.schedulers = append(r.schedulers, js)
	r.mu.Unlock()
}

func (r *Registry) Remove(js *JobScheduler) {
	r.mu.Lock()
	r.schedulers = slices.DeleteFunc(r.schedulers, func(x *JobScheduler) bool { return x == js })
	r.mu.Unlock()
}

func (r *Registry) JobSchedulers() []*JobScheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.schedulers)
}

// ActiveJobs lists running handlers, longest running first.
func (r *Registry) ActiveJobs() []ActiveJob {
	var out []ActiveJob
	for _, js := range r.JobSchedulers() {
		for _, s := range js.Schedules() {
			st, rt := s.status()
			if st != StateRunning {
				continue
			}
			out = append(out, ActiveJob{
				DeviceID: s.device.ID,
				Sysname:  s.device.Sysname,
				Job:      s.job.Name,
				Runtime:  rt,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b ActiveJob) int {
		if a.Runtime != b.Runtime {
			if a.Runtime > b.Runtime {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.Sysname, b.Sysname); c != 0 {
			return c
		}
		return strings.Compare(a.Job, b.Job)
	})
	return out
}

// IdleCount is the number of live device schedules not currently running.
func (r *Registry) IdleCount() int {
	n := 0
	for _, js := range r.JobSchedulers() {
		for _, s := range js.Schedules() {
			switch s.State() {
			case StateIdle, StateQueued:
				n++
			}
		}
	}
	return n
}

// ReloadAll asks every JobScheduler to reconcile now.
func (r *Registry) ReloadAll() {
	for _, js := range r.JobSchedulers() {
		js.Reload()
	}
}

// Drain waits for the cancelled handlers of every JobScheduler to return.
func (r *Registry) Drain(ctx context.Context) error {
	for _, js := range r.JobSchedulers() {
		if err := js.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
