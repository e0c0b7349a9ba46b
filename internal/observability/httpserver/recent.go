package httpserver

import (
	"context"
	"sync"

	"devpoll/internal/collector"
	"devpoll/internal/eventbus"
)

const DefaultRecentRuns = 200

// RecentRuns keeps the last job.finished events in a ring buffer.
type RecentRuns struct {
	mu   sync.Mutex
	buf  []collector.JobEvent
	next int
	full bool
}

func NewRecentRuns(size int) *RecentRuns {
	if size <= 0 {
		size = DefaultRecentRuns
	}
	return &RecentRuns{buf: make([]collector.JobEvent, size)}
}

func (r *RecentRuns) Add(ev collector.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered events newest first, optionally only those
// of one job.
func (r *RecentRuns) Snapshot(job string) []collector.JobEvent {
	out := []collector.JobEvent{}
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	for i := 0; i < n; i++ {
		ev := r.buf[(r.next-1-i+len(r.buf))%len(r.buf)]
		if job == "" || ev.Job == job {
			out = append(out, ev)
		}
	}
	return out
}

// Run consumes job.finished events from bus until ctx is done.
func (r *RecentRuns) Run(ctx context.Context, bus eventbus.Bus) error {
	src, unsub := bus.Subscribe(64)
	defer unsub()
	ch := eventbus.Filter(src, eventbus.TopicJobFinished)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch d := ev.Data.(type) {
			case collector.JobEvent:
				r.Add(d)
			case *collector.JobEvent:
				if d != nil {
					r.Add(*d)
				}
			}
		}
	}
}
