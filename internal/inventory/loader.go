package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Loader diffs successive snapshots of a Source.
//
// Every job type owns its own Loader so each sees the full set of changes
// relative to what it has scheduled.
type Loader struct {
	src Source

	mu      sync.RWMutex
	devices map[int64]Device
}

func NewLoader(src Source) *Loader {
	return &Loader{src: src, devices: map[int64]Device{}}
}

// Source returns the backing registry.
func (l *Loader) Source() Source { return l.src }

// LoadAll fetches the current device list and returns what changed since the
// previous call. On error the previous snapshot is kept.
func (l *Loader) LoadAll(ctx context.Context) (Changes, error) {
	list, err := l.src.Devices(ctx)
	if err != nil {
		return Changes{}, errors.Wrap(err, "load devices")
	}
	next := make(map[int64]Device, len(list))
	for _, d := range list {
		if _, dup := next[d.ID]; dup {
			return Changes{}, errors.Newf("duplicate device id %d (%s)", d.ID, d.Sysname)
		}
		next[d.ID] = d
	}

	l.mu.Lock()
	prev := l.devices
	l.devices = next
	l.mu.Unlock()

	var ch Changes
	for id, d := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			ch.Added = append(ch.Added, id)
		case old != d:
			ch.Changed = append(ch.Changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			ch.Removed = append(ch.Removed, id)
		}
	}
	sortIDs(ch.Added)
	sortIDs(ch.Removed)
	sortIDs(ch.Changed)
	return ch, nil
}

// Lookup returns the device as of the last successful load.
func (l *Loader) Lookup(id int64) (Device, bool) {
	l.mu.RLock()
	d, ok := l.devices[id]
	l.mu.RUnlock()
	return d, ok
}

// Devices returns the last snapshot ordered by id.
func (l *Loader) Devices() []Device {
	l.mu.RLock()
	out := make([]Device, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
