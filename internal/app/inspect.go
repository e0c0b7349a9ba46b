package app

import (
	"context"
	"sort"
	"time"

	"devpoll/internal/config"
	"devpoll/internal/inventory"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Inspector gives the CLI read access to configuration, inventory and the
// job log without starting any scheduler.
type Inspector struct {
	Settings *config.Settings
	Source   inventory.Source
	// Store is nil when no job log database is configured.
	Store storage.Store
}

func OpenInspector(configPath string, log logx.Logger) (*Inspector, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg, err := config.NewManager(configPath).Load()
	if err != nil {
		return nil, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	store, src, _, err := openSources(s, log)
	if err != nil {
		return nil, err
	}
	return &Inspector{Settings: s, Source: src, Store: store}, nil
}

func (i *Inspector) Close() error {
	if i.Store == nil {
		return nil
	}
	return i.Store.Close()
}

// JobStatus is the newest job log entry of one (device, job) pair.
type JobStatus struct {
	storage.JobLogEntry
	Sysname string
	Overdue bool
}

// Status lists the last run of every (device, job) pair, ordered by sysname
// then job.
func (i *Inspector) Status(ctx context.Context, now time.Time) ([]JobStatus, error) {
	if i.Store == nil {
		return nil, errors.New("no job log database configured")
	}
	entries, err := i.Store.LastJobLogs(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := i.Source.Devices(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.Sysname
	}

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, JobStatus{JobLogEntry: e, Sysname: names[e.DeviceID], Overdue: e.Overdue(now)})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Sysname != out[b].Sysname {
			return out[a].Sysname < out[b].Sysname
		}
		return out[a].JobName < out[b].JobName
	})
	return out, nil
}

// Import copies the devices of a YAML inventory file into the database.
func (i *Inspector) Import(ctx context.Context, path string) (int, error) {
	if i.Store == nil {
		return 0, errors.New("no database configured")
	}
	devices, err := inventory.NewFileSource(path, logx.Nop()).Devices(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range devices {
		if err := i.Store.UpsertDevice(ctx, d); err != nil {
			return 0, errors.Wrapf(err, "import %s", d.Sysname)
		}
	}
	return len(devices), nil
}
