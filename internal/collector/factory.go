package collector

import (
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Factory builds JobHandlers from a plugin Registry.
type Factory struct {
	plugins *Registry
	joblog  JobLogWriter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

var _ poll.HandlerFactory = (*Factory)(nil)

// NewFactory wires the plugin registry to the job log and event bus; both
// are optional.
func NewFactory(plugins *Registry, joblog JobLogWriter, bus eventbus.Bus, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{
		plugins: plugins,
		joblog:  joblog,
		bus:     bus,
		log:     log.With(logx.String("comp", "collector")),
		now:     time.Now,
	}
}

// Validate checks that every plugin the job names is registered.
func (f *Factory) Validate(job poll.Job) error {
	_, err := f.resolve(job)
	return err
}

func (f *Factory) New(job poll.Job, device inventory.Device) (poll.Handler, error) {
	plugins, err := f.resolve(job)
	if err != nil {
		return nil, err
	}
	return &JobHandler{
		job:     job,
		device:  device,
		plugins: plugins,
		joblog:  f.joblog,
		bus:     f.bus,
		log: f.log.With(
			logx.String("job", job.Name),
			logx.String("sysname", device.Sysname),
		),
		now: f.now,
	}, nil
}

func (f *Factory) resolve(job poll.Job) ([]Plugin, error) {
	if f.plugins == nil {
		return nil, errors.New("no plugin registry")
	}
	out := make([]Plugin, 0, len(job.Plugins))
	for _, name := range job.Plugins {
		p, ok := f.plugins.Get(name)
		if !ok {
			return nil, errors.Newf("job %s: unknown plugin %q", job.Name, name)
		}
		out = append(out, p)
	}
	return out, nil
}
