package app

import (
	"context"

	"devpoll/internal/collector"
	"devpoll/internal/collector/dns"
	"devpoll/internal/collector/tcpport"
	"devpoll/internal/config"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

// openSources opens the job log store (if configured) and picks the device
// source for the configured driver.
func openSources(s *config.Settings, log logx.Logger) (storage.Store, inventory.Source, *inventory.FileSource, error) {
	var store storage.Store
	if s.Storage.Path != "" {
		st, err := storage.Open(s.Storage, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, nil, nil, err
		}
		store = st
	}
	if s.Driver == config.DriverFile {
		fs := inventory.NewFileSource(s.FilePath, log.With(logx.String("comp", "inventory")))
		return store, fs, fs, nil
	}
	if store == nil {
		return nil, nil, nil, errors.New("sqlite inventory requires a database path")
	}
	return store, store, nil, nil
}

func (a *App) openInventory(log logx.Logger) error {
	store, src, file, err := openSources(a.settings, log)
	if err != nil {
		return err
	}
	a.store, a.source, a.file = store, src, file
	if store == nil {
		a.log.Info("job log disabled (file inventory without database)")
	}
	return nil
}

// newPluginRegistry registers every built-in collector plugin.
func newPluginRegistry(s *config.Settings) (*collector.Registry, error) {
	return collector.NewRegistry(
		tcpport.New(s.TCPPort),
		dns.New(s.DNS),
	)
}

func (a *App) buildCollectors(log logx.Logger) error {
	plugins, err := newPluginRegistry(a.settings)
	if err != nil {
		return err
	}
	var joblog collector.JobLogWriter
	if a.store != nil {
		joblog = a.store
	}
	a.factory = collector.NewFactory(plugins, joblog, a.bus, log)
	for _, job := range a.settings.Jobs {
		if err := a.factory.Validate(job); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildSchedulers(log logx.Logger) {
	s := a.settings
	for _, job := range s.Jobs {
		dev := s.Device
		dev.Logger = log
		js := poll.NewJobScheduler(job, inventory.NewLoader(a.source), a.source, a.factory, poll.JobSchedulerOptions{
			Device:         dev,
			ReloadInterval: s.ReloadInterval,
			QueueWarn:      s.QueueWarn,
			Bus:            a.bus,
		})
		a.registry.Add(js)
	}
}

// validateConfig guards hot reloads: the new file must resolve and only name
// known plugins.
func (a *App) validateConfig(ctx context.Context, cfg *config.Config) error {
	s, err := cfg.Resolve()
	if err != nil {
		return err
	}
	for _, job := range s.Jobs {
		if err := a.factory.Validate(job); err != nil {
			return err
		}
	}
	return nil
}
