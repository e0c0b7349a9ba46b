// Package app wires configuration, inventory, collectors and job schedulers
// into the devpolld process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devpoll/internal/collector"
	"devpoll/internal/config"
	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	"devpoll/internal/observability/httpserver"
	"devpoll/internal/poll"
	"devpoll/internal/runtime/supervisor"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"
	"devpoll/pkg/systemd"

	"github.com/cockroachdb/errors"
)

// Options select what one process runs.
type Options struct {
	ConfigPath string
	// Jobs limits the process to the named jobs. Empty runs all of them.
	Jobs []string
}

type App struct {
	cfgm     *config.Manager
	settings *config.Settings

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	// store is nil with the file driver and no job log database.
	store  storage.Store
	source inventory.Source
	file   *inventory.FileSource

	factory  *collector.Factory
	registry *poll.Registry
	reporter *poll.Reporter
	runs     *httpserver.RecentRuns
	http     *httpserver.Server

	sup *supervisor.Supervisor
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	jobs, err := selectJobs(settings.Jobs, opts.Jobs)
	if err != nil {
		return nil, err
	}
	settings.Jobs = jobs

	logSvc, log := logx.New(cfg.Logging.LogxConfig())
	a := &App{
		cfgm:     cfgm,
		settings: settings,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		registry: poll.NewRegistry(),
		runs:     httpserver.NewRecentRuns(0),
	}

	if err := a.openInventory(log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if err := a.buildCollectors(log); err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	a.buildSchedulers(log)

	a.reporter, err = poll.NewReporter(a.registry, settings.ReportSchedule, nil,
		poll.LogSink{Log: log.With(logx.String("comp", "joblist"))},
		poll.MetricsSink{Registry: a.registry},
	)
	if err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// selectJobs keeps the named jobs, in configuration order.
func selectJobs(all []poll.Job, names []string) ([]poll.Job, error) {
	if len(names) == 0 {
		return all, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			want[n] = true
		}
	}
	var out []poll.Job
	for _, j := range all {
		if want[j.Name] {
			out = append(out, j)
			delete(want, j.Name)
		}
	}
	for n := range want {
		return nil, errors.Newf("job %q is not configured", n)
	}
	return out, nil
}

// Registry exposes the running job schedulers.
func (a *App) Registry() *poll.Registry { return a.registry }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	for _, js := range a.registry.JobSchedulers() {
		a.sup.Go("scheduler."+js.Job().Name, js.Run)
	}
	a.sup.Go("joblist.report", a.reporter.Run)
	a.sup.Go("runs.recent", func(c context.Context) error { return a.runs.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	if a.file != nil && a.settings.Watch {
		a.sup.GoRestart("inventory.watch", func(c context.Context) error {
			return a.file.Watch(c, a.registry.ReloadAll)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.settings.HTTP.Enabled {
		a.startHTTP()
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")), func() bool { return a.sup.Err() == nil })
	})

	names := make([]string, 0, len(a.settings.Jobs))
	for _, j := range a.settings.Jobs {
		names = append(names, j.Name)
	}
	a.log.Info("app started",
		logx.String("jobs", strings.Join(names, ",")),
		logx.String("inventory", a.settings.Driver),
	)
	systemd.Status(a.log, fmt.Sprintf("polling %d job types", len(names)))
	systemd.Ready(a.log)
	return nil
}

func (a *App) startHTTP() {
	h := a.settings.HTTP
	a.http = httpserver.New(httpserver.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}, httpserver.Sources{
		ActiveJobs: a.registry.ActiveJobs,
		IdleCount:  a.registry.IdleCount,
		Health:     a.sup.Snapshot,
		Runs:       a.runs,
	}, a.log.With(logx.String("comp", "http")))
	// GoRestart never fails the supervisor, so a broken listener only retries.
	a.sup.GoRestart("http.serve", a.http.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 10*time.Second, a.sup.Wait)
	// Cancelled handlers may still be writing job log entries.
	a.step(ctx, "handlers", 5*time.Second, a.registry.Drain)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		a.closeStore()
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with at most max of ctx's remaining time and moves on when it
// does not finish.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.store = nil
}
