package config

import (
	"strings"
	"time"

	"devpoll/internal/collector/dns"
	"devpoll/internal/collector/tcpport"
	"devpoll/internal/poll"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"

	DefaultHTTPAddr = "127.0.0.1:9108"
)

// Settings is the typed, defaulted form of a Config.
type Settings struct {
	Jobs []poll.Job

	// Device carries backoffs only; the caller sets Clock and Logger.
	Device         poll.Options
	ReloadInterval time.Duration
	QueueWarn      int
	ReportSchedule string

	Driver   string
	FilePath string
	// Storage.Path is empty when the file driver runs without a job log.
	Storage storage.Config
	Watch   bool

	TCPPort tcpport.Config
	DNS     dns.Config

	HTTP HTTPConfig
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// Resolve validates c and fills in defaults.
func (c *Config) Resolve() (*Settings, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	s := &Settings{}

	if err := c.resolveInventory(s); err != nil {
		return nil, err
	}
	if err := c.resolveScheduler(s); err != nil {
		return nil, err
	}
	jobs, err := c.JobDefinitions()
	if err != nil {
		return nil, err
	}
	s.Jobs = jobs
	if err := c.resolveCollectors(s); err != nil {
		return nil, err
	}

	s.HTTP = c.HTTP
	s.HTTP.Addr = strings.TrimSpace(s.HTTP.Addr)
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = DefaultHTTPAddr
	}
	return s, nil
}

func (c *Config) resolveInventory(s *Settings) error {
	inv := c.Inventory
	s.Driver = strings.ToLower(strings.TrimSpace(inv.Driver))
	if s.Driver == "" {
		s.Driver = DriverSQLite
	}
	path := strings.TrimSpace(inv.Path)
	if path == "" {
		return errors.New("inventory.path: required")
	}
	busy, err := ParseDurationField("inventory.busy_timeout", inv.BusyTimeout)
	if err != nil {
		return err
	}
	retention, err := ParseDurationField("inventory.job_log_retention", inv.JobLogRetention)
	if err != nil {
		return err
	}
	s.Storage = storage.Config{BusyTimeout: busy, JobLogRetention: retention}

	switch s.Driver {
	case DriverSQLite:
		if strings.TrimSpace(inv.Database) != "" {
			return errors.New("inventory.database: only used with the file driver")
		}
		if inv.Watch {
			return errors.New("inventory.watch: only supported by the file driver")
		}
		s.Storage.Path = path
	case DriverFile:
		s.FilePath = path
		s.Storage.Path = strings.TrimSpace(inv.Database)
		s.Watch = inv.Watch
	default:
		return errors.Newf("inventory.driver: unknown driver %q (want %q or %q)", inv.Driver, DriverSQLite, DriverFile)
	}
	return nil
}

func (c *Config) resolveScheduler(s *Settings) error {
	sc := c.Scheduler
	var err error
	if s.ReloadInterval, err = ParseDurationOrDefault("scheduler.reload_interval", sc.ReloadInterval, poll.DefaultReloadInterval); err != nil {
		return err
	}
	if s.Device.ConstructBackoff, err = ParseDurationOrDefault("scheduler.construct_backoff", sc.ConstructBackoff, poll.DefaultConstructBackoff); err != nil {
		return err
	}
	if s.Device.FailureBackoffMin, err = ParseDurationOrDefault("scheduler.failure_backoff_min", sc.FailureBackoffMin, poll.DefaultFailureBackoffMin); err != nil {
		return err
	}
	if s.Device.FailureBackoffMax, err = ParseDurationOrDefault("scheduler.failure_backoff_max", sc.FailureBackoffMax, poll.DefaultFailureBackoffMax); err != nil {
		return err
	}
	if s.Device.FailureBackoffMax < s.Device.FailureBackoffMin {
		return errors.Newf("scheduler: failure_backoff_max (%s) is below failure_backoff_min (%s)",
			s.Device.FailureBackoffMax, s.Device.FailureBackoffMin)
	}

	s.ReportSchedule = strings.TrimSpace(sc.JoblistSchedule)
	if s.ReportSchedule == "" {
		s.ReportSchedule = poll.DefaultReportSchedule
	}
	if _, err := cron.ParseStandard(s.ReportSchedule); err != nil {
		return errors.Wrapf(err, "scheduler.joblist_schedule: %q", sc.JoblistSchedule)
	}

	if sc.QueueWarn < 0 {
		return errors.New("scheduler.queue_warn: must be >= 0")
	}
	s.QueueWarn = sc.QueueWarn
	return nil
}

// JobDefinitions converts the jobs section. Names must be unique.
func (c *Config) JobDefinitions() ([]poll.Job, error) {
	if len(c.Jobs) == 0 {
		return nil, errors.New("jobs: at least one job is required")
	}
	seen := make(map[string]struct{}, len(c.Jobs))
	out := make([]poll.Job, 0, len(c.Jobs))
	for i, jc := range c.Jobs {
		name := strings.TrimSpace(jc.Name)
		if _, dup := seen[name]; dup {
			return nil, errors.Newf("jobs[%d]: duplicate job name %q", i, name)
		}
		seen[name] = struct{}{}

		interval, err := ParseInterval(jc.Interval)
		if err != nil {
			return nil, errors.Wrapf(err, "jobs[%d] (%s)", i, name)
		}
		plugins := make([]string, 0, len(jc.Plugins))
		for _, p := range jc.Plugins {
			if p = strings.TrimSpace(p); p != "" {
				plugins = append(plugins, p)
			}
		}
		job := poll.Job{Name: name, Interval: interval, Intensity: jc.Intensity, Plugins: plugins}
		if err := job.Validate(); err != nil {
			return nil, errors.Wrapf(err, "jobs[%d]", i)
		}
		out = append(out, job)
	}
	return out, nil
}

func (c *Config) resolveCollectors(s *Settings) error {
	tp := c.Collectors.TCPPort
	if tp.Port < 0 || tp.Port > 65535 {
		return errors.Newf("collectors.tcpport.port: %d out of range", tp.Port)
	}
	timeout, err := ParseDurationField("collectors.tcpport.timeout", tp.Timeout)
	if err != nil {
		return err
	}
	retry, err := ParseDurationField("collectors.tcpport.retry", tp.Retry)
	if err != nil {
		return err
	}
	s.TCPPort = tcpport.Config{Port: tp.Port, Timeout: timeout, Retry: retry}

	dnsTimeout, err := ParseDurationField("collectors.dns.timeout", c.Collectors.DNS.Timeout)
	if err != nil {
		return err
	}
	s.DNS = dns.Config{Timeout: dnsTimeout}
	return nil
}

// LogxConfig maps the logging section onto the logger service.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
