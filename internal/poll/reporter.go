package poll

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"devpoll/internal/observability/metrics"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

const DefaultReportSchedule = "@every 5m"

// Sink receives periodic diagnostics.
type Sink interface {
	// ReportActive is called with running jobs, longest running first.
	ReportActive(jobs []ActiveJob)
	// ReportIdle is called instead when nothing runs.
	ReportIdle(idle int)
}

// Reporter periodically publishes the Registry's active jobs to its sinks.
type Reporter struct {
	reg      *Registry
	schedule cron.Schedule
	clock    Clock
	sinks    []Sink
}

// NewReporter parses spec with the standard cron parser ("@every 5m",
// "*/5 * * * *", ...).
func NewReporter(reg *Registry, spec string, clock Clock, sinks ...Sink) (*Reporter, error) {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultReportSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parse report schedule %q", spec)
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Reporter{reg: reg, schedule: sched, clock: clock, sinks: sinks}, nil
}

// Report publishes one snapshot.
func (r *Reporter) Report() {
	active := r.reg.ActiveJobs()
	if len(active) == 0 {
		idle := r.reg.IdleCount()
		for _, s := range r.sinks {
			s.ReportIdle(idle)
		}
		return
	}
	for _, s := range r.sinks {
		s.ReportActive(active)
	}
}

// Run reports on every schedule tick until ctx is done. The first report
// happens one period after start.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		now := r.clock.Now()
		fired := make(chan struct{})
		t := r.clock.AfterFunc(r.schedule.Next(now).Sub(now), func() { close(fired) })
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-fired:
			r.Report()
		}
	}
}

// LogSink writes diagnostics as a text table through the logger.
type LogSink struct {
	Log logx.Logger
}

func (l LogSink) ReportActive(jobs []ActiveJob) {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSNAME\tJOB\tRUNTIME")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", j.Sysname, j.Job, j.Runtime.Round(time.Second))
	}
	_ = tw.Flush()
	l.Log.Info(fmt.Sprintf("currently active jobs (%d):\n%s", len(jobs), strings.TrimRight(b.String(), "\n")))
}

func (l LogSink) ReportIdle(idle int) {
	l.Log.Info(fmt.Sprintf("no active jobs (%d JobHandlers)", idle))
}

// MetricsSink exports the last report as Prometheus gauges. Registry is
// optional and only used for the idle count while jobs are running.
type MetricsSink struct {
	Registry *Registry
}

func (m MetricsSink) ReportActive(jobs []ActiveJob) {
	metrics.LongestRunning.Set(jobs[0].Runtime.Seconds())
	if m.Registry != nil {
		metrics.IdleSchedules.Set(float64(m.Registry.IdleCount()))
	}
}

func (MetricsSink) ReportIdle(idle int) {
	metrics.LongestRunning.Set(0)
	metrics.IdleSchedules.Set(float64(idle))
}
