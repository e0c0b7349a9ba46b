package collector

import (
	"context"
	"sync"
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// JobLogWriter persists the outcome of each run.
type JobLogWriter interface {
	AppendJobLog(ctx context.Context, e storage.JobLogEntry) error
}

// JobEvent is published on eventbus.TopicJobFinished after every run.
type JobEvent struct {
	RunID    string            `json:"run_id"`
	Job      string            `json:"job"`
	DeviceID int64             `json:"netboxid"`
	Sysname  string            `json:"sysname"`
	Success  bool              `json:"success"`
	Duration time.Duration     `json:"duration"`
	Error    string            `json:"error,omitempty"`
	Facts    map[string]string `json:"facts,omitempty"`
}

// JobHandler runs a job's plugins against one device. It is built fresh for
// every run and is not reusable.
type JobHandler struct {
	job     poll.Job
	device  inventory.Device
	plugins []Plugin
	joblog  JobLogWriter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

var _ poll.Handler = (*JobHandler)(nil)

func (h *JobHandler) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *JobHandler) Run(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return false, errors.Wrap(poll.ErrAborted, "cancelled before start")
	}
	h.cancel = cancel
	h.mu.Unlock()

	runID := uuid.NewString()
	log := h.log.With(logx.String("run", runID))

	var usable []Plugin
	for _, p := range h.plugins {
		if p.CanHandle(h.device) {
			usable = append(usable, p)
		} else {
			log.Trace("plugin cannot handle device", logx.String("plugin", p.Name()))
		}
	}
	if len(usable) == 0 {
		log.Debug("no plugins can handle this device")
		return false, nil
	}

	start := h.now()
	sess := NewSession(runID, h.job.Name, h.device, log, h.bus)
	var err error
	for _, p := range usable {
		if ctx.Err() != nil {
			break
		}
		log.Trace("running plugin", logx.String("plugin", p.Name()))
		if perr := p.Handle(ctx, sess); perr != nil {
			err = errors.Wrapf(perr, "plugin %s", p.Name())
			break
		}
	}
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = errors.Wrap(poll.ErrAborted, "job run cancelled")
	}
	elapsed := h.now().Sub(start)

	h.record(sess, err, start.Add(elapsed), elapsed)
	return true, err
}

func (h *JobHandler) record(sess *Session, runErr error, end time.Time, elapsed time.Duration) {
	success := runErr == nil
	if h.joblog != nil {
		// The run context may already be cancelled; the job log is still written.
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.joblog.AppendJobLog(wctx, storage.JobLogEntry{
			DeviceID: h.device.ID,
			JobName:  h.job.Name,
			EndTime:  end,
			Duration: elapsed,
			Success:  success,
			Interval: h.job.Interval,
		})
		cancel()
		if err != nil {
			sess.Log.Warn("failed to write job log", logx.Err(err))
		}
	}
	if h.bus != nil {
		ev := JobEvent{
			RunID:    sess.RunID,
			Job:      h.job.Name,
			DeviceID: h.device.ID,
			Sysname:  h.device.Sysname,
			Success:  success,
			Duration: elapsed,
			Facts:    sess.Facts(),
		}
		if runErr != nil {
			ev.Error = runErr.Error()
		}
		h.bus.Publish(eventbus.Event{Type: eventbus.TopicJobFinished, Time: end, Data: ev})
	}
}
