package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
	// JobLogRetention prunes job log rows older than this. 0 keeps everything.
	JobLogRetention time.Duration
}

// JobLogEntry records the outcome of one job run against one device.
type JobLogEntry struct {
	ID       int64
	DeviceID int64
	JobName  string
	EndTime  time.Time
	Duration time.Duration
	Success  bool
	// Interval is the job's configured interval; 0 if unknown.
	Interval time.Duration
}

// Overdue reports whether the next run should already have happened.
// It does not check whether it actually has.
func (e JobLogEntry) Overdue(now time.Time) bool {
	if e.Interval <= 0 {
		return false
	}
	return e.EndTime.Add(e.Interval).Before(now)
}
