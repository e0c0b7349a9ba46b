package poll

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Job describes one recurring job type.
type Job struct {
	Name     string
	Interval time.Duration
	// Intensity caps concurrently running handlers across all devices.
	// 0 means unlimited.
	Intensity int
	Plugins   []string
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name required")
	}
	if j.Interval <= 0 {
		return errors.Newf("job %s: interval must be > 0", j.Name)
	}
	if j.Intensity < 0 {
		return errors.Newf("job %s: intensity must be >= 0", j.Name)
	}
	if len(j.Plugins) == 0 {
		return errors.Newf("job %s: at least one plugin required", j.Name)
	}
	return nil
}
