package poll

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrAborted is returned by handlers whose run was deliberately interrupted.
// The scheduler logs it at info level and reschedules as for any failure.
var ErrAborted = errors.New("job aborted")

// RescheduleError asks the scheduler to run the job again after Delay,
// regardless of the job interval.
type RescheduleError struct {
	Delay time.Duration
	Err   error
}

func (e *RescheduleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reschedule in %s", e.Delay)
	}
	return fmt.Sprintf("reschedule in %s: %v", e.Delay, e.Err)
}

func (e *RescheduleError) Unwrap() error { return e.Err }

// Reschedule wraps err with a suggested delay before the next run.
//
// Example:
//
//	return false, poll.Reschedule(errors.Wrap(err, "device unreachable"), 5*time.Minute)
func Reschedule(err error, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return &RescheduleError{Delay: delay, Err: err}
}

// SuggestedDelay returns the delay carried by a RescheduleError anywhere in
// err's chain.
func SuggestedDelay(err error) (time.Duration, bool) {
	var re *RescheduleError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}
