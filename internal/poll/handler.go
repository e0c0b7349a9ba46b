package poll

import (
	"context"

	"devpoll/internal/inventory"
)

// Handler executes one run of a job against one device.
//
// Run reports whether any work was done. Returning a RescheduleError suggests
// the next run time; ErrAborted marks a deliberately interrupted run. Cancel
// is a best-effort interrupt and may be called concurrently with Run; the run
// context is cancelled at the same time.
type Handler interface {
	Run(ctx context.Context) (didWork bool, err error)
	Cancel()
}

// HandlerFactory builds a fresh Handler for every run. Errors are treated as
// transient and retried after the construct backoff.
type HandlerFactory interface {
	New(job Job, device inventory.Device) (Handler, error)
}

type HandlerFactoryFunc func(job Job, device inventory.Device) (Handler, error)

func (f HandlerFactoryFunc) New(job Job, device inventory.Device) (Handler, error) {
	return f(job, device)
}
