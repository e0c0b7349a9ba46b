// Package poll schedules recurring device jobs.
//
// One JobScheduler exists per configured Job. It keeps one DeviceScheduler
// per pollable device and reconciles that set against the inventory
// periodically and whenever a device changes type.
//
// A DeviceScheduler moves between four states:
//
//	Idle -> (timer) -> Running -> (handler returns) -> Idle
//	Idle -> (timer, intensity reached) -> Queued -> (slot handed over) -> Running
//	any  -> Cancel() -> Cancelled
//
// All DeviceSchedulers of one job share an Admission, which caps the number
// of concurrently running handlers (the job's intensity) and keeps a strict
// FIFO of schedules waiting for a slot. When a handler finishes, its slot is
// handed straight to the head of the FIFO.
//
// Handler outcomes map to the next run:
//
//   - nil error: interval minus elapsed runtime, never negative
//   - *RescheduleError: exactly the suggested delay
//   - anything else (ErrAborted included): random delay in
//     [FailureBackoffMin, FailureBackoffMax)
//
// A handler that cannot be constructed is retried after ConstructBackoff.
//
// Lock order: DeviceScheduler.mu before Admission.mu. Slot hand-off runs with
// no locks held.
package poll
