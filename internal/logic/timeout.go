package logic

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d on the owner's event loop. Callbacks must never
// run concurrently with other handlers of the same accessory.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timeout is a single cancellable timer slot. Starting it again cancels the
// previous instance, and a generation token makes a callback that was already
// queued when it was cancelled a no-op.
type Timeout struct {
	sched Scheduler
	timer Timer
	gen   uint64
}

// NewTimeout creates an idle timeout slot.
func NewTimeout(s Scheduler) *Timeout {
	return &Timeout{sched: s}
}

// Start cancels any pending callback and schedules f after d.
func (t *Timeout) Start(d time.Duration, f func()) {
	t.Cancel()
	gen := t.gen
	t.timer = t.sched.AfterFunc(d, func() {
		if t.gen != gen {
			return
		}
		t.timer = nil
		t.gen++
		f()
	})
}

// Cancel stops the pending callback, if any.
func (t *Timeout) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Pending reports whether a callback is scheduled.
func (t *Timeout) Pending() bool {
	return t.timer != nil
}
