package tick

// Manual is a Scheduler for hosts that own their frame loop, and for tests.
// Post runs inline on the caller's goroutine, and deferred work runs when the
// host calls Flush once per frame. Manual is not safe for concurrent use: the
// caller's goroutine is the engine thread.
type Manual struct {
	pending []*task
}

// NewManual returns an empty manual scheduler.
func NewManual() *Manual { return &Manual{} }

func (m *Manual) Post(fn func()) { fn() }

func (m *Manual) Defer(fn func()) func() {
	t := &task{fn: fn}
	m.pending = append(m.pending, t)
	return t.cancel
}

// Flush ends the current tick, running the work deferred during it. Work
// deferred by the flushed tasks belongs to the next tick. It returns the
// number of tasks that ran.
func (m *Manual) Flush() int {
	batch := m.pending
	m.pending = nil
	return runAll(batch)
}

// Pending reports how many deferred tasks are waiting, including cancelled
// ones not yet discarded.
func (m *Manual) Pending() int { return len(m.pending) }
