// Package tick provides the single cooperative thread the sync engine runs
// on. Every reaction (store event, attach, detach, reconciliation) is posted
// to a Scheduler and runs to completion before the next one starts. Work
// deferred with Defer runs once the current tick has drained.
package tick

// Scheduler runs reactions on the engine thread.
type Scheduler interface {
	// Post runs fn on the engine thread after previously posted work.
	Post(fn func())
	// Defer schedules fn to run at the end of the current tick. Calling the
	// returned cancel before then prevents it from running. Defer must only
	// be called from the engine thread.
	Defer(fn func()) (cancel func())
}

type task struct {
	fn        func()
	cancelled bool
}

func (t *task) cancel() { t.cancelled = true }

// runAll runs the non-cancelled tasks and reports how many ran.
func runAll(tasks []*task) int {
	n := 0
	for _, t := range tasks {
		if t.cancelled {
			continue
		}
		t.cancelled = true
		t.fn()
		n++
	}
	return n
}
