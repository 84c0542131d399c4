package tick

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Loop is a Scheduler backed by one goroutine. A tick is one drain of the
// task queue: Run takes every task that is already queued, runs them in
// order, then runs the work deferred during that batch.
//
// The queue is unbounded so a task may Post any number of follow-ups from
// the loop goroutine without waiting on itself.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	deferred []*task
}

// NewLoop returns a loop whose queue starts with room for size tasks.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Loop{
		queue: make([]func(), 0, size),
		wake:  make(chan struct{}, 1),
	}
}

// Post queues fn. It never blocks and drops fn once the loop has stopped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Defer(fn func()) func() {
	t := &task{fn: fn}
	l.deferred = append(l.deferred, t)
	return t.cancel
}

// Run executes ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		l.drain()
		for len(l.deferred) > 0 {
			batch := l.deferred
			l.deferred = nil
			if n := runAll(batch); n > 0 {
				zap.L().Debug("tick flushed deferred work", zap.Int("tasks", n))
			}
		}
	}
}

// drain runs queued tasks, including the ones they post, until the queue
// is empty.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
}
