// Package reactive is the change-feed synchronization engine. It turns query
// descriptors into subscriptions against a feed.Store, folds the pushed events
// into local mirrors, and hands consumers defensive snapshot copies.
//
// The engine is single-threaded: every method must be called on the thread of
// the tick.Scheduler the Env was built with, and store events are re-posted
// onto that thread before they touch any mirror.
package reactive

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/tick"
)

var (
	// ErrSubscription tags failures reported by the remote store. The engine
	// does not retry; call Resubscribe or rebind to try again.
	ErrSubscription = errors.New("subscription failed")
	// ErrDecode tags values that could not be decoded into the mirror type.
	ErrDecode       = errors.New("decode value")
	ErrTypeMismatch = errors.New("snapshot type mismatch")
	ErrNilStore     = errors.New("nil store supplied")
	ErrNilScheduler = errors.New("nil scheduler supplied")
)

// Snapshot wraps every emitted value, so that "nothing received yet" (no
// snapshot) stays distinguishable from "received, and empty".
type Snapshot[D any] struct {
	Data      D
	EmittedAt time.Time
}

// ListItem is one keyed entry of an ordered list mirror.
type ListItem[T any] struct {
	Key   string
	Value T
}

// Callback receives either a snapshot or an error, never both.
type Callback[D any] func(snap *Snapshot[D], err error)

// Env carries what every mirror needs: the store to subscribe against, the
// engine thread, a clock and a logger.
type Env struct {
	store feed.Store
	sched tick.Scheduler
	now   func() time.Time
	log   *zap.Logger
}

// Option configures an Env.
type Option func(*Env) error

// WithClock sets the clock used for Snapshot.EmittedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Env) error {
		e.now = now
		return nil
	}
}

// WithLogger sets the logger. Without it the global zap logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(e *Env) error {
		e.log = l
		return nil
	}
}

// NewEnv builds an Env for the given store and scheduler.
func NewEnv(store feed.Store, sched tick.Scheduler, options ...Option) (*Env, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if sched == nil {
		return nil, ErrNilScheduler
	}

	env := &Env{store: store, sched: sched, now: time.Now}
	for _, option := range options {
		if err := option(env); err != nil {
			return nil, err
		}
	}

	return env, nil
}

// Store returns the store mirrors subscribe against. Write-side collaborators
// use it for Write and TransactionalUpdate.
func (e *Env) Store() feed.Store { return e.store }

// Scheduler returns the engine thread.
func (e *Env) Scheduler() tick.Scheduler { return e.sched }

// Now reads the Env clock.
func (e *Env) Now() time.Time { return e.now() }

func (e *Env) logger() *zap.Logger {
	if e.log != nil {
		return e.log
	}
	return zap.L().Named("reactive")
}
