package reactive

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/logutil"
)

const (
	logMsgSubscribed      = "subscribed"
	logMsgReleased        = "subscription released"
	logMsgReleaseCanceled = "pending release canceled, reusing subscription"
	logMsgStaleEvent      = "dropped event from canceled subscription"
	logMsgNoCallback      = "no callback bound, snapshot cached"
	logMsgSubscribeFailed = "subscription failed"
	logAttrQuery          = "query"
	logAttrGeneration     = "generation"
)

// emitter is the lifecycle shared by every mirror: one low-level
// subscription, one callback slot, the last snapshot for late attachers, and
// a deferred release that an immediate re-attach cancels.
//
// Specializations set open (start listening for generation gen), reset
// (clear working state before a new generation) and clone (copy D so no two
// holders share mutable data).
type emitter[D any] struct {
	env  *Env
	desc Descriptor

	cb      Callback[D]
	last    *Snapshot[D]
	lastErr error

	sub     feed.Subscription
	gen     uint64
	release func()

	open  func(gen uint64) (feed.Subscription, error)
	reset func()
	clone func(D) D
}

func (e *emitter[D]) init(env *Env, desc Descriptor) {
	e.env = env
	e.desc = desc
	if e.reset == nil {
		e.reset = func() {}
	}
	if e.clone == nil {
		e.clone = func(d D) D { return d }
	}
}

// Descriptor returns the descriptor the mirror was built from.
func (e *emitter[D]) Descriptor() Descriptor { return e.desc }

// Attached reports whether a callback is bound.
func (e *emitter[D]) Attached() bool { return e.cb != nil }

// Live reports whether a low-level subscription is held, including one
// waiting on a deferred release.
func (e *emitter[D]) Live() bool { return e.sub != nil }

// Last returns a copy of the most recent snapshot, or nil if none was emitted.
func (e *emitter[D]) Last() *Snapshot[D] {
	if e.last == nil {
		return nil
	}
	return e.copySnap(e.last)
}

// Attach binds cb unless a callback is already bound, in which case it does
// nothing. The subscription starts if none is live, a pending release is
// canceled, and the latest delivery (a snapshot, or a failure if that came
// last) is replayed to cb before any new event arrives.
func (e *emitter[D]) Attach(cb Callback[D]) {
	if e.cb != nil || cb == nil {
		return
	}
	e.bind(cb)
}

// Replace binds cb in place of whatever callback is bound.
func (e *emitter[D]) Replace(cb Callback[D]) {
	if cb == nil {
		return
	}
	e.bind(cb)
}

func (e *emitter[D]) attachAny(cb func(any, error)) {
	e.Attach(func(snap *Snapshot[D], err error) {
		if snap == nil {
			cb(nil, err)
			return
		}
		cb(snap, err)
	})
}

func (e *emitter[D]) bind(cb Callback[D]) {
	if e.release != nil {
		e.release()
		e.release = nil
		e.env.logger().Debug(logMsgReleaseCanceled, zap.Stringer(logAttrQuery, e.desc))
	}
	if e.sub == nil {
		e.subscribe()
	}

	e.cb = cb
	switch {
	case e.lastErr != nil:
		cb(nil, e.lastErr)
	case e.last != nil:
		cb(e.copySnap(e.last), nil)
	}
}

// Detach unbinds the callback. No further callbacks fire; the subscription is
// released one tick later unless Attach is called first.
func (e *emitter[D]) Detach() {
	if e.cb == nil {
		return
	}
	e.cb = nil
	if e.sub != nil && e.release == nil {
		e.release = e.env.sched.Defer(e.teardown)
	}
}

// Resubscribe drops the current subscription and working state and starts
// loading from scratch.
func (e *emitter[D]) Resubscribe() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
	e.cancelSub()
	e.subscribe()
}

func (e *emitter[D]) teardown() {
	e.release = nil
	if e.cb != nil {
		return
	}
	e.cancelSub()
	e.env.logger().Debug(logMsgReleased, zap.Stringer(logAttrQuery, e.desc))
}

func (e *emitter[D]) cancelSub() {
	if e.sub == nil {
		return
	}
	e.sub.Cancel()
	e.sub = nil
	e.gen++
}

func (e *emitter[D]) subscribe() {
	e.gen++
	e.lastErr = nil
	e.reset()

	sub, err := e.open(e.gen)
	if err != nil {
		e.fail(e.gen, err)
		return
	}
	e.sub = sub
	e.env.logger().Debug(logMsgSubscribed, logutil.Values(
		zap.Stringer(logAttrQuery, e.desc),
		zap.Uint64(logAttrGeneration, e.gen),
	))
}

// post runs fn on the engine thread unless generation gen has been
// superseded by then.
func (e *emitter[D]) post(gen uint64, fn func()) {
	e.env.sched.Post(func() {
		if gen != e.gen {
			e.env.logger().Debug(logMsgStaleEvent, zap.Stringer(logAttrQuery, e.desc))
			return
		}
		fn()
	})
}

func (e *emitter[D]) emit(data D) {
	e.last = &Snapshot[D]{Data: data, EmittedAt: e.env.now()}
	e.lastErr = nil
	if e.cb == nil {
		e.env.logger().Debug(logMsgNoCallback, zap.Stringer(logAttrQuery, e.desc))
		return
	}
	e.cb(e.copySnap(e.last), nil)
}

func (e *emitter[D]) fail(gen uint64, err error) {
	if gen != e.gen {
		return
	}
	e.lastErr = fmt.Errorf("%w: %s: %w", ErrSubscription, e.desc, err)
	e.env.logger().Warn(logMsgSubscribeFailed, zap.Stringer(logAttrQuery, e.desc), zap.Error(err))
	if e.cb == nil {
		return
	}
	e.cb(nil, e.lastErr)
}

// report surfaces a non-fatal error (such as an undecodable value) without
// changing the subscription state. The next emitted snapshot clears it.
func (e *emitter[D]) report(err error) {
	e.lastErr = err
	e.env.logger().Warn(logMsgSubscribeFailed, zap.Stringer(logAttrQuery, e.desc), zap.Error(err))
	if e.cb != nil {
		e.cb(nil, err)
	}
}

func (e *emitter[D]) copySnap(s *Snapshot[D]) *Snapshot[D] {
	return &Snapshot[D]{Data: e.clone(s.Data), EmittedAt: s.EmittedAt}
}
