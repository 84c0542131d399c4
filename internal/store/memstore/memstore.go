// Package memstore is an in-memory feed.Store. It serves value and ordered
// range subscriptions from maps, computing window diffs on every write. It
// backs the server when no database is configured, and the engine's tests.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

// ErrConflict is returned when a transactional update keeps losing races.
var ErrConflict = errors.New("transactional update conflict")

const maxTransactionAttempts = 25

// Stats counts low-level subscription traffic.
type Stats struct {
	ValueSubscribes int
	RangeSubscribes int
	Cancels         int
	Writes          int
}

// Subscribes is the total number of subscriptions opened.
func (s Stats) Subscribes() int { return s.ValueSubscribes + s.RangeSubscribes }

// Store is safe for concurrent use. Events are delivered on the goroutine
// that caused them (the writer, or the subscriber for initial data), after
// the store lock is released, in the order they were produced.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	values      map[string]map[*valueSub]struct{}
	ranges      map[string]map[*rangeSub]struct{}
	failures    map[string]error
	stats       Stats

	queue    []func()
	draining bool

	log *zap.Logger
}

type subBase struct {
	canceled atomic.Bool
}

type valueSub struct {
	subBase
	path string
	sink feed.ValueSink
}

type rangeSub struct {
	subBase
	collection string
	q          feed.RangeQuery
	window     []feed.Entry
	sink       feed.RangeSink
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns an empty store.
func New(options ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]json.RawMessage),
		values:      make(map[string]map[*valueSub]struct{}),
		ranges:      make(map[string]map[*rangeSub]struct{}),
		failures:    make(map[string]error),
	}
	for _, option := range options {
		option(s)
	}
	if s.log == nil {
		s.log = zap.L().Named("memstore")
	}
	return s
}

// Stats returns a copy of the subscription counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) SubscribeValue(path string, sink feed.ValueSink) (feed.Subscription, error) {
	clean, err := feed.CleanPath(path)
	if err != nil {
		return nil, err
	}
	collection, key, _ := feed.SplitPath(clean)

	sub := &valueSub{path: clean, sink: sink}

	s.mu.Lock()
	s.stats.ValueSubscribes++
	if ferr, ok := s.failures[clean]; ok {
		s.enqueue(&sub.subBase, func() { sink.Fail(ferr) })
	} else {
		if s.values[clean] == nil {
			s.values[clean] = make(map[*valueSub]struct{})
		}
		s.values[clean][sub] = struct{}{}
		raw := s.collections[collection][key]
		s.enqueue(&sub.subBase, func() { sink.Value(raw) })
	}
	s.mu.Unlock()
	s.flush()

	return feed.SubscriptionFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.canceled.Swap(true) {
			return
		}
		delete(s.values[clean], sub)
		s.stats.Cancels++
	}), nil
}

func (s *Store) SubscribeRange(q feed.RangeQuery, sink feed.RangeSink) (feed.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	collection, _ := feed.CleanPath(q.Path)

	sub := &rangeSub{collection: collection, q: q, sink: sink}

	s.mu.Lock()
	s.stats.RangeSubscribes++
	if ferr, ok := s.failures[collection]; ok {
		s.enqueue(&sub.subBase, func() { sink.Fail(ferr) })
	} else {
		if s.ranges[collection] == nil {
			s.ranges[collection] = make(map[*rangeSub]struct{})
		}
		s.ranges[collection][sub] = struct{}{}
		sub.window = s.window(collection, q)
		rec := &recorder{}
		feed.Load(sub.window, rec)
		s.enqueueRecorded(sub, rec)
	}
	s.mu.Unlock()
	s.flush()

	return feed.SubscriptionFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.canceled.Swap(true) {
			return
		}
		delete(s.ranges[collection], sub)
		s.stats.Cancels++
	}), nil
}

// Get returns the value stored at path, or nil.
func (s *Store) Get(_ context.Context, path string) (json.RawMessage, error) {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[collection][key], nil
}

// Write stores value at path; a nil value deletes it.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := feed.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	s.apply(collection, key, raw)
	s.mu.Unlock()
	s.flush()
	return nil
}

// TransactionalUpdate runs fn against the current value and stores its
// result if nothing else wrote the path meanwhile, retrying otherwise.
func (s *Store) TransactionalUpdate(ctx context.Context, path string, fn feed.UpdateFunc) error {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		current := s.collections[collection][key]
		s.mu.Unlock()

		next, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := feed.Encode(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}

		s.mu.Lock()
		if !bytes.Equal(s.collections[collection][key], current) {
			s.mu.Unlock()
			continue
		}
		s.apply(collection, key, raw)
		s.mu.Unlock()
		s.flush()
		return nil
	}

	return fmt.Errorf("%w: %s", ErrConflict, path)
}

// InjectFailure makes path fail: open subscriptions on it (as a value path or
// a range collection) receive Fail and are dropped, and new ones fail too.
// A nil err clears the failure.
func (s *Store) InjectFailure(path string, err error) {
	clean, cerr := feed.CleanPath(path)
	if cerr != nil {
		return
	}

	s.mu.Lock()
	if err == nil {
		delete(s.failures, clean)
		s.mu.Unlock()
		return
	}
	s.failures[clean] = err
	for sub := range s.values[clean] {
		s.enqueue(&sub.subBase, func() { sub.sink.Fail(err) })
	}
	delete(s.values, clean)
	for sub := range s.ranges[clean] {
		s.enqueue(&sub.subBase, func() { sub.sink.Fail(err) })
	}
	delete(s.ranges, clean)
	s.mu.Unlock()
	s.flush()
}

// apply must be called with mu held.
func (s *Store) apply(collection, key string, raw json.RawMessage) {
	s.stats.Writes++
	docs := s.collections[collection]
	if raw == nil {
		delete(docs, key)
	} else {
		if docs == nil {
			docs = make(map[string]json.RawMessage)
			s.collections[collection] = docs
		}
		docs[key] = raw
	}

	path := feed.JoinPath(collection, key)
	for sub := range s.values[path] {
		s.enqueue(&sub.subBase, func() { sub.sink.Value(raw) })
	}

	for sub := range s.ranges[collection] {
		next := s.window(collection, sub.q)
		rec := &recorder{}
		feed.Diff(sub.window, next, rec)
		sub.window = next
		s.enqueueRecorded(sub, rec)
	}
}

// window must be called with mu held.
func (s *Store) window(collection string, q feed.RangeQuery) []feed.Entry {
	docs := s.collections[collection]
	entries := make([]feed.Entry, 0, len(docs))
	for k, v := range docs {
		entries = append(entries, feed.Entry{Key: k, Value: v})
	}
	return feed.Window(entries, q.OrderBy, q.Limit)
}

func (s *Store) enqueue(sub *subBase, fn func()) {
	s.queue = append(s.queue, func() {
		if !sub.canceled.Load() {
			fn()
		}
	})
}

func (s *Store) enqueueRecorded(sub *rangeSub, rec *recorder) {
	for _, op := range rec.ops {
		s.enqueue(&sub.subBase, func() { op(sub.sink) })
	}
}

// flush delivers queued events. Only one goroutine drains at a time; a
// writer re-entering from inside a sink leaves its events for the active
// drainer, which keeps delivery in production order.
func (s *Store) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// recorder captures range events so they can be delivered after the lock is
// released.
type recorder struct {
	ops []func(feed.RangeSink)
}

func (r *recorder) Insert(key string, raw json.RawMessage, prevKey string) {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Insert(key, raw, prevKey) })
}

func (r *recorder) Remove(key string) {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Remove(key) })
}

func (r *recorder) Update(key string, raw json.RawMessage) {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Update(key, raw) })
}

func (r *recorder) Move(key string, prevKey string) {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Move(key, prevKey) })
}

func (r *recorder) Loaded() {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Loaded() })
}

func (r *recorder) Fail(err error) {
	r.ops = append(r.ops, func(s feed.RangeSink) { s.Fail(err) })
}
