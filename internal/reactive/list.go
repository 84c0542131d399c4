package reactive

import (
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

const (
	logMsgReady       = "initial window loaded"
	logMsgDivergence  = "event for unknown key ignored"
	logMsgDuplicate   = "insert for existing key applied as update"
	logAttrKey        = "key"
	logAttrEvent      = "event"
	logAttrItemsCount = "items"
)

// ListOption configures a list source.
type ListOption func(*listConfig)

type listConfig struct {
	reversed bool
}

// Reversed presents snapshots in descending order. The working order stays
// the store's ascending order; only the emitted copy is reversed. Use it to
// show "last N" when the store can only serve "first N".
func Reversed() ListOption {
	return func(c *listConfig) { c.reversed = true }
}

// ListMirror mirrors an ordered, keyed window by applying insert, remove,
// update and move events. It stays silent until the store signals that the
// starting window has loaded, then emits on every event.
//
// Events naming a key the mirror does not hold are ignored. This tolerates
// duplicate removes, but it can also hide a mirror that has diverged from the
// store; such events are logged at debug level.
type ListMirror[T any] struct {
	emitter[[]ListItem[T]]
	query feed.RangeQuery
	cfg   listConfig

	ready bool
	items []ListItem[T]
}

// NewListMirror returns an unsubscribed mirror of the range q.
func NewListMirror[T any](env *Env, desc Descriptor, q feed.RangeQuery, options ...ListOption) *ListMirror[T] {
	m := &ListMirror[T]{query: q}
	for _, option := range options {
		option(&m.cfg)
	}
	m.open = m.openRange
	m.reset = m.clear
	m.clone = cloneItems[T]
	m.init(env, desc)
	return m
}

// Ready reports whether the starting window has loaded for the current
// subscription.
func (m *ListMirror[T]) Ready() bool { return m.ready }

func (m *ListMirror[T]) clear() {
	m.ready = false
	m.items = nil
}

func (m *ListMirror[T]) openRange(gen uint64) (feed.Subscription, error) {
	return m.env.store.SubscribeRange(m.query, rangeSink[T]{m: m, gen: gen})
}

func (m *ListMirror[T]) indexOf(key string) int {
	if key == "" {
		return -1
	}
	return slices.IndexFunc(m.items, func(it ListItem[T]) bool { return it.Key == key })
}

// place inserts it after prevKey, or at the head when prevKey is empty or
// unknown.
func (m *ListMirror[T]) place(it ListItem[T], prevKey string) {
	at := m.indexOf(prevKey) + 1
	m.items = slices.Insert(m.items, at, it)
}

func (m *ListMirror[T]) decode(key string, raw json.RawMessage) T {
	v, err := feed.Decode[T](raw)
	if err != nil {
		m.report(fmt.Errorf("%w: %s/%s: %w", ErrDecode, m.query.Path, key, err))
	}
	return v
}

func (m *ListMirror[T]) insert(key string, raw json.RawMessage, prevKey string) {
	v := m.decode(key, raw)
	if i := m.indexOf(key); i >= 0 {
		m.env.logger().Debug(logMsgDuplicate, zap.String(logAttrKey, key))
		m.items[i].Value = v
	} else {
		m.place(ListItem[T]{Key: key, Value: v}, prevKey)
	}
	m.changed()
}

func (m *ListMirror[T]) remove(key string) {
	if i := m.indexOf(key); i >= 0 {
		m.items = slices.Delete(m.items, i, i+1)
	} else {
		m.diverged("remove", key)
	}
	m.changed()
}

func (m *ListMirror[T]) update(key string, raw json.RawMessage) {
	if i := m.indexOf(key); i >= 0 {
		m.items[i].Value = m.decode(key, raw)
	} else {
		m.diverged("update", key)
	}
	m.changed()
}

func (m *ListMirror[T]) move(key string, prevKey string) {
	i := m.indexOf(key)
	if i < 0 {
		m.diverged("move", key)
		m.changed()
		return
	}
	it := m.items[i]
	m.items = slices.Delete(m.items, i, i+1)
	m.place(it, prevKey)
	m.changed()
}

func (m *ListMirror[T]) loaded() {
	if m.ready {
		return
	}
	m.ready = true
	m.env.logger().Debug(logMsgReady,
		zap.Stringer(logAttrQuery, m.desc),
		zap.Int(logAttrItemsCount, len(m.items)))
	m.emit(m.snapshot())
}

func (m *ListMirror[T]) changed() {
	if m.ready {
		m.emit(m.snapshot())
	}
}

func (m *ListMirror[T]) diverged(event, key string) {
	m.env.logger().Debug(logMsgDivergence,
		zap.String(logAttrEvent, event),
		zap.String(logAttrKey, key),
		zap.Stringer(logAttrQuery, m.desc))
}

// snapshot copies the working sequence, reversing the copy if configured.
func (m *ListMirror[T]) snapshot() []ListItem[T] {
	out := cloneItems(m.items)
	if m.cfg.reversed {
		slices.Reverse(out)
	}
	return out
}

func cloneItems[T any](items []ListItem[T]) []ListItem[T] {
	out := make([]ListItem[T], len(items))
	copy(out, items)
	return out
}

type rangeSink[T any] struct {
	m   *ListMirror[T]
	gen uint64
}

func (s rangeSink[T]) Insert(key string, raw json.RawMessage, prevKey string) {
	s.m.post(s.gen, func() { s.m.insert(key, raw, prevKey) })
}

func (s rangeSink[T]) Remove(key string) {
	s.m.post(s.gen, func() { s.m.remove(key) })
}

func (s rangeSink[T]) Update(key string, raw json.RawMessage) {
	s.m.post(s.gen, func() { s.m.update(key, raw) })
}

func (s rangeSink[T]) Move(key string, prevKey string) {
	s.m.post(s.gen, func() { s.m.move(key, prevKey) })
}

func (s rangeSink[T]) Loaded() {
	s.m.post(s.gen, s.m.loaded)
}

func (s rangeSink[T]) Fail(err error) {
	s.m.post(s.gen, func() { s.m.fail(s.gen, err) })
}

// ListSource turns params into descriptors for ordered range queries.
type ListSource[P, T any] struct {
	env     *Env
	name    string
	query   func(P) feed.RangeQuery
	options []ListOption
}

// AsList declares an ordered range query: query maps params to the range to
// watch.
func AsList[P, T any](env *Env, name string, query func(P) feed.RangeQuery, options ...ListOption) *ListSource[P, T] {
	return &ListSource[P, T]{env: env, name: name, query: query, options: options}
}

// Query returns the descriptor for params p.
func (s *ListSource[P, T]) Query(p P) Descriptor {
	d := Descriptor{source: s, name: s.name, params: p}
	d.build = func() Binding { return NewListMirror[T](s.env, d, s.query(p), s.options...) }
	return d
}

// Mirror builds a standalone mirror for params p.
func (s *ListSource[P, T]) Mirror(p P) *ListMirror[T] {
	return NewListMirror[T](s.env, s.Query(p), s.query(p), s.options...)
}
