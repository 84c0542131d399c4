package reactive

import (
	"encoding/json"
	"fmt"

	"github.com/zoravur/live-mirror/internal/feed"
)

// ScalarMirror mirrors a single value. Every value event replaces the
// snapshot wholesale. Data is nil when nothing is stored at the path.
type ScalarMirror[T any] struct {
	emitter[*T]
	path string
}

// NewScalarMirror returns an unsubscribed mirror of the value at path. It
// starts listening on the first Attach.
func NewScalarMirror[T any](env *Env, desc Descriptor, path string) *ScalarMirror[T] {
	m := &ScalarMirror[T]{path: path}
	m.open = m.openValue
	m.clone = func(p *T) *T {
		if p == nil {
			return nil
		}
		c := *p
		return &c
	}
	m.init(env, desc)
	return m
}

func (m *ScalarMirror[T]) openValue(gen uint64) (feed.Subscription, error) {
	return m.env.store.SubscribeValue(m.path, valueSink[T]{m: m, gen: gen})
}

func (m *ScalarMirror[T]) value(raw json.RawMessage) {
	if raw == nil {
		m.emit(nil)
		return
	}
	v, err := feed.Decode[T](raw)
	if err != nil {
		m.report(fmt.Errorf("%w: %s: %w", ErrDecode, m.path, err))
		return
	}
	m.emit(&v)
}

type valueSink[T any] struct {
	m   *ScalarMirror[T]
	gen uint64
}

func (s valueSink[T]) Value(raw json.RawMessage) {
	s.m.post(s.gen, func() { s.m.value(raw) })
}

func (s valueSink[T]) Fail(err error) {
	s.m.post(s.gen, func() { s.m.fail(s.gen, err) })
}

// ValueSource turns params into descriptors for single-value queries.
type ValueSource[P, T any] struct {
	env  *Env
	name string
	path func(P) string
}

// AsValue declares a single-value query: path maps params to the watched
// path. Descriptors from the same source with deep-equal params share a
// subscription when resolved through a Registry.
func AsValue[P, T any](env *Env, name string, path func(P) string) *ValueSource[P, T] {
	return &ValueSource[P, T]{env: env, name: name, path: path}
}

// Query returns the descriptor for params p.
func (s *ValueSource[P, T]) Query(p P) Descriptor {
	d := Descriptor{source: s, name: s.name, params: p}
	d.build = func() Binding { return NewScalarMirror[T](s.env, d, s.path(p)) }
	return d
}

// Mirror builds a standalone mirror for params p.
func (s *ValueSource[P, T]) Mirror(p P) *ScalarMirror[T] {
	return NewScalarMirror[T](s.env, s.Query(p), s.path(p))
}
