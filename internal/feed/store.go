// Package feed defines the boundary between the sync engine and a push-based
// remote store: value and range subscriptions, the events they deliver, and
// the write primitives used by form handlers.
//
// Values cross the boundary as raw JSON. Keys are non-empty strings; an empty
// prevKey on Insert or Move means "place at the head of the window".
package feed

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrInvalidLimit = errors.New("range limit must be positive")
	ErrClosed       = errors.New("store closed")
)

// RangeQuery selects the first Limit children of the collection at Path,
// ordered ascending by the child field OrderBy. An empty OrderBy orders by key.
type RangeQuery struct {
	Path    string
	OrderBy string
	Limit   int
}

// Validate reports whether the query can be served.
func (q RangeQuery) Validate() error {
	if _, err := CleanPath(q.Path); err != nil {
		return err
	}
	if q.Limit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// ValueSink receives whole-value events for a single path. raw is nil when
// nothing is stored at the path.
type ValueSink interface {
	Value(raw json.RawMessage)
	Fail(err error)
}

// RangeSink receives ordered change events for a range subscription.
// Loaded fires once after the starting window has been delivered.
type RangeSink interface {
	Insert(key string, raw json.RawMessage, prevKey string)
	Remove(key string)
	Update(key string, raw json.RawMessage)
	Move(key string, prevKey string)
	Loaded()
	Fail(err error)
}

// Subscription is the handle for one low-level remote listener.
type Subscription interface {
	Cancel()
}

// UpdateFunc receives the current value at a path (nil if absent) and returns
// the value to store. Returning a nil value deletes the path.
type UpdateFunc func(current json.RawMessage) (any, error)

// Store is the capability set the engine and its write-side collaborators
// need from a remote store.
type Store interface {
	SubscribeValue(path string, sink ValueSink) (Subscription, error)
	SubscribeRange(q RangeQuery, sink RangeSink) (Subscription, error)
	Write(ctx context.Context, path string, value any) error
	TransactionalUpdate(ctx context.Context, path string, fn UpdateFunc) error
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }
