package feed

import (
	"context"
	"encoding/json"
)

// Getter is implemented by stores that can read a value without
// subscribing.
type Getter interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Get reads the current value at path, through Getter when the store has it
// and otherwise by taking the first event of a value subscription.
func Get(ctx context.Context, s Store, path string) (json.RawMessage, error) {
	if g, ok := s.(Getter); ok {
		return g.Get(ctx, path)
	}

	ch := make(chan onceResult, 1)
	sub, err := s.SubscribeValue(path, &onceSink{ch: ch})
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type onceResult struct {
	raw json.RawMessage
	err error
}

type onceSink struct {
	ch chan onceResult
}

func (s *onceSink) Value(raw json.RawMessage) {
	select {
	case s.ch <- onceResult{raw: raw}:
	default:
	}
}

func (s *onceSink) Fail(err error) {
	select {
	case s.ch <- onceResult{err: err}:
	default:
	}
}
