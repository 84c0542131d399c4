package reactive_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/reactive"
	"github.com/zoravur/live-mirror/internal/tick"
)

type game struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := feed.Encode(v)
	require.NoError(t, err)
	return b
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, store feed.Store) (*reactive.Env, *tick.Manual) {
	t.Helper()
	sched := tick.NewManual()
	env, err := reactive.NewEnv(store, sched,
		reactive.WithClock(func() time.Time { return epoch }),
		reactive.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return env, sched
}

// scripted is a feed.Store whose events are pushed by the test.
type scripted struct {
	values    map[string]*scriptedSub
	ranges    map[string]*scriptedSub
	opened    int
	canceled  int
	openError error
}

type scriptedSub struct {
	value    feed.ValueSink
	rng      feed.RangeSink
	canceled bool
}

func newScripted() *scripted {
	return &scripted{values: map[string]*scriptedSub{}, ranges: map[string]*scriptedSub{}}
}

func (s *scripted) SubscribeValue(path string, sink feed.ValueSink) (feed.Subscription, error) {
	if s.openError != nil {
		return nil, s.openError
	}
	s.opened++
	sub := &scriptedSub{value: sink}
	s.values[path] = sub
	return s.cancel(sub), nil
}

func (s *scripted) SubscribeRange(q feed.RangeQuery, sink feed.RangeSink) (feed.Subscription, error) {
	if s.openError != nil {
		return nil, s.openError
	}
	s.opened++
	sub := &scriptedSub{rng: sink}
	s.ranges[q.Path] = sub
	return s.cancel(sub), nil
}

func (s *scripted) cancel(sub *scriptedSub) feed.Subscription {
	return feed.SubscriptionFunc(func() {
		if !sub.canceled {
			sub.canceled = true
			s.canceled++
		}
	})
}

func (s *scripted) Write(context.Context, string, any) error {
	return errors.New("read-only")
}

func (s *scripted) TransactionalUpdate(context.Context, string, feed.UpdateFunc) error {
	return errors.New("read-only")
}

func (s *scripted) rangeSink(t *testing.T, path string) feed.RangeSink {
	t.Helper()
	sub, ok := s.ranges[path]
	require.True(t, ok, "no range subscription on %s", path)
	return sub.rng
}

func (s *scripted) valueSink(t *testing.T, path string) feed.ValueSink {
	t.Helper()
	sub, ok := s.values[path]
	require.True(t, ok, "no value subscription on %s", path)
	return sub.value
}

// recorder collects callback deliveries.
type recorder[D any] struct {
	snaps []*reactive.Snapshot[D]
	errs  []error
}

func (r *recorder[D]) cb(snap *reactive.Snapshot[D], err error) {
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.snaps = append(r.snaps, snap)
}

func (r *recorder[D]) last(t *testing.T) D {
	t.Helper()
	require.NotEmpty(t, r.snaps)
	return r.snaps[len(r.snaps)-1].Data
}

func keys[T any](items []reactive.ListItem[T]) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}
