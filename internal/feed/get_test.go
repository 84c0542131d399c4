package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/live-mirror/internal/feed"
)

// valueOnly serves value subscriptions from a map and implements nothing
// else, so feed.Get has to go through a subscription.
type valueOnly struct {
	feed.Store
	values   map[string]json.RawMessage
	fail     error
	silent   bool
	canceled int
}

func (s *valueOnly) SubscribeValue(path string, sink feed.ValueSink) (feed.Subscription, error) {
	switch {
	case s.fail != nil:
		go sink.Fail(s.fail)
	case !s.silent:
		go sink.Value(s.values[path])
	}
	return feed.SubscriptionFunc(func() { s.canceled++ }), nil
}

func Test_Get_ThroughSubscription(t *testing.T) {
	s := &valueOnly{values: map[string]json.RawMessage{"/a/b": json.RawMessage(`7`)}}

	raw, err := feed.Get(context.Background(), s, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "7", string(raw))
	assert.Equal(t, 1, s.canceled)

	raw, err = feed.Get(context.Background(), s, "/a/c")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func Test_Get_Failure(t *testing.T) {
	boom := errors.New("boom")
	_, err := feed.Get(context.Background(), &valueOnly{fail: boom}, "/a/b")
	assert.ErrorIs(t, err, boom)
}

func Test_Get_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := feed.Get(ctx, &valueOnly{silent: true}, "/a/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
