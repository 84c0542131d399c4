package wal_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/live-mirror/internal/wal"
)

const insertAndDelete = `{
  "change": [
    {"kind": "insert", "schema": "public", "table": "documents",
     "columnnames": ["collection", "key", "value"],
     "columnvalues": ["/games", "g1", "{\"name\": \"chess\"}"]},
    {"kind": "insert", "schema": "public", "table": "documents",
     "columnnames": ["collection", "key", "value"],
     "columnvalues": ["/games", "g2", "{}"]},
    {"kind": "delete", "schema": "public", "table": "documents",
     "oldkeys": {"keynames": ["collection", "key"], "keyvalues": ["/scores/g1", "s1"]}},
    {"kind": "insert", "schema": "public", "table": "audit",
     "columnnames": ["collection"], "columnvalues": ["/ignored"]}
  ]
}`

func TestConsumer_Collections(t *testing.T) {
	c := &wal.Consumer{Table: "documents"}

	got, err := c.Collections([]byte(insertAndDelete))
	require.NoError(t, err)
	assert.Equal(t, []string{"/games", "/scores/g1"}, got)

	_, err = c.Collections([]byte(`{"change":`))
	assert.Error(t, err)
}

func TestConsumer_UpdateAcrossCollections(t *testing.T) {
	c := &wal.Consumer{Table: "documents"}
	got, err := c.Collections([]byte(`{"change":[{"kind":"update","table":"documents",
		"columnnames":["collection","key"],"columnvalues":["/b","k"],
		"oldkeys":{"keynames":["collection","key"],"keyvalues":["/a","k"]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/b", "/a"}, got)
}

func TestConsumer_OnMessage(t *testing.T) {
	var got []string
	c := &wal.Consumer{Table: "documents", Notify: func(s string) { got = append(got, s) }, Log: zaptest.NewLogger(t)}

	c.OnMessage([]byte(insertAndDelete))
	c.OnMessage([]byte(`garbage`))
	assert.Equal(t, []string{"/games", "/scores/g1"}, got)
}

func TestNotifierFollowsSidecar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := wal.NewBroadcaster(zaptest.NewLogger(t))
	go wal.Serve(ctx, l, b)

	got := make(chan string, 16)
	n := &wal.Notifier{Addr: l.Addr().String(), Table: "documents", ReconnectDelay: 10 * time.Millisecond, Log: zaptest.NewLogger(t)}
	go n.Listen(ctx, func(c string) { got <- c })

	// broadcast until the notifier's connection is registered
	msg := []byte(`{"change":[{"kind":"insert","table":"documents","columnnames":["collection"],"columnvalues":["/games"]}]}`)
	require.Eventually(t, func() bool {
		b.Broadcast(msg)
		select {
		case c := <-got:
			return c == "/games"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBroadcasterDropsSlowListener(t *testing.T) {
	b := wal.NewBroadcaster(zaptest.NewLogger(t))
	slow := make(chan []byte, 1)
	b.AddListener(slow)

	b.Broadcast([]byte("1"))
	b.Broadcast([]byte("2"))

	assert.Equal(t, []byte("1"), <-slow)
	_, open := <-slow
	assert.False(t, open, "a listener that misses a message is closed")

	b.RemoveListener(slow)
}
