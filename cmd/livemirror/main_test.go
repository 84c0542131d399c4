package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/live-mirror/internal/api"
	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/protocol"
	"github.com/zoravur/live-mirror/internal/scoreboard"
	"github.com/zoravur/live-mirror/internal/store/memstore"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (*memstore.Store, string) {
	t.Helper()
	store := memstore.New()
	srv := httptest.NewServer(api.SetupRoutes(store, protocol.NewRegistry()))
	t.Cleanup(srv.Close)
	return store, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func run(t *testing.T, ctx context.Context, out *syncBuffer, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func TestCLI_AddGameAndScore(t *testing.T) {
	store, url := startServer(t)
	ctx := context.Background()

	var out syncBuffer
	require.NoError(t, run(t, ctx, &out, "add-game", "chess", "--url", url))
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)

	raw, err := store.Get(ctx, scoreboard.GamePath(id))
	require.NoError(t, err)
	g, err := feed.Decode[scoreboard.Game](raw)
	require.NoError(t, err)
	assert.Equal(t, "chess", g.Name)

	require.NoError(t, run(t, ctx, &syncBuffer{}, "add-score", id, "ann", "42", "--url", url))
	err = run(t, ctx, &syncBuffer{}, "add-score", id, "ann", "lots", "--url", url)
	assert.ErrorIs(t, err, scoreboard.ErrInvalid)
}

func TestCLI_GamesWatchesLiveChanges(t *testing.T) {
	store, url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(t, ctx, out, "games", "--url", url) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "No games yet.")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Write(ctx, scoreboard.GamePath("g1"), scoreboard.Game{Name: "golf", NLastUpdated: -1}))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "g1  golf")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("games did not stop")
	}
}

func TestCLI_Seed(t *testing.T) {
	store, url := startServer(t)
	out := &syncBuffer{}
	require.NoError(t, run(t, context.Background(), out, "seed", "--games", "2", "--scores", "3", "--seed", "1", "--url", url))

	ids := strings.Fields(out.String())
	require.Len(t, ids, 2)
	assert.Equal(t, 2+2*3*2, store.Stats().Writes, "each score also touches its game")
}

func TestCLI_UnknownBackend(t *testing.T) {
	err := run(t, context.Background(), &syncBuffer{}, "serve", "--backend", "redis")
	assert.Error(t, err)
}
