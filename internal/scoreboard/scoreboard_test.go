package scoreboard_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/reactive"
	"github.com/zoravur/live-mirror/internal/scoreboard"
	"github.com/zoravur/live-mirror/internal/store/memstore"
	"github.com/zoravur/live-mirror/internal/tick"
	"github.com/zoravur/live-mirror/pkg/prng"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store  *memstore.Store
	sched  *tick.Manual
	env    *reactive.Env
	clock  *clock
	client *scoreboard.Client
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupOn(t, memstore.New())
}

func setupOn(t *testing.T, store *memstore.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: store,
		sched: tick.NewManual(),
		clock: &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env, err := reactive.NewEnv(store, f.sched,
		reactive.WithClock(f.clock.now),
		reactive.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	f.env = env
	f.client = scoreboard.New(env, zaptest.NewLogger(t))
	return f
}

func (f *fixture) addGame(t *testing.T, name string) string {
	t.Helper()
	f.clock.advance(time.Second)
	id, err := f.client.AddGame(context.Background(), scoreboard.GameParams{Name: name})
	require.NoError(t, err)
	return id
}

func (f *fixture) addScore(t *testing.T, gameID, user string, v int64) {
	t.Helper()
	f.clock.advance(time.Second)
	_, err := f.client.AddScore(context.Background(), scoreboard.ScoreParams{GameID: gameID, Username: user, Value: v})
	require.NoError(t, err)
}

func TestAddGame_StoresNegatedTimestamp(t *testing.T) {
	f := setup(t)
	id := f.addGame(t, "  chess ")

	raw, err := f.store.Get(context.Background(), scoreboard.GamePath(id))
	require.NoError(t, err)
	g, err := feed.Decode[scoreboard.Game](raw)
	require.NoError(t, err)

	assert.Equal(t, "chess", g.Name)
	assert.Equal(t, -f.clock.t.UnixMilli(), g.NLastUpdated)
	assert.True(t, g.LastUpdated().Equal(f.clock.t))
}

func TestAddGame_RequiresName(t *testing.T) {
	f := setup(t)
	_, err := f.client.AddGame(context.Background(), scoreboard.GameParams{Name: " "})
	assert.ErrorIs(t, err, scoreboard.ErrInvalid)
	assert.Zero(t, f.store.Stats().Writes)
}

func TestAddScore_Validation(t *testing.T) {
	tests := []struct {
		name string
		p    scoreboard.ScoreParams
	}{
		{"no game", scoreboard.ScoreParams{Username: "ann", Value: 3}},
		{"no username", scoreboard.ScoreParams{GameID: "g", Value: 3}},
		{"zero score", scoreboard.ScoreParams{GameID: "g", Username: "ann"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.p.Validate(), scoreboard.ErrInvalid)
		})
	}
	assert.NoError(t, scoreboard.ScoreParams{GameID: "g", Username: "ann", Value: -4}.Validate())
}

func TestAddScore_UnknownGameStoresNothing(t *testing.T) {
	f := setup(t)
	_, err := f.client.AddScore(context.Background(), scoreboard.ScoreParams{GameID: "missing", Username: "ann", Value: 3})
	assert.ErrorIs(t, err, scoreboard.ErrGameNotFound)
	assert.Zero(t, f.store.Stats().Writes)
}

func TestAddScore_KeepsUnknownGameFields(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.store.Write(ctx, scoreboard.GamePath("g1"), map[string]any{
		"name":         "chess",
		"nLastUpdated": int64(-1),
		"owner":        map[string]string{"id": "u7"},
		"tags":         []string{"board", "classic"},
	}))

	f.addScore(t, "g1", "ann", 3)

	raw, err := f.store.Get(ctx, scoreboard.GamePath("g1"))
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{
		"name": "chess",
		"nLastUpdated": %d,
		"owner": {"id": "u7"},
		"tags": ["board", "classic"]
	}`, -f.clock.t.UnixMilli()), string(raw))
}

func TestMostRecentGames_OrderedByActivity(t *testing.T) {
	f := setup(t)
	chess := f.addGame(t, "chess")
	f.addGame(t, "golf")

	m := f.client.GetMostRecentGames(scoreboard.RecentGamesQ{})
	reg := reactive.NewRegistry()
	defer reg.Close()
	reg.Declare(map[string]reactive.Descriptor{"games": m})

	names := func() []string {
		snap, err := reactive.Lookup[[]reactive.ListItem[scoreboard.Game]](reg, "games")
		require.NoError(t, err)
		require.NotNil(t, snap)
		var out []string
		for _, it := range snap.Data {
			out = append(out, it.Value.Name)
		}
		return out
	}
	assert.Equal(t, []string{"golf", "chess"}, names())

	f.addScore(t, chess, "ann", 10)
	assert.Equal(t, []string{"chess", "golf"}, names(), "a new score bumps the game")
}

func TestTopScores_HighestFirstAndLimited(t *testing.T) {
	f := setup(t)
	id := f.addGame(t, "chess")
	for i := int64(1); i <= 12; i++ {
		f.addScore(t, id, "p", i*10)
	}

	reg := reactive.NewRegistry()
	defer reg.Close()
	reg.Declare(map[string]reactive.Descriptor{
		"scores": f.client.GetTopScoresForGame(scoreboard.ScoresQ{GameID: id}),
	})
	snap, err := reactive.Lookup[[]reactive.ListItem[scoreboard.Score]](reg, "scores")
	require.NoError(t, err)
	require.Len(t, snap.Data, scoreboard.DefaultScoresLimit)
	assert.Equal(t, int64(120), snap.Data[0].Value.Value())
	assert.Equal(t, int64(30), snap.Data[9].Value.Value())
}

func TestDescriptorsAreEquivalentForEqualParams(t *testing.T) {
	f := setup(t)
	a := f.client.GetGame(scoreboard.GameQ{GameID: "x"})
	assert.True(t, a.Equivalent(f.client.GetGame(scoreboard.GameQ{GameID: "x"})))
	assert.False(t, a.Equivalent(f.client.GetGame(scoreboard.GameQ{GameID: "y"})))
	assert.False(t, a.Equivalent(scoreboard.New(f.env, nil).GetGame(scoreboard.GameQ{GameID: "x"})),
		"a different client is a different source")
}

func TestGameListView_Render(t *testing.T) {
	f := setup(t)
	var out bytes.Buffer
	s := scoreboard.Mount(f.env, scoreboard.GameListView{Client: f.client}, &out, zaptest.NewLogger(t))
	defer s.Unmount()

	frame, err := scoreboard.Frame(scoreboard.GameListView{Client: f.client}, s.Registry())
	require.NoError(t, err)
	assert.Equal(t, "No games yet.\n", frame)

	id := f.addGame(t, "chess")
	f.sched.Flush()

	frame, err = scoreboard.Frame(scoreboard.GameListView{Client: f.client}, s.Registry())
	require.NoError(t, err)
	assert.Equal(t, id+"  chess\n", frame)
	assert.True(t, strings.HasSuffix(out.String(), id+"  chess\n\n"))
}

func TestScoresView_Render(t *testing.T) {
	f := setup(t)
	id := f.addGame(t, "chess")
	f.addScore(t, id, "alice", 5)
	f.addScore(t, id, "bob", 50)
	f.addScore(t, id, "carol", 20)

	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"no game id", nil, "Not found.\n"},
		{"unknown game", map[string]string{"gameId": "nope"}, "Not found.\n"},
		{"scores", map[string]string{"gameId": id}, "# chess\nbob | 50\ncarol | 20\nalice | 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := scoreboard.NewScoresView(f.client, tt.params)
			reg := reactive.NewRegistry()
			defer reg.Close()
			reg.Declare(v.Queries())

			frame, err := scoreboard.Frame(v, reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame)
		})
	}
}

// silent never delivers anything.
type silent struct{}

func (silent) SubscribeValue(string, feed.ValueSink) (feed.Subscription, error) {
	return feed.SubscriptionFunc(func() {}), nil
}

func (silent) SubscribeRange(feed.RangeQuery, feed.RangeSink) (feed.Subscription, error) {
	return feed.SubscriptionFunc(func() {}), nil
}

func (silent) Write(context.Context, string, any) error { return nil }

func (silent) TransactionalUpdate(context.Context, string, feed.UpdateFunc) error { return nil }

func TestViews_LoadingUntilDelivered(t *testing.T) {
	env, err := reactive.NewEnv(silent{}, tick.NewManual())
	require.NoError(t, err)
	c := scoreboard.New(env, zaptest.NewLogger(t))

	var out bytes.Buffer
	s := scoreboard.Mount(env, scoreboard.GameListView{Client: c}, &out, zaptest.NewLogger(t))
	assert.Equal(t, "Loading...\n\n", out.String())
	s.Unmount()

	out.Reset()
	s = scoreboard.Mount(env, scoreboard.NewScoresView(c, map[string]string{"gameId": "g"}), &out, zaptest.NewLogger(t))
	assert.Equal(t, "Loading...\n\n", out.String())
	s.Unmount()
}

func TestViews_RenderErrors(t *testing.T) {
	f := setup(t)
	f.store.InjectFailure(scoreboard.GamesPath, feed.ErrClosed)

	v := scoreboard.GameListView{Client: f.client}
	reg := reactive.NewRegistry()
	defer reg.Close()
	reg.Declare(v.Queries())

	frame, err := scoreboard.Frame(v, reg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frame, "Error: "), frame)
}

func TestScreen_OneFramePerTick(t *testing.T) {
	f := setup(t)
	id := f.addGame(t, "chess")

	var out bytes.Buffer
	s := scoreboard.Mount(f.env, scoreboard.NewScoresView(f.client, map[string]string{"gameId": id}), &out, zaptest.NewLogger(t))
	defer s.Unmount()
	f.sched.Flush()
	before := s.Frames()

	f.addScore(t, id, "alice", 1)
	f.addScore(t, id, "bob", 2)
	f.addScore(t, id, "carol", 3)
	assert.Equal(t, before, s.Frames(), "nothing renders before the tick ends")

	f.sched.Flush()
	assert.Equal(t, before+1, s.Frames())
	assert.True(t, strings.HasSuffix(out.String(), "# chess\ncarol | 3\nbob | 2\nalice | 1\n\n"), out.String())
}

func TestScreen_RefreshKeepsEquivalentQueries(t *testing.T) {
	f := setup(t)
	v := &scoreboard.GameListView{Client: f.client}
	s := scoreboard.Mount(f.env, v, &bytes.Buffer{}, zaptest.NewLogger(t))
	defer s.Unmount()

	assert.Equal(t, reactive.ReconcileStats{Kept: 1}, s.Refresh())

	v.Limit = 3
	assert.Equal(t, reactive.ReconcileStats{Attached: 1, Detached: 1}, s.Refresh())
	f.sched.Flush()
	assert.Equal(t, 1, f.store.Stats().Cancels)
}

func TestSeed(t *testing.T) {
	f := setup(t)
	ids, err := f.client.Seed(context.Background(), scoreboard.SeedOptions{Games: 3, ScoresPerGame: 4, Rand: prng.New(42)})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for _, id := range ids {
		reg := reactive.NewRegistry()
		reg.Declare(map[string]reactive.Descriptor{
			"scores": f.client.GetTopScoresForGame(scoreboard.ScoresQ{GameID: id}),
		})
		snap, err := reactive.Lookup[[]reactive.ListItem[scoreboard.Score]](reg, "scores")
		require.NoError(t, err)
		require.Len(t, snap.Data, 4)
		for i, it := range snap.Data {
			assert.NotEmpty(t, it.Value.Username)
			assert.True(t, it.Value.Value() >= 1 && it.Value.Value() <= 1000)
			if i > 0 {
				assert.LessOrEqual(t, it.Value.Value(), snap.Data[i-1].Value.Value())
			}
		}
		reg.Close()
	}
}
