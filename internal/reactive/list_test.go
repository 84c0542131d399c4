package reactive_test

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/reactive"
	"github.com/zoravur/live-mirror/internal/store/memstore"
	"github.com/zoravur/live-mirror/internal/tick"
)

var gamesQuery = feed.RangeQuery{Path: "/games", OrderBy: "score", Limit: 10}

func TestListMirror_LoadsInPrevKeyOrder(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{Name: "A", Score: 1}), "")
	sink.Insert("b", raw(t, game{Name: "B", Score: 2}), "a")
	sink.Insert("c", raw(t, game{Name: "C", Score: 3}), "b")

	assert.Empty(t, rec.snaps, "nothing is emitted before the window loads")
	assert.False(t, m.Ready())

	sink.Loaded()
	require.Len(t, rec.snaps, 1)
	assert.True(t, m.Ready())
	assert.Equal(t, []string{"a", "b", "c"}, keys(rec.last(t)))
	assert.Equal(t, "B", rec.last(t)[1].Value.Name)
	assert.Equal(t, epoch, rec.snaps[0].EmittedAt)

	sink.Loaded()
	assert.Len(t, rec.snaps, 1, "a second loaded signal is ignored")
}

func TestListMirror_InsertAfterMiddleKey(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{}), "")
	sink.Insert("c", raw(t, game{}), "a")
	sink.Insert("b", raw(t, game{}), "a")
	sink.Insert("z", raw(t, game{}), "")
	sink.Loaded()

	assert.Equal(t, []string{"z", "a", "b", "c"}, keys(rec.last(t)))
}

func TestListMirror_MoveToTail(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{}), "")
	sink.Insert("b", raw(t, game{}), "a")
	sink.Insert("c", raw(t, game{}), "b")
	sink.Loaded()

	sink.Move("a", "c")
	require.Len(t, rec.snaps, 2)
	assert.Equal(t, []string{"b", "c", "a"}, keys(rec.last(t)))

	sink.Move("a", "")
	assert.Equal(t, []string{"a", "b", "c"}, keys(rec.last(t)))
}

func TestListMirror_RemoveAndUpdate(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{Name: "A"}), "")
	sink.Insert("b", raw(t, game{Name: "B"}), "a")
	sink.Loaded()

	sink.Update("b", raw(t, game{Name: "B2", Score: 7}))
	assert.Equal(t, game{Name: "B2", Score: 7}, rec.last(t)[1].Value)

	sink.Remove("a")
	assert.Equal(t, []string{"b"}, keys(rec.last(t)))

	// unknown keys leave the list alone
	sink.Remove("a")
	sink.Update("nope", raw(t, game{}))
	sink.Move("nope", "b")
	assert.Equal(t, []string{"b"}, keys(rec.last(t)))
	assert.Empty(t, rec.errs)
}

func TestListMirror_DuplicateInsertUpdatesInPlace(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{Name: "A"}), "")
	sink.Insert("b", raw(t, game{Name: "B"}), "a")
	sink.Loaded()
	sink.Insert("a", raw(t, game{Name: "A2"}), "b")

	got := rec.last(t)
	assert.Equal(t, []string{"a", "b"}, keys(got))
	assert.Equal(t, "A2", got[0].Value.Name)
}

func TestListMirror_ReversedPresentsDescending(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery, reactive.Reversed())
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{Name: "A"}), "")
	sink.Insert("b", raw(t, game{Name: "B"}), "a")
	sink.Insert("c", raw(t, game{Name: "C"}), "b")
	sink.Loaded()
	assert.Equal(t, []string{"c", "b", "a"}, keys(rec.last(t)))

	sink.Update("b", raw(t, game{Name: "B2"}))
	got := rec.last(t)
	assert.Equal(t, []string{"c", "b", "a"}, keys(got))
	assert.Equal(t, "B2", got[1].Value.Name)

	// the working order is still ascending: "after c" is the tail
	sink.Insert("d", raw(t, game{Name: "D"}), "c")
	assert.Equal(t, []string{"d", "c", "b", "a"}, keys(rec.last(t)))
}

func TestListMirror_SnapshotsAreIsolated(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", raw(t, game{Name: "A"}), "")
	sink.Insert("b", raw(t, game{Name: "B"}), "a")
	sink.Loaded()

	first := rec.last(t)
	first[0].Value.Name = "mutated"
	first[1] = reactive.ListItem[game]{Key: "x"}

	assert.Equal(t, []string{"a", "b"}, keys(m.Last().Data))
	assert.Equal(t, "A", m.Last().Data[0].Value.Name)

	sink.Update("b", raw(t, game{Name: "B2"}))
	second := rec.last(t)
	assert.Equal(t, "A", second[0].Value.Name)
	assert.Equal(t, "b", second[1].Key)
	assert.Equal(t, "x", first[1].Key, "an earlier snapshot is not rewritten")
}

func TestListMirror_EmptyWindowEmitsEmptySnapshot(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	assert.Nil(t, m.Last())
	store.rangeSink(t, "/games").Loaded()

	require.Len(t, rec.snaps, 1)
	assert.NotNil(t, rec.snaps[0].Data)
	assert.Empty(t, rec.snaps[0].Data)
}

func TestListMirror_DecodeErrorIsReported(t *testing.T) {
	store := newScripted()
	env, _ := newEnv(t, store)

	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, gamesQuery)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	sink := store.rangeSink(t, "/games")
	sink.Insert("a", []byte(`"not an object"`), "")
	sink.Loaded()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], reactive.ErrDecode)
	assert.Equal(t, []string{"a"}, keys(rec.last(t)))
}

func TestListMirror_FollowsStoreOrder_Randomized(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	env, _ := newEnv(t, store)

	q := feed.RangeQuery{Path: "/games", OrderBy: "score", Limit: 5}
	m := reactive.NewListMirror[game](env, reactive.Descriptor{}, q)
	rec := &recorder[[]reactive.ListItem[game]]{}
	m.Attach(rec.cb)

	model := map[string]int{}
	expected := func() []string {
		ks := append([]string{}, slices.Collect(maps.Keys(model))...)
		slices.SortFunc(ks, func(a, b string) int {
			if c := cmp.Compare(model[a], model[b]); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		})
		if len(ks) > q.Limit {
			ks = ks[:q.Limit]
		}
		return ks
	}

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(12))
		if rng.Intn(4) == 0 {
			delete(model, key)
			require.NoError(t, store.Write(ctx, "/games/"+key, nil))
		} else {
			score := rng.Intn(20)
			model[key] = score
			require.NoError(t, store.Write(ctx, "/games/"+key, game{Name: key, Score: score}))
		}

		got := keys(rec.last(t))
		require.Equal(t, expected(), got, "after write %d", i)
		for _, it := range rec.last(t) {
			assert.Equal(t, model[it.Key], it.Value.Score)
		}
	}
}

func TestListMirror_LargeWindowOnLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 300
	store := memstore.New()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Write(ctx, fmt.Sprintf("/games/g%03d", i), game{Name: "g", Score: i}))
	}

	loop := tick.NewLoop(0)
	env, err := reactive.NewEnv(store, loop, reactive.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	go func() { _ = loop.Run(ctx) }()

	sizes := make(chan int, 4)
	loop.Post(func() {
		q := feed.RangeQuery{Path: "/games", OrderBy: "score", Limit: n}
		m := reactive.NewListMirror[game](env, reactive.Descriptor{}, q)
		m.Attach(func(snap *reactive.Snapshot[[]reactive.ListItem[game]], err error) {
			if err == nil {
				sizes <- len(snap.Data)
			}
		})
	})

	select {
	case got := <-sizes:
		assert.Equal(t, n, got)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "window never loaded")
	}
}
