// Package pgstore is a feed.Store backed by a Postgres documents table.
// Writes are plain upserts; a trigger publishes the changed collection on
// LISTEN/NOTIFY (or the change reaches us through logical replication), and
// every open subscription on that collection re-runs its query and emits
// the difference.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

const (
	logMsgRefreshFailed = "refresh query failed, failing subscription"
	logMsgListenStopped = "change listener stopped"
	logMsgRefreshAll    = "refreshing every collection"
	logAttrCollection   = "collection"
)

// Notifier reports collections whose documents changed. Listen blocks until
// ctx is done, calling fn from a single goroutine. An empty collection means
// changes may have been missed and everything should be re-read.
type Notifier interface {
	Listen(ctx context.Context, fn func(collection string)) error
}

// Store is safe for concurrent use. Events for one subscription are never
// delivered concurrently.
type Store struct {
	pool     *pgxpool.Pool
	q        queries
	notifier Notifier
	log      *zap.Logger

	mu      sync.Mutex
	watches map[string]map[*watch]struct{} // collection -> open subscriptions
	closed  bool
}

type config struct {
	table string
	log   *zap.Logger
}

// Option configures a Store.
type Option func(*config)

// WithTable overrides the documents table name.
func WithTable(name string) Option { return func(c *config) { c.table = name } }

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.log = l } }

// New returns a store over pool. Changes are only pushed to subscribers
// while Run is running.
func New(pool *pgxpool.Pool, notifier Notifier, options ...Option) *Store {
	cfg := config{table: DefaultTable}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.L().Named("pgstore")
	}
	return &Store{
		pool:     pool,
		q:        newQueries(cfg.table),
		notifier: notifier,
		log:      cfg.log,
		watches:  make(map[string]map[*watch]struct{}),
	}
}

// Run listens for changes until ctx is done, then fails every open
// subscription with feed.ErrClosed.
func (s *Store) Run(ctx context.Context) error {
	err := s.notifier.Listen(ctx, func(collection string) {
		if collection == "" {
			s.log.Info(logMsgRefreshAll)
			s.refreshAll(ctx)
			return
		}
		s.refresh(ctx, collection)
	})
	s.log.Info(logMsgListenStopped, zap.Error(err))
	s.close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watch is one open subscription. mu serialises its queries and events.
type watch struct {
	mu       sync.Mutex
	canceled bool

	collection string
	key        string // value watches
	value      json.RawMessage
	vsink      feed.ValueSink

	query  feed.RangeQuery // range watches
	window []feed.Entry
	rsink  feed.RangeSink
}

func (w *watch) fail(err error) {
	if w.vsink != nil {
		w.vsink.Fail(err)
	} else {
		w.rsink.Fail(err)
	}
}

func (s *Store) SubscribeValue(path string, sink feed.ValueSink) (feed.Subscription, error) {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return nil, err
	}
	w := &watch{collection: collection, key: key, vsink: sink}
	return s.open(w, func(ctx context.Context) error {
		raw, err := s.get(ctx, collection, key)
		if err != nil {
			return err
		}
		w.value = raw
		sink.Value(raw)
		return nil
	})
}

func (s *Store) SubscribeRange(q feed.RangeQuery, sink feed.RangeSink) (feed.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	collection, _ := feed.CleanPath(q.Path)
	w := &watch{collection: collection, query: q, rsink: sink}
	return s.open(w, func(ctx context.Context) error {
		window, err := s.window(ctx, collection, q)
		if err != nil {
			return err
		}
		w.window = window
		feed.Load(window, sink)
		return nil
	})
}

// open registers w and runs its initial load. Registration happens first,
// under w.mu, so a change racing the load is picked up by a later refresh.
func (s *Store) open(w *watch, load func(context.Context) error) (feed.Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, feed.ErrClosed
	}
	if s.watches[w.collection] == nil {
		s.watches[w.collection] = make(map[*watch]struct{})
	}
	s.watches[w.collection][w] = struct{}{}
	s.mu.Unlock()

	if err := load(context.Background()); err != nil {
		s.forget(w)
		return nil, err
	}

	return feed.SubscriptionFunc(func() {
		w.mu.Lock()
		w.canceled = true
		w.mu.Unlock()
		s.forget(w)
	}), nil
}

func (s *Store) forget(w *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches[w.collection], w)
	if len(s.watches[w.collection]) == 0 {
		delete(s.watches, w.collection)
	}
}

func (s *Store) watchers(collection string) []*watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*watch, 0, len(s.watches[collection]))
	for w := range s.watches[collection] {
		out = append(out, w)
	}
	return out
}

func (s *Store) refreshAll(ctx context.Context) {
	s.mu.Lock()
	collections := make([]string, 0, len(s.watches))
	for c := range s.watches {
		collections = append(collections, c)
	}
	s.mu.Unlock()

	for _, c := range collections {
		s.refresh(ctx, c)
	}
}

// refresh re-reads every subscription on collection and emits what changed.
func (s *Store) refresh(ctx context.Context, collection string) {
	for _, w := range s.watchers(collection) {
		if err := s.refreshWatch(ctx, w); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn(logMsgRefreshFailed, zap.String(logAttrCollection, collection), zap.Error(err))
			s.forget(w)
			w.fail(err)
		}
	}
}

func (s *Store) refreshWatch(ctx context.Context, w *watch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.canceled {
		return nil
	}

	if w.vsink != nil {
		raw, err := s.get(ctx, w.collection, w.key)
		if err != nil {
			return err
		}
		if bytes.Equal(raw, w.value) {
			return nil
		}
		w.value = raw
		w.vsink.Value(raw)
		return nil
	}

	next, err := s.window(ctx, w.collection, w.query)
	if err != nil {
		return err
	}
	feed.Diff(w.window, next, w.rsink)
	w.window = next
	return nil
}

func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	var all []*watch
	for _, ws := range s.watches {
		for w := range ws {
			all = append(all, w)
		}
	}
	clear(s.watches)
	s.mu.Unlock()

	for _, w := range all {
		w.mu.Lock()
		if !w.canceled {
			w.canceled = true
			w.fail(feed.ErrClosed)
		}
		w.mu.Unlock()
	}
}

// Get returns the value stored at path, or nil.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, collection, key)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	return s.getWith(ctx, s.pool, collection, key, false)
}

func (s *Store) getWith(ctx context.Context, db querier, collection, key string, forUpdate bool) (json.RawMessage, error) {
	build := s.q.selectValue
	if forUpdate {
		build = s.q.selectValueForUpdate
	}
	sql, args, err := build(collection, key)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := db.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return raw, nil
}

func (s *Store) window(ctx context.Context, collection string, q feed.RangeQuery) ([]feed.Entry, error) {
	sql, args, err := s.q.window(collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("window %s: %w", collection, err)
	}

	window, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (feed.Entry, error) {
		var e feed.Entry
		var raw []byte
		if err := row.Scan(&e.Key, &raw); err != nil {
			return e, err
		}
		e.Value = raw
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("window %s: %w", collection, err)
	}
	return window, nil
}

// Write stores value at path; a nil value deletes it.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := feed.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.put(ctx, s.pool, collection, key, raw)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) put(ctx context.Context, db execer, collection, key string, raw json.RawMessage) error {
	var (
		sql  string
		args []any
		err  error
	)
	if raw == nil {
		sql, args, err = s.q.delete(collection, key)
	} else {
		sql, args, err = s.q.upsert(collection, key, raw)
	}
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, key, err)
	}
	return nil
}

// TransactionalUpdate runs fn inside a transaction holding a lock on path,
// so concurrent updates of the same path apply one after another.
func (s *Store) TransactionalUpdate(ctx context.Context, path string, fn feed.UpdateFunc) error {
	collection, key, err := feed.SplitPath(path)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sql, args, err := s.q.lock(feed.JoinPath(collection, key))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("lock %s: %w", path, err)
		}

		current, err := s.getWith(ctx, tx, collection, key, true)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := feed.Encode(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		return s.put(ctx, tx, collection, key, raw)
	})
}
