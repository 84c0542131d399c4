// Package app assembles the websocket server from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/live-mirror/internal/api"
	"github.com/zoravur/live-mirror/internal/config"
	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/protocol"
	"github.com/zoravur/live-mirror/internal/store/memstore"
	"github.com/zoravur/live-mirror/internal/store/pgstore"
	"github.com/zoravur/live-mirror/internal/wal"
)

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	httpServer *http.Server
	Registry   *protocol.Registry
	Store      feed.Store

	background func(ctx context.Context) error
	close      func()
}

// NewServer builds the store the configuration names and the HTTP server
// in front of it. Nothing runs until Run or Serve.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.L()
	}
	s := &Server{cfg: cfg, log: log, Registry: protocol.NewRegistry(), close: func() {}}

	switch cfg.Backend {
	case config.BackendMemory:
		s.Store = memstore.New(memstore.WithLogger(log.Named("memstore")))

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := pgstore.New(pool, notifier(cfg, log), pgstore.WithLogger(log.Named("pgstore")))
		s.Store = store
		s.background = store.Run
		s.close = pool.Close
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: api.SetupRoutes(s.Store, s.Registry),
	}
	return s, nil
}

func notifier(cfg config.Config, log *zap.Logger) pgstore.Notifier {
	if cfg.Notify == config.NotifyWAL {
		return &wal.Notifier{Addr: cfg.WALAddr, Table: pgstore.DefaultTable, Log: log.Named("wal")}
	}
	n := pgstore.NewPQNotifier(cfg.Database)
	n.Log = log.Named("pq-listener")
	return n
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then shuts down gracefully within
// the configured timeout and releases the store.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", l.Addr().String()), zap.String("backend", s.cfg.Backend))
		if err := s.httpServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.background != nil {
		g.Go(func() error { return s.background(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
