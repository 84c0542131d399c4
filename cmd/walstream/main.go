// Command walstream reads the documents table's logical replication
// stream through wal2json and fans each message out, newline-delimited,
// to every TCP client. livemirror serve --notify=wal consumes it.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/live-mirror/internal/logutil"
	"github.com/zoravur/live-mirror/internal/wal"
)

func main() {
	var (
		listen   = pflag.String("listen", ":9000", "address clients connect to")
		slot     = pflag.String("slot", "livemirror_slot", "replication slot name")
		tables   = pflag.StringSlice("tables", []string{"*.documents"}, "wal2json add-tables filter")
		retry    = pflag.Duration("retry", 5*time.Second, "delay before reconnecting to postgres")
		logLevel = pflag.String("log-level", "info", "log level")
		logDev   = pflag.Bool("log-dev", false, "human-readable development logging")
	)
	pflag.Parse()

	log, err := logutil.Init(*logLevel, *logDev)
	if err != nil {
		zap.L().Fatal("logger", zap.Error(err))
	}
	defer log.Sync()

	connStr := "host=" + getenv("PGHOST", "postgres") +
		" port=" + getenv("PGPORT", "5432") +
		" user=" + getenv("PGUSER", "postgres") +
		" password=" + getenv("PGPASSWORD", "pass") +
		" dbname=" + getenv("PGDATABASE", "postgres") +
		" replication=database"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal("listen", zap.String("addr", *listen), zap.Error(err))
	}

	b := wal.NewBroadcaster(log)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wal.ReadReplication(ctx, wal.ReaderConfig{ConnString: connStr, Slot: *slot, Tables: *tables}, b, *retry)
	})
	g.Go(func() error { return wal.Serve(ctx, l, b) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("walstream exited", zap.Error(err))
	}
	log.Info("walstream stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
