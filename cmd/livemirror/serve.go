package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/app"
	"github.com/zoravur/live-mirror/internal/store/pgstore"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the websocket server",
		GroupID: "server",
		Long: `Run the websocket server against an in-memory or postgres document store.

Examples:
  livemirror serve
  livemirror serve --backend postgres --notify wal --wal-addr localhost:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			srv, err := app.NewServer(ctx, c.cfg, c.log)
			if err != nil {
				return err
			}
			if err := srv.Run(ctx); err != nil {
				c.log.Error("server exited", zap.Error(err))
				return err
			}
			return nil
		},
	}
	c.cfg.BindServer(cmd.Flags())
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "migrate",
		Short:   "Apply database migrations",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("postgres", c.cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := pgstore.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			c.log.Info("migrations applied")
			return nil
		},
	}
	c.cfg.BindDatabase(cmd.Flags())
	return cmd
}
