package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/config"
	"github.com/zoravur/live-mirror/internal/logutil"
)

// cli is the state shared by every subcommand.
type cli struct {
	cfg config.Config
	url string
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cfg, envErr := config.FromEnv()
	c.cfg = cfg

	root := &cobra.Command{
		Use:          "livemirror",
		Short:        "Live document mirror server and scoreboard client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			log, err := logutil.Init(c.cfg.LogLevel, c.cfg.LogDev)
			if err != nil {
				return err
			}
			c.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	c.cfg.BindLogging(root.PersistentFlags())

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "client", Title: "Scoreboard Commands:"},
	)
	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.gamesCmd(),
		c.scoresCmd(),
		c.addGameCmd(),
		c.addScoreCmd(),
		c.seedCmd(),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
