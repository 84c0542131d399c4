package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/live-mirror/internal/reactive"
	"github.com/zoravur/live-mirror/internal/scoreboard"
	"github.com/zoravur/live-mirror/internal/store/wsstore"
	"github.com/zoravur/live-mirror/internal/tick"
	"github.com/zoravur/live-mirror/pkg/prng"
)

const defaultURL = "ws://localhost:8080/ws"

var errConnectionClosed = errors.New("connection closed")

func (c *cli) bindURL(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.url, "url", defaultURL, "server websocket URL")
}

func (c *cli) dial(ctx context.Context) (*wsstore.Client, error) {
	store, err := wsstore.Dial(ctx, c.url, wsstore.WithLogger(c.log.Named("wsstore")))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return store, nil
}

// writeClient returns a scoreboard client for commands that only write.
func (c *cli) writeClient(ctx context.Context) (*scoreboard.Client, func(), error) {
	store, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	env, err := reactive.NewEnv(store, tick.NewManual(), reactive.WithLogger(c.log))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return scoreboard.New(env, c.log.Named("scoreboard")), func() { store.Close() }, nil
}

// watch mounts a view on a live connection and re-renders it to stdout
// until interrupted or the connection drops.
func (c *cli) watch(ctx context.Context, out io.Writer, view func(*scoreboard.Client) scoreboard.View) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	store, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	loop := tick.NewLoop(0)
	env, err := reactive.NewEnv(store, loop, reactive.WithLogger(c.log))
	if err != nil {
		return err
	}
	client := scoreboard.New(env, c.log.Named("scoreboard"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-store.Done():
			if err := store.Err(); err != nil {
				return err
			}
			return errConnectionClosed
		}
	})
	loop.Post(func() { scoreboard.Mount(env, view(client), out, c.log.Named("screen")) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *cli) gamesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "games",
		Short:   "Watch the most recently active games",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.watch(cmd.Context(), cmd.OutOrStdout(), func(sc *scoreboard.Client) scoreboard.View {
				return scoreboard.GameListView{Client: sc, Limit: limit}
			})
		},
	}
	c.bindURL(cmd)
	cmd.Flags().IntVar(&limit, "limit", scoreboard.DefaultRecentGamesLimit, "number of games to show")
	return cmd
}

func (c *cli) scoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scores <gameId>",
		Short:   "Watch the top scores of a game",
		GroupID: "client",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.watch(cmd.Context(), cmd.OutOrStdout(), func(sc *scoreboard.Client) scoreboard.View {
				return scoreboard.NewScoresView(sc, map[string]string{"gameId": args[0]})
			})
		},
	}
	c.bindURL(cmd)
	return cmd
}

func (c *cli) addGameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add-game <name>",
		Short:   "Create a game",
		GroupID: "client",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, done, err := c.writeClient(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			id, err := sc.AddGame(cmd.Context(), scoreboard.GameParams{Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	c.bindURL(cmd)
	return cmd
}

func (c *cli) addScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add-score <gameId> <username> <value>",
		Short:   "Record a score",
		GroupID: "client",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: score %q is not a number", scoreboard.ErrInvalid, args[2])
			}
			sc, done, err := c.writeClient(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			id, err := sc.AddScore(cmd.Context(), scoreboard.ScoreParams{GameID: args[0], Username: args[1], Value: value})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	c.bindURL(cmd)
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	var (
		games  int
		scores int
		seed   int64
	)
	cmd := &cobra.Command{
		Use:     "seed",
		Short:   "Fill the server with fake games and scores",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, done, err := c.writeClient(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			ids, err := sc.Seed(cmd.Context(), scoreboard.SeedOptions{Games: games, ScoresPerGame: scores, Rand: prng.New(seed)})
			c.log.Info("seeded", zap.Int("games", len(ids)))
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
	c.bindURL(cmd)
	cmd.Flags().IntVar(&games, "games", 5, "games to create")
	cmd.Flags().IntVar(&scores, "scores", 10, "scores per game")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "score value seed")
	return cmd
}
