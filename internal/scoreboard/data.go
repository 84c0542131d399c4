// Package scoreboard is a small high-score application built on the
// reactive engine: games ordered by recent activity, and the top scores
// of each game.
package scoreboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/reactive"
)

const (
	GamesPath  = "/games"
	ScoresPath = "/scores"

	DefaultRecentGamesLimit = 10
	DefaultScoresLimit      = 10
)

var (
	ErrInvalid      = errors.New("invalid input")
	ErrGameNotFound = errors.New("game not found")
)

// Game is stored at /games/{id}. NLastUpdated is the negated unix
// millisecond time of the last activity, so ascending order is most
// recent first.
type Game struct {
	Name         string `json:"name"`
	NLastUpdated int64  `json:"nLastUpdated"`
}

func (g Game) LastUpdated() time.Time { return time.UnixMilli(-g.NLastUpdated) }

// Score is stored at /scores/{gameId}/{id}. Both numbers are negated so
// ascending order is highest score first.
type Score struct {
	Username   string `json:"username"`
	NValue     int64  `json:"nValue"`
	NCreatedOn int64  `json:"nCreatedOn"`
}

func (s Score) Value() int64 { return -s.NValue }

func (s Score) CreatedOn() time.Time { return time.UnixMilli(-s.NCreatedOn) }

type GameQ struct {
	GameID string
}

type RecentGamesQ struct {
	Limit int
}

type ScoresQ struct {
	GameID string
	Limit  int
}

type GameParams struct {
	Name string
}

type ScoreParams struct {
	GameID   string
	Username string
	Value    int64
}

// Validate mirrors the new-score form: a username and a non-zero score.
func (p ScoreParams) Validate() error {
	switch {
	case strings.TrimSpace(p.GameID) == "":
		return fmt.Errorf("%w: game id is required", ErrInvalid)
	case strings.TrimSpace(p.Username) == "":
		return fmt.Errorf("%w: username is required", ErrInvalid)
	case p.Value == 0:
		return fmt.Errorf("%w: score must be non-zero", ErrInvalid)
	}
	return nil
}

func GamePath(id string) string { return feed.JoinPath(GamesPath, id) }

func GameScoresPath(gameID string) string { return feed.JoinPath(ScoresPath, gameID) }

// Client exposes the scoreboard queries as descriptor factories and the
// writes as plain methods.
type Client struct {
	env   *reactive.Env
	store feed.Store
	log   *zap.Logger

	game        *reactive.ValueSource[GameQ, Game]
	recentGames *reactive.ListSource[RecentGamesQ, Game]
	topScores   *reactive.ListSource[ScoresQ, Score]
}

func New(env *reactive.Env, log *zap.Logger) *Client {
	if log == nil {
		log = zap.L().Named("scoreboard")
	}
	c := &Client{env: env, store: env.Store(), log: log}

	c.game = reactive.AsValue[GameQ, Game](env, "game", func(q GameQ) string {
		return GamePath(q.GameID)
	})
	c.recentGames = reactive.AsList[RecentGamesQ, Game](env, "recentGames", func(q RecentGamesQ) feed.RangeQuery {
		return feed.RangeQuery{Path: GamesPath, OrderBy: "nLastUpdated", Limit: orDefault(q.Limit, DefaultRecentGamesLimit)}
	})
	c.topScores = reactive.AsList[ScoresQ, Score](env, "topScores", func(q ScoresQ) feed.RangeQuery {
		return feed.RangeQuery{Path: GameScoresPath(q.GameID), OrderBy: "nValue", Limit: orDefault(q.Limit, DefaultScoresLimit)}
	})
	return c
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// GetGame watches a single game. The snapshot data is nil when the game
// does not exist.
func (c *Client) GetGame(q GameQ) reactive.Descriptor { return c.game.Query(q) }

// GetMostRecentGames watches the most recently active games.
func (c *Client) GetMostRecentGames(q RecentGamesQ) reactive.Descriptor {
	return c.recentGames.Query(q)
}

// GetTopScoresForGame watches the highest scores of one game.
func (c *Client) GetTopScoresForGame(q ScoresQ) reactive.Descriptor {
	return c.topScores.Query(q)
}

func (c *Client) now() int64 { return c.env.Now().UnixMilli() }

// AddGame stores a new game under a fresh push key and returns the key.
func (c *Client) AddGame(ctx context.Context, p GameParams) (string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return "", fmt.Errorf("%w: game name is required", ErrInvalid)
	}
	id := feed.NewKey()
	if err := c.store.Write(ctx, GamePath(id), Game{Name: name, NLastUpdated: -c.now()}); err != nil {
		return "", fmt.Errorf("add game: %w", err)
	}
	c.log.Info("game added", zap.String("game", id), zap.String("name", name))
	return id, nil
}

// AddScore records a score and bumps the game's last-updated time. The
// game is touched transactionally first, so a score is never stored for a
// game that does not exist.
func (c *Client) AddScore(ctx context.Context, p ScoreParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	now := c.now()

	err := c.store.TransactionalUpdate(ctx, GamePath(p.GameID), func(current json.RawMessage) (any, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, p.GameID)
		}
		// only the timestamp changes; other fields pass through untouched
		g, err := feed.Decode[map[string]json.RawMessage](current)
		if err != nil {
			return nil, err
		}
		if g["nLastUpdated"], err = feed.Encode(-now); err != nil {
			return nil, err
		}
		return g, nil
	})
	if err != nil {
		return "", fmt.Errorf("add score: %w", err)
	}

	id := feed.NewKey()
	score := Score{Username: strings.TrimSpace(p.Username), NValue: -p.Value, NCreatedOn: -now}
	if err := c.store.Write(ctx, feed.JoinPath(GameScoresPath(p.GameID), id), score); err != nil {
		return "", fmt.Errorf("add score: %w", err)
	}
	c.log.Info("score added",
		zap.String("game", p.GameID),
		zap.String("username", score.Username),
		zap.Int64("value", p.Value))
	return id, nil
}
