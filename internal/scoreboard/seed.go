package scoreboard

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-faker/faker/v4"
)

const maxSeedScore = 1000

type fakeGame struct {
	Name string `faker:"word"`
}

type fakePlayer struct {
	Username string `faker:"username"`
}

// SeedOptions controls Seed. Rand drives the score values, so a
// deterministic reader gives reproducible scores.
type SeedOptions struct {
	Games         int
	ScoresPerGame int
	Rand          io.Reader
}

// Seed fills the store with fake games and scores and returns the new
// game ids.
func (c *Client) Seed(ctx context.Context, o SeedOptions) ([]string, error) {
	ids := make([]string, 0, o.Games)
	for range o.Games {
		var g fakeGame
		if err := faker.FakeData(&g); err != nil {
			return ids, fmt.Errorf("fake game: %w", err)
		}
		id, err := c.AddGame(ctx, GameParams{Name: g.Name})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)

		for range o.ScoresPerGame {
			var p fakePlayer
			if err := faker.FakeData(&p); err != nil {
				return ids, fmt.Errorf("fake player: %w", err)
			}
			v, err := seedValue(o.Rand)
			if err != nil {
				return ids, err
			}
			if _, err := c.AddScore(ctx, ScoreParams{GameID: id, Username: p.Username, Value: v}); err != nil {
				return ids, err
			}
		}
	}
	return ids, nil
}

func seedValue(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("seed value: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])%maxSeedScore) + 1, nil
}
