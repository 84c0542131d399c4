package scoreboard

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/reactive"
)

const (
	textLoading  = "Loading..."
	textNotFound = "Not found."
	textNoGames  = "No games yet."
	textNoScores = "No scores yet."
)

// View declares the queries it needs and renders their latest results as
// text. Queries is re-evaluated on every Refresh; equivalent declarations
// keep their subscriptions.
type View interface {
	Queries() map[string]reactive.Descriptor
	Render(w io.Writer, reg *reactive.Registry) error
}

// GameListView lists the most recently active games.
type GameListView struct {
	Client *Client
	Limit  int
}

func (v GameListView) Queries() map[string]reactive.Descriptor {
	return map[string]reactive.Descriptor{
		"games": v.Client.GetMostRecentGames(RecentGamesQ{Limit: v.Limit}),
	}
}

func (v GameListView) Render(w io.Writer, reg *reactive.Registry) error {
	games, err := reactive.Lookup[[]reactive.ListItem[Game]](reg, "games")
	switch {
	case err != nil:
		return line(w, "Error: %v", err)
	case games == nil:
		return line(w, textLoading)
	case len(games.Data) == 0:
		return line(w, textNoGames)
	}
	for _, it := range games.Data {
		if err := line(w, "%s  %s", it.Key, it.Value.Name); err != nil {
			return err
		}
	}
	return nil
}

// ScoresView shows one game and its top scores.
type ScoresView struct {
	Client *Client
	params *GameQ
}

// NewScoresView picks the game id out of route params. Without one the
// view declares nothing and renders as not found.
func NewScoresView(c *Client, params map[string]string) *ScoresView {
	v := &ScoresView{Client: c}
	if id := strings.TrimSpace(params["gameId"]); id != "" {
		v.params = &GameQ{GameID: id}
	}
	return v
}

func (v *ScoresView) Queries() map[string]reactive.Descriptor {
	if v.params == nil {
		return nil
	}
	return map[string]reactive.Descriptor{
		"game":   v.Client.GetGame(*v.params),
		"scores": v.Client.GetTopScoresForGame(ScoresQ{GameID: v.params.GameID}),
	}
}

func (v *ScoresView) Render(w io.Writer, reg *reactive.Registry) error {
	if v.params == nil {
		return line(w, textNotFound)
	}

	game, err := reactive.Lookup[*Game](reg, "game")
	switch {
	case err != nil:
		return line(w, "Error: %v", err)
	case game == nil:
		return line(w, textLoading)
	case game.Data == nil:
		return line(w, textNotFound)
	}
	if err := line(w, "# %s", game.Data.Name); err != nil {
		return err
	}

	scores, err := reactive.Lookup[[]reactive.ListItem[Score]](reg, "scores")
	switch {
	case err != nil:
		return line(w, "Error: %v", err)
	case scores == nil:
		return line(w, textLoading)
	case len(scores.Data) == 0:
		return line(w, textNoScores)
	}
	for _, it := range scores.Data {
		if err := line(w, "%s | %d", it.Value.Username, it.Value.Value()); err != nil {
			return err
		}
	}
	return nil
}

func line(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format+"\n", args...)
	return err
}

// Screen keeps a View mounted on a registry and writes a frame to out
// whenever its data changes. Deliveries within one tick produce a single
// frame. All methods run on the engine thread.
type Screen struct {
	env  *reactive.Env
	view View
	reg  *reactive.Registry
	out  io.Writer
	log  *zap.Logger

	pending bool
	frames  int
}

// Mount declares the view's queries and renders the first frame.
func Mount(env *reactive.Env, view View, out io.Writer, log *zap.Logger) *Screen {
	if log == nil {
		log = zap.L().Named("screen")
	}
	s := &Screen{env: env, view: view, out: out, log: log}
	s.reg = reactive.NewRegistry(
		reactive.WithChangeHandler(func(string) { s.invalidate() }),
		reactive.WithRegistryLogger(log),
	)
	s.Refresh()
	s.Render()
	return s
}

// Refresh re-evaluates the view's declarations.
func (s *Screen) Refresh() reactive.ReconcileStats {
	return s.reg.Declare(s.view.Queries())
}

func (s *Screen) invalidate() {
	if s.pending {
		return
	}
	s.pending = true
	s.env.Scheduler().Defer(func() {
		s.pending = false
		s.Render()
	})
}

// Render writes one frame immediately.
func (s *Screen) Render() {
	frame, err := Frame(s.view, s.reg)
	if err != nil {
		s.log.Warn("render failed", zap.Error(err))
		return
	}
	s.frames++
	if _, err := io.WriteString(s.out, frame+"\n"); err != nil {
		s.log.Warn("frame write failed", zap.Error(err))
	}
}

// Frames reports how many frames were written.
func (s *Screen) Frames() int { return s.frames }

// Registry exposes the registry the view is mounted on.
func (s *Screen) Registry() *reactive.Registry { return s.reg }

// Unmount detaches every query.
func (s *Screen) Unmount() { s.reg.Close() }

// Frame renders view against reg into a string.
func Frame(view View, reg *reactive.Registry) (string, error) {
	var buf bytes.Buffer
	if err := view.Render(&buf, reg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
