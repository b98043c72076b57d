// Package speedrun looks up per-trail leaderboards on speedrun.com.
package speedrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

const (
	DefaultBaseURL  = "https://www.speedrun.com/api/v1"
	DefaultGame     = "Descenders"
	DefaultCategory = "7dg4yg4d"
	DefaultTimeout  = 10 * time.Second
)

var ErrGameNotFound = errors.New("game not found")

// ExternalLeaderboard is a source of community leaderboards
type ExternalLeaderboard interface {
	Leaderboard(ctx context.Context, trail string) ([]domain.LeaderboardEntry, error)
}

// NoTimes is the board shown when a trail has no external runs
func NoTimes() []domain.LeaderboardEntry {
	return []domain.LeaderboardEntry{{Place: 1, Time: 0, SteamName: "No times"}}
}

// Config selects the API and the game category to read
type Config struct {
	BaseURL  string
	Game     string
	Category string
	Timeout  time.Duration
}

// Client reads speedrun.com's REST API. Level ids are cached after the
// first successful lookup.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	gameID string
	levels map[string]string // level name -> id
}

// New creates a client
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Game == "" {
		cfg.Game = DefaultGame
	}
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type gamesResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type levelsResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

type player struct {
	Rel   string `json:"rel"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Names struct {
		International string `json:"international"`
	} `json:"names"`
}

type leaderboardResponse struct {
	Data struct {
		Runs []struct {
			Place int `json:"place"`
			Run   struct {
				Times struct {
					RealtimeT float64 `json:"realtime_t"`
				} `json:"times"`
				Players []player `json:"players"`
			} `json:"run"`
		} `json:"runs"`
		Players struct {
			Data []player `json:"data"`
		} `json:"players"`
	} `json:"data"`
}

// Leaderboard returns the ranked runs of the level named trail. A trail
// with no matching level yields NoTimes.
func (c *Client) Leaderboard(ctx context.Context, trail string) ([]domain.LeaderboardEntry, error) {
	gameID, levels, err := c.levelIndex(ctx)
	if err != nil {
		return nil, err
	}
	levelID, ok := levels[trail]
	if !ok {
		return NoTimes(), nil
	}

	var resp leaderboardResponse
	path := fmt.Sprintf("/leaderboards/%s/level/%s/%s?embed=players",
		url.PathEscape(gameID), url.PathEscape(levelID), url.PathEscape(c.cfg.Category))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching leaderboard for %s: %w", trail, err)
	}

	names := make(map[string]string, len(resp.Data.Players.Data))
	for _, p := range resp.Data.Players.Data {
		names[p.ID] = p.Names.International
	}

	var entries []domain.LeaderboardEntry
	for _, r := range resp.Data.Runs {
		if r.Place == 0 {
			continue
		}
		entry := domain.LeaderboardEntry{Place: r.Place, Time: r.Run.Times.RealtimeT}
		if len(r.Run.Players) > 0 {
			p := r.Run.Players[0]
			entry.SteamName = p.Name
			if n, ok := names[p.ID]; ok && n != "" {
				entry.SteamName = n
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return NoTimes(), nil
	}
	return entries, nil
}

func (c *Client) levelIndex(ctx context.Context) (string, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.levels != nil {
		return c.gameID, c.levels, nil
	}

	var games gamesResponse
	if err := c.get(ctx, "/games?name="+url.QueryEscape(c.cfg.Game), &games); err != nil {
		return "", nil, fmt.Errorf("looking up game: %w", err)
	}
	if len(games.Data) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrGameNotFound, c.cfg.Game)
	}
	gameID := games.Data[0].ID

	var levels levelsResponse
	if err := c.get(ctx, "/games/"+url.PathEscape(gameID)+"/levels", &levels); err != nil {
		return "", nil, fmt.Errorf("listing levels: %w", err)
	}
	index := make(map[string]string, len(levels.Data))
	for _, l := range levels.Data {
		index[l.Name] = l.ID
	}

	c.gameID, c.levels = gameID, index
	c.logger.Debug().Str("game_id", gameID).Int("levels", len(index)).Msg("Loaded speedrun.com levels")
	return gameID, index, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
