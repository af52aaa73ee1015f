// Package gateway mediates every call to the Steam Web API. It applies a
// per-player rate limit, serves cached responses inside the TTL and falls
// back to stale entries when the upstream fails.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steamquest/internal/cache"
	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/metrics"
	"github.com/steamquest/internal/steam"
)

// Upstream is the subset of the Steam client the gateway calls
type Upstream interface {
	GetOwnedGames(ctx context.Context, steamID string) ([]domain.GameSummary, error)
	GetGlobalAchievementPercentages(ctx context.Context, gameID string) ([]steam.GlobalAchievement, error)
	GetPlayerAchievements(ctx context.Context, gameID, steamID string) ([]steam.PlayerAchievement, error)
	GetSchemaForGame(ctx context.Context, gameID string) ([]steam.SchemaAchievement, error)
}

// Limiter admits or rejects a request for a key
type Limiter interface {
	Allow(key string) (ok bool, retryAfter time.Duration)
}

// Gateway provides cached, rate-limited access to player game data
type Gateway struct {
	upstream     Upstream
	games        cache.Store[[]domain.GameSummary]
	achievements cache.Store[[]domain.Achievement]
	limiter      Limiter
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a gateway
func New(
	upstream Upstream,
	games cache.Store[[]domain.GameSummary],
	achievements cache.Store[[]domain.Achievement],
	limiter Limiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		upstream:     upstream,
		games:        games,
		achievements: achievements,
		limiter:      limiter,
		metrics:      m,
		logger:       logger,
	}
}

// admit consults the limiter. It runs before the cache lookup, so cache
// hits count against the player's quota too.
func (g *Gateway) admit(playerID string) error {
	ok, retryAfter := g.limiter.Allow(playerID)
	if ok {
		return nil
	}
	g.metrics.RateLimited()
	g.logger.Warn("player rate limited", "player_id", playerID, "retry_after", retryAfter)
	return &domain.RateLimitError{RetryAfter: retryAfter}
}

// OwnedGames returns the player's library
func (g *Gateway) OwnedGames(ctx context.Context, playerID string) ([]domain.GameSummary, error) {
	if err := g.admit(playerID); err != nil {
		return nil, err
	}

	entry, fresh, cached := g.games.Get(playerID)
	if cached && fresh {
		g.metrics.CacheLookup("owned_games", "hit")
		return slices.Clone(entry.Value), nil
	}

	games, err := g.upstream.GetOwnedGames(ctx, playerID)
	if err != nil {
		g.metrics.UpstreamRequest("GetOwnedGames", "error")
		if cached {
			g.metrics.CacheLookup("owned_games", "stale")
			g.logger.Warn("serving stale owned games",
				"player_id", playerID,
				"fetched_at", entry.FetchedAt,
				"error", err,
			)
			return slices.Clone(entry.Value), nil
		}
		return nil, fmt.Errorf("%w: fetching owned games: %v", domain.ErrUpstream, err)
	}
	g.metrics.UpstreamRequest("GetOwnedGames", "ok")
	g.metrics.CacheLookup("owned_games", "miss")

	g.games.Set(playerID, games)
	return slices.Clone(games), nil
}

// Playtime returns the player's total minutes on gameID, zero when the
// game is not in the library.
func (g *Gateway) Playtime(ctx context.Context, playerID, gameID string) (int, error) {
	games, err := g.OwnedGames(ctx, playerID)
	if err != nil {
		return 0, err
	}
	for _, game := range games {
		if game.AppID == gameID {
			return game.PlaytimeForever, nil
		}
	}
	return 0, nil
}

// Achievements returns the merged achievement list of gameID for the player
func (g *Gateway) Achievements(ctx context.Context, playerID, gameID string) ([]domain.Achievement, error) {
	if err := g.admit(playerID); err != nil {
		return nil, err
	}

	key := playerID + ":" + gameID
	entry, fresh, cached := g.achievements.Get(key)
	if cached && fresh {
		g.metrics.CacheLookup("achievements", "hit")
		return slices.Clone(entry.Value), nil
	}

	achievements, err := g.fetchAchievements(ctx, playerID, gameID)
	if err != nil {
		g.metrics.UpstreamRequest("achievements", "error")
		if cached {
			g.metrics.CacheLookup("achievements", "stale")
			g.logger.Warn("serving stale achievements",
				"player_id", playerID,
				"game_id", gameID,
				"fetched_at", entry.FetchedAt,
				"error", err,
			)
			return slices.Clone(entry.Value), nil
		}
		return nil, fmt.Errorf("%w: fetching achievements: %v", domain.ErrUpstream, err)
	}
	g.metrics.UpstreamRequest("achievements", "ok")
	g.metrics.CacheLookup("achievements", "miss")

	if len(achievements) == 0 {
		return nil, domain.ErrGameNotFound
	}

	g.achievements.Set(key, achievements)
	return slices.Clone(achievements), nil
}

func (g *Gateway) fetchAchievements(ctx context.Context, playerID, gameID string) ([]domain.Achievement, error) {
	var (
		global []steam.GlobalAchievement
		player []steam.PlayerAchievement
		schema []steam.SchemaAchievement
	)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		global, err = g.upstream.GetGlobalAchievementPercentages(gctx, gameID)
		return ignoreNoStats(err)
	})
	grp.Go(func() error {
		var err error
		player, err = g.upstream.GetPlayerAchievements(gctx, gameID, playerID)
		return ignoreNoStats(err)
	})
	grp.Go(func() error {
		var err error
		schema, err = g.upstream.GetSchemaForGame(gctx, gameID)
		return ignoreNoStats(err)
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	return MergeAchievements(global, player, schema), nil
}

func ignoreNoStats(err error) error {
	if errors.Is(err, steam.ErrNoStats) {
		return nil
	}
	return err
}

// MergeAchievements joins the three upstream views by internal name.
// Order follows the global list, then player-only, then schema-only entries.
// Entries missing from the schema keep an empty description and icon.
func MergeAchievements(global []steam.GlobalAchievement, player []steam.PlayerAchievement, schema []steam.SchemaAchievement) []domain.Achievement {
	schemaByName := make(map[string]steam.SchemaAchievement, len(schema))
	for _, s := range schema {
		schemaByName[s.Name] = s
	}
	playerByName := make(map[string]steam.PlayerAchievement, len(player))
	for _, p := range player {
		playerByName[p.APIName] = p
	}

	var (
		out  []domain.Achievement
		seen = make(map[string]bool)
	)
	add := func(name string, pct float64) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true

		a := domain.Achievement{APIName: name, Name: name, GlobalPercentage: pct}
		if p, ok := playerByName[name]; ok {
			a.Unlocked = p.Achieved == 1
			a.UnlockTime = p.UnlockTime
		}
		if s, ok := schemaByName[name]; ok {
			if s.DisplayName != "" {
				a.Name = s.DisplayName
			}
			a.Description = s.Description
			if a.Unlocked {
				a.IconURL = s.Icon
			} else {
				a.IconURL = s.IconGray
			}
		}
		out = append(out, a)
	}

	for _, ga := range global {
		add(ga.Name, ga.Percent)
	}
	for _, p := range player {
		add(p.APIName, 0)
	}
	for _, s := range schema {
		add(s.Name, 0)
	}
	return out
}
