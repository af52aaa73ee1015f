package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

// pointsKey is the sorted set mirroring players.points
const pointsKey = "leaderboard:points:realtime"

// LeaderboardService mirrors player point totals into a Redis sorted set
type LeaderboardService struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboardService creates a new Redis leaderboard service
func NewLeaderboardService(cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *LeaderboardService) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *LeaderboardService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// playerInfoKey returns the Redis key for player info cache
func (s *LeaderboardService) playerInfoKey(playerID string) string {
	return fmt.Sprintf("player:%s:info", playerID)
}

// SetPoints records a player's authoritative total. Totals only grow, so a
// write that arrives after a newer one never lowers the score (ZADD GT).
// Players not yet in the set are added.
func (s *LeaderboardService) SetPoints(ctx context.Context, playerID string, total int64) error {
	err := s.client.ZAddArgs(ctx, pointsKey, redis.ZAddArgs{
		GT: true,
		Members: []redis.Z{{
			Score:  float64(total),
			Member: playerID,
		}},
	}).Err()
	if err != nil {
		return fmt.Errorf("setting points: %w", err)
	}
	return nil
}

// GetTopN returns the top n players ordered by points, ties by join time.
// Members tied with the n-th entry are fetched too so the cut is stable.
func (s *LeaderboardService) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, pointsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	if len(results) == n && n > 0 {
		edge := strconv.FormatFloat(results[n-1].Score, 'f', -1, 64)
		tied, err := s.client.ZRangeByScoreWithScores(ctx, pointsKey, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, fmt.Errorf("getting tied members: %w", err)
		}
		seen := make(map[string]bool, len(results))
		for _, r := range results {
			seen[r.Member.(string)] = true
		}
		for _, r := range tied {
			if !seen[r.Member.(string)] {
				results = append(results, r)
			}
		}
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Member.(string)
	}
	infos, err := s.playerInfos(ctx, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, r := range results {
		info := infos[i]
		entries[i] = domain.LeaderboardEntry{
			PlayerID:  ids[i],
			Username:  info["username"],
			AvatarURL: info["avatar_url"],
			Points:    int64(r.Score),
			JoinedAt:  time.Unix(0, parseJoined(info["joined"])),
		}
	}
	SortEntries(entries)

	if len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries, nil
}

// SortEntries orders by points descending, then join time, then player ID
func SortEntries(entries []domain.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.PlayerID < b.PlayerID
	})
}

// parseJoined treats a missing join time as latest so unknown players sort last among ties
func parseJoined(v string) int64 {
	joined, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return joined
}

func (s *LeaderboardService) playerInfos(ctx context.Context, ids []string) ([]map[string]string, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.playerInfoKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("getting player infos: %w", err)
		}
	}

	infos := make([]map[string]string, len(ids))
	for i, cmd := range cmds {
		infos[i] = cmd.Val()
	}
	return infos, nil
}

// GetCount returns the number of players in the mirror
func (s *LeaderboardService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, pointsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// SetPlayerInfo caches display fields and the join time used for tie-breaks
func (s *LeaderboardService) SetPlayerInfo(ctx context.Context, info domain.PlayerInfo, joined time.Time) error {
	key := s.playerInfoKey(info.ID)
	err := s.client.HSet(ctx, key,
		"username", info.Username,
		"avatar_url", info.AvatarURL,
		"joined", joined.UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("setting player info: %w", err)
	}
	return nil
}

// Rebuild replaces the mirror with the given standings in one MULTI/EXEC
func (s *LeaderboardService) Rebuild(ctx context.Context, standings []domain.LeaderboardEntry) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, pointsKey)

	for _, st := range standings {
		pipe.ZAdd(ctx, pointsKey, redis.Z{
			Score:  float64(st.Points),
			Member: st.PlayerID,
		})
		pipe.HSet(ctx, s.playerInfoKey(st.PlayerID),
			"username", st.Username,
			"avatar_url", st.AvatarURL,
			"joined", st.JoinedAt.UnixNano(),
		)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding leaderboard mirror: %w", err)
	}
	return nil
}
