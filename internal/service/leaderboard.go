package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/metrics"
)

// PointsStore is the authoritative points ledger
type PointsStore interface {
	AwardPoints(ctx context.Context, award domain.PointsAward, at time.Time) (int64, error)
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// Mirror is the realtime copy of point totals
type Mirror interface {
	SetPoints(ctx context.Context, playerID string, total int64) error
	SetPlayerInfo(ctx context.Context, info domain.PlayerInfo, joined time.Time) error
	GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	GetCount(ctx context.Context) (int64, error)
}

// Broadcaster pushes ledger changes to connected clients
type Broadcaster interface {
	BroadcastLeaderboard(entries []domain.LeaderboardEntry, totalPlayers int64)
	NotifyPoints(event domain.PointsEvent)
	NotifyQuestCompleted(event domain.QuestCompletedEvent)
}

// LedgerService credits points and serves the leaderboard. Postgres holds the
// totals; the Redis mirror is refreshed after each committed award.
type LedgerService struct {
	store       PointsStore
	mirror      Mirror
	broadcaster Broadcaster
	config      *config.LeaderboardConfig
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewLedgerService creates a new ledger service. mirror and broadcaster may be nil.
func NewLedgerService(
	store PointsStore,
	mirror Mirror,
	cfg *config.LeaderboardConfig,
	m *metrics.Metrics,
	clock clockwork.Clock,
	logger *slog.Logger,
) *LedgerService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LedgerService{
		store:   store,
		mirror:  mirror,
		config:  cfg,
		metrics: m,
		clock:   clock,
		logger:  logger,
	}
}

// SetBroadcaster attaches the websocket hub
func (s *LedgerService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Award credits a positive number of points and returns the new total
func (s *LedgerService) Award(ctx context.Context, award domain.PointsAward) (int64, error) {
	if award.Points <= 0 {
		return 0, domain.ErrInvalidPoints
	}
	if award.Reason == "" {
		award.Reason = "external"
	}

	total, err := s.store.AwardPoints(ctx, award, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("awarding points: %w", err)
	}

	s.Credited(ctx, domain.PointsEvent{
		PlayerID:  award.PlayerID,
		Delta:     award.Points,
		Total:     total,
		Reason:    award.Reason,
		Timestamp: s.clock.Now(),
	})
	return total, nil
}

// AwardBatch credits awards in order and returns how many were handled.
// Awards that can never succeed are logged and counted as handled. Any other
// failure stops the batch so the caller can retry from the returned index.
func (s *LedgerService) AwardBatch(ctx context.Context, batch domain.BatchPointsAward) (int, error) {
	for i, award := range batch.Awards {
		_, err := s.Award(ctx, award)
		switch {
		case err == nil:
		case isPermanent(err):
			s.logger.Error("dropping award that cannot be credited",
				"player_id", award.PlayerID,
				"points", award.Points,
				"error", err,
			)
		default:
			return i, err
		}
	}
	return len(batch.Awards), nil
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidPoints) ||
		errors.Is(err, domain.ErrPlayerNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidRequest)
}

// Credited propagates a committed award to the mirror and live clients.
// Failures here are logged only; the sync worker repairs the mirror.
func (s *LedgerService) Credited(ctx context.Context, event domain.PointsEvent) {
	s.metrics.PointsAwarded(event.Delta)

	if s.mirror != nil {
		if err := s.mirror.SetPoints(ctx, event.PlayerID, event.Total); err != nil {
			s.logger.Warn("failed to mirror points", "player_id", event.PlayerID, "error", err)
		}
	}

	if s.broadcaster == nil {
		return
	}
	s.broadcaster.NotifyPoints(event)

	entries, err := s.Leaderboard(ctx, s.config.DefaultLimit)
	if err != nil {
		s.logger.Warn("failed to load leaderboard for broadcast", "error", err)
		return
	}
	var total int64
	if s.mirror != nil {
		total, _ = s.mirror.GetCount(ctx)
	}
	s.broadcaster.BroadcastLeaderboard(entries, total)
}

// NotifyQuestCompleted forwards a completion to the player's live channel
func (s *LedgerService) NotifyQuestCompleted(event domain.QuestCompletedEvent) {
	if s.broadcaster != nil {
		s.broadcaster.NotifyQuestCompleted(event)
	}
}

// TrackPlayer refreshes the display data the mirror shows for a player and
// makes sure the player is ranked, including with zero points
func (s *LedgerService) TrackPlayer(ctx context.Context, player *domain.Player) {
	if s.mirror == nil {
		return
	}
	info := domain.PlayerInfo{ID: player.ID, Username: player.Username, AvatarURL: player.AvatarURL}
	if err := s.mirror.SetPlayerInfo(ctx, info, player.CreatedAt); err != nil {
		s.logger.Warn("failed to mirror player info", "player_id", player.ID, "error", err)
	}
	if err := s.mirror.SetPoints(ctx, player.ID, player.Points); err != nil {
		s.logger.Warn("failed to mirror player points", "player_id", player.ID, "error", err)
	}
}

// Leaderboard returns the top players. limit <= 0 selects the default and
// values above the maximum are capped.
func (s *LedgerService) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}

	if s.mirror != nil {
		entries, err := s.mirror.GetTopN(ctx, limit)
		if err == nil {
			return entries, nil
		}
		s.logger.Warn("leaderboard mirror unavailable, reading from database", "error", err)
	}

	entries, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}
	return entries, nil
}
