package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/steamquest/internal/cache"
	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/metrics"
)

// ensureTTL is how long a signed-in player's profile is trusted before the
// next request writes it to the store again
const ensureTTL = 10 * time.Minute

// QuestStore persists players, quests and quest links
type QuestStore interface {
	UpsertPlayer(ctx context.Context, info domain.PlayerInfo) (*domain.Player, error)
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)

	CreateQuest(ctx context.Context, q domain.Quest) error
	GetQuest(ctx context.Context, questID string) (*domain.Quest, error)
	ListQuests(ctx context.Context, availableAt time.Time) ([]domain.Quest, error)
	DeleteQuest(ctx context.Context, questID string) error

	CreatePlayerQuest(ctx context.Context, pq domain.PlayerQuest) error
	HasCompletedQuest(ctx context.Context, playerID, questID string) (bool, error)
	GetActivePlayerQuest(ctx context.Context, playerID, questID string) (*domain.PlayerQuest, error)
	ListPlayerQuests(ctx context.Context, playerID string) ([]domain.PlayerQuest, error)

	// CompleteAndAward and CompleteDirect flip the link and credit points
	// atomically, returning the player's new total.
	CompleteAndAward(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error)
	CompleteDirect(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error)
}

// PlaytimeSource reports a player's lifetime minutes on a game
type PlaytimeSource interface {
	Playtime(ctx context.Context, playerID, gameID string) (int, error)
}

// EventPublisher delivers quest events to downstream consumers
type EventPublisher interface {
	PublishQuestCompleted(ctx context.Context, event domain.QuestCompletedEvent) error
}

// QuestService runs the quest catalog and the assignment/progress engine
type QuestService struct {
	store     QuestStore
	playtime  PlaytimeSource
	ledger    *LedgerService
	publisher EventPublisher
	ensured   cache.Store[domain.Player]
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewQuestService creates a new quest service. publisher may be nil.
func NewQuestService(
	store QuestStore,
	playtime PlaytimeSource,
	ledger *LedgerService,
	publisher EventPublisher,
	m *metrics.Metrics,
	clock clockwork.Clock,
	logger *slog.Logger,
) *QuestService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &QuestService{
		store:     store,
		playtime:  playtime,
		ledger:    ledger,
		publisher: publisher,
		ensured:   cache.New[domain.Player](ensureTTL, clock),
		metrics:   m,
		clock:     clock,
		logger:    logger,
	}
}

// EnsurePlayer creates the player on first sign-in and refreshes the profile
// afterwards. A profile written within ensureTTL is not written again, so the
// returned player's points may lag by that much.
func (s *QuestService) EnsurePlayer(ctx context.Context, identity domain.Identity) (*domain.Player, error) {
	if entry, fresh, ok := s.ensured.Get(identity.PlayerID); ok && fresh &&
		entry.Value.Username == identity.Username && entry.Value.AvatarURL == identity.AvatarURL {
		player := entry.Value
		return &player, nil
	}

	player, err := s.store.UpsertPlayer(ctx, domain.PlayerInfo{
		ID:        identity.PlayerID,
		Username:  identity.Username,
		AvatarURL: identity.AvatarURL,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring player: %w", err)
	}
	s.ledger.TrackPlayer(ctx, player)
	s.ensured.Set(player.ID, *player)
	return player, nil
}

// GetPlayer returns the player with their quest links
func (s *QuestService) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	player, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	quests, err := s.store.ListPlayerQuests(ctx, playerID)
	if err != nil {
		return nil, err
	}
	player.Quests = quests
	return player, nil
}

// CreateQuest validates and stores a new quest
func (s *QuestService) CreateQuest(ctx context.Context, req domain.CreateQuestRequest) (*domain.Quest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	quest := req.ToQuest(uuid.NewString(), s.clock.Now())
	if err := s.store.CreateQuest(ctx, quest); err != nil {
		return nil, fmt.Errorf("creating quest: %w", err)
	}

	s.logger.Info("quest created",
		"quest_id", quest.ID,
		"game_id", quest.GameID,
		"duration", quest.Duration,
		"expires_at", quest.ExpiresAt,
	)
	return &quest, nil
}

// DeleteQuest removes a quest and every link to it
func (s *QuestService) DeleteQuest(ctx context.Context, questID string) error {
	if err := s.store.DeleteQuest(ctx, questID); err != nil {
		return err
	}
	s.logger.Info("quest deleted", "quest_id", questID)
	return nil
}

// ListQuests returns all quests, or only unexpired ones when availableOnly is set
func (s *QuestService) ListQuests(ctx context.Context, availableOnly bool) ([]domain.Quest, error) {
	var at time.Time
	if availableOnly {
		at = s.clock.Now()
	}
	return s.store.ListQuests(ctx, at)
}

// PlayerQuests returns the player's quest links, newest first
func (s *QuestService) PlayerQuests(ctx context.Context, playerID string) ([]domain.PlayerQuest, error) {
	return s.store.ListPlayerQuests(ctx, playerID)
}

// AssignQuest starts a quest for the player, recording the current playtime
// as the baseline progress is measured against. A quest the player already
// completed cannot be started again.
func (s *QuestService) AssignQuest(ctx context.Context, playerID, questID string) (*domain.PlayerQuest, error) {
	quest, err := s.store.GetQuest(ctx, questID)
	if err != nil {
		return nil, err
	}

	done, err := s.store.HasCompletedQuest(ctx, playerID, questID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, domain.ErrQuestAlreadyCompleted
	}

	_, err = s.store.GetActivePlayerQuest(ctx, playerID, questID)
	switch {
	case err == nil:
		return nil, domain.ErrQuestAlreadyActive
	case !errors.Is(err, domain.ErrQuestNotActive):
		return nil, err
	}

	baseline, err := s.playtime.Playtime(ctx, playerID, quest.GameID)
	if err != nil {
		return nil, err
	}

	link := domain.PlayerQuest{
		ID:           uuid.NewString(),
		PlayerID:     playerID,
		QuestID:      quest.ID,
		StartMinutes: baseline,
		Status:       domain.QuestStatusActive,
		AssignedAt:   s.clock.Now(),
		Quest:        quest,
	}
	if err := s.store.CreatePlayerQuest(ctx, link); err != nil {
		return nil, err
	}

	s.metrics.QuestTransition("assigned")
	s.logger.Info("quest assigned",
		"player_id", playerID,
		"quest_id", questID,
		"start_minutes", baseline,
	)
	return &link, nil
}

// CheckProgress compares current playtime with the baseline and completes
// the quest once the required minutes have been played.
func (s *QuestService) CheckProgress(ctx context.Context, playerID, questID string) (*domain.ProgressResult, error) {
	link, err := s.store.GetActivePlayerQuest(ctx, playerID, questID)
	if err != nil {
		return nil, err
	}
	quest := link.Quest

	current, err := s.playtime.Playtime(ctx, playerID, quest.GameID)
	if err != nil {
		return nil, err
	}

	gained := max(0, current-link.StartMinutes)
	required := quest.RequiredMinutes
	if gained < required {
		return &domain.ProgressResult{
			Gained:   gained,
			Required: required,
			Message:  fmt.Sprintf("%d of %d minutes played", gained, required),
		}, nil
	}

	if err := domain.Transition(link.Status, domain.QuestStatusCompleted); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	award := domain.PointsAward{PlayerID: playerID, Points: quest.RewardPoints(), Reason: "quest_completed"}
	total, err := s.store.CompleteAndAward(ctx, link.ID, award, quest.ID, now)
	if err != nil {
		return nil, err
	}
	s.completed(ctx, quest, award, total, now)

	return &domain.ProgressResult{
		Completed:   true,
		Gained:      gained,
		Required:    required,
		PointsTotal: total,
		Message:     fmt.Sprintf("Quest completed! +%d points", award.Points),
	}, nil
}

// CompleteQuest completes a quest for the player without a playtime check.
// Each player can complete a given quest once.
func (s *QuestService) CompleteQuest(ctx context.Context, playerID, questID string) (*domain.CompletionResult, error) {
	quest, err := s.store.GetQuest(ctx, questID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	award := domain.PointsAward{PlayerID: playerID, Points: quest.RewardPoints(), Reason: "quest_completed"}
	total, err := s.store.CompleteDirect(ctx, uuid.NewString(), award, quest.ID, now)
	if err != nil {
		return nil, err
	}
	s.completed(ctx, quest, award, total, now)

	return &domain.CompletionResult{Points: award.Points, PointsTotal: total}, nil
}

// completed fans a committed completion out to the mirror, live clients and Kafka
func (s *QuestService) completed(ctx context.Context, quest *domain.Quest, award domain.PointsAward, total int64, at time.Time) {
	s.metrics.QuestTransition("completed")
	s.logger.Info("quest completed",
		"player_id", award.PlayerID,
		"quest_id", quest.ID,
		"points", award.Points,
		"points_total", total,
	)

	s.ledger.Credited(ctx, domain.PointsEvent{
		PlayerID:  award.PlayerID,
		Delta:     award.Points,
		Total:     total,
		Reason:    award.Reason,
		QuestID:   quest.ID,
		Timestamp: at,
	})

	event := domain.QuestCompletedEvent{
		PlayerID:    award.PlayerID,
		QuestID:     quest.ID,
		QuestTitle:  quest.Title,
		Points:      award.Points,
		PointsTotal: total,
		CompletedAt: at,
	}
	s.ledger.NotifyQuestCompleted(event)

	if s.publisher != nil {
		if err := s.publisher.PublishQuestCompleted(ctx, event); err != nil {
			s.logger.Warn("failed to publish quest completed event",
				"player_id", award.PlayerID,
				"quest_id", quest.ID,
				"error", err,
			)
		}
	}
}
