package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DB is the subset of *pgxpool.Pool the repository uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository provides PostgreSQL-based data access. It is the authoritative
// store for players, quests, quest links and point totals.
type Repository struct {
	db     DB
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewWithDB(pool, logger), nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// inTx runs fn in a transaction, committing only when fn succeeds
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.db.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS quests (
			id VARCHAR(64) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			game_id VARCHAR(32) NOT NULL,
			game_name VARCHAR(255) NOT NULL,
			required_minutes INT NOT NULL CHECK (required_minutes > 0),
			duration VARCHAR(10) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS player_quests (
			id VARCHAR(64) PRIMARY KEY,
			player_id VARCHAR(64) NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			quest_id VARCHAR(64) NOT NULL REFERENCES quests(id) ON DELETE CASCADE,
			start_minutes INT NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL,
			assigned_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS points_events (
			id BIGSERIAL PRIMARY KEY,
			player_id VARCHAR(64) NOT NULL,
			delta BIGINT NOT NULL,
			total BIGINT NOT NULL,
			reason VARCHAR(64) NOT NULL,
			quest_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_player_quests_one_active
			ON player_quests(player_id, quest_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_player_quests_player ON player_quests(player_id, assigned_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_players_points ON players(points DESC, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_points_events_player ON points_events(player_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.db.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// UpsertPlayer creates the player on first sight and refreshes profile fields otherwise
func (r *Repository) UpsertPlayer(ctx context.Context, info domain.PlayerInfo) (*domain.Player, error) {
	query := `
		INSERT INTO players (id, username, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id)
		DO UPDATE SET username = $2, avatar_url = $3, updated_at = $4
		RETURNING id, username, avatar_url, points, created_at, updated_at
	`
	var p domain.Player
	err := r.db.QueryRow(ctx, query, info.ID, info.Username, info.AvatarURL, time.Now()).Scan(
		&p.ID,
		&p.Username,
		&p.AvatarURL,
		&p.Points,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting player: %w", err)
	}
	return &p, nil
}

// GetPlayer retrieves a player by ID
func (r *Repository) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	query := `
		SELECT id, username, avatar_url, points, created_at, updated_at
		FROM players
		WHERE id = $1
	`
	var p domain.Player
	err := r.db.QueryRow(ctx, query, playerID).Scan(
		&p.ID,
		&p.Username,
		&p.AvatarURL,
		&p.Points,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return &p, nil
}

// CreateQuest stores a new quest definition
func (r *Repository) CreateQuest(ctx context.Context, q domain.Quest) error {
	query := `
		INSERT INTO quests (id, title, game_id, game_name, required_minutes, duration, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		q.ID,
		q.Title,
		q.GameID,
		q.GameName,
		q.RequiredMinutes,
		string(q.Duration),
		q.ExpiresAt,
		q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating quest: %w", err)
	}
	return nil
}

const questColumns = `id, title, game_id, game_name, required_minutes, duration, expires_at, created_at`

func scanQuest(row pgx.Row, q *domain.Quest) error {
	return row.Scan(
		&q.ID,
		&q.Title,
		&q.GameID,
		&q.GameName,
		&q.RequiredMinutes,
		&q.Duration,
		&q.ExpiresAt,
		&q.CreatedAt,
	)
}

// GetQuest retrieves a quest by ID
func (r *Repository) GetQuest(ctx context.Context, questID string) (*domain.Quest, error) {
	query := `SELECT ` + questColumns + ` FROM quests WHERE id = $1`
	var q domain.Quest
	if err := scanQuest(r.db.QueryRow(ctx, query, questID), &q); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuestNotFound
		}
		return nil, fmt.Errorf("getting quest: %w", err)
	}
	return &q, nil
}

// ListQuests returns quests newest first. When availableAt is non-zero only
// quests expiring after it are returned.
func (r *Repository) ListQuests(ctx context.Context, availableAt time.Time) ([]domain.Quest, error) {
	query := `SELECT ` + questColumns + ` FROM quests`
	var args []any
	if !availableAt.IsZero() {
		query += ` WHERE expires_at > $1`
		args = append(args, availableAt)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing quests: %w", err)
	}
	defer rows.Close()

	quests := []domain.Quest{}
	for rows.Next() {
		var q domain.Quest
		if err := scanQuest(rows, &q); err != nil {
			return nil, fmt.Errorf("scanning quest: %w", err)
		}
		quests = append(quests, q)
	}
	return quests, rows.Err()
}

// DeleteQuest removes a quest and its player links
func (r *Repository) DeleteQuest(ctx context.Context, questID string) error {
	query := `DELETE FROM quests WHERE id = $1`
	result, err := r.db.Exec(ctx, query, questID)
	if err != nil {
		return fmt.Errorf("deleting quest: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrQuestNotFound
	}
	return nil
}

const completedExistsQuery = `SELECT EXISTS(SELECT 1 FROM player_quests WHERE player_id = $1 AND quest_id = $2 AND status = 'completed')`

// HasCompletedQuest reports whether the player already finished the quest
func (r *Repository) HasCompletedQuest(ctx context.Context, playerID, questID string) (bool, error) {
	var done bool
	if err := r.db.QueryRow(ctx, completedExistsQuery, playerID, questID).Scan(&done); err != nil {
		return false, fmt.Errorf("checking completed quest: %w", err)
	}
	return done, nil
}

// CreatePlayerQuest inserts an active link. A second active link for the
// same player and quest is rejected by the partial unique index, and no link
// is inserted once the player has completed the quest.
func (r *Repository) CreatePlayerQuest(ctx context.Context, pq domain.PlayerQuest) error {
	query := `
		INSERT INTO player_quests (id, player_id, quest_id, start_minutes, status, assigned_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM player_quests WHERE player_id = $2 AND quest_id = $3 AND status = 'completed'
		)
	`
	result, err := r.db.Exec(ctx, query,
		pq.ID,
		pq.PlayerID,
		pq.QuestID,
		pq.StartMinutes,
		string(pq.Status),
		pq.AssignedAt,
	)
	if err != nil {
		return linkInsertError(err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrQuestAlreadyCompleted
	}
	return nil
}

// linkInsertError translates constraint violations on player_quests
func linkInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return domain.ErrQuestAlreadyActive
		case pgForeignKeyViolation:
			if pgErr.ConstraintName == "player_quests_quest_id_fkey" {
				return domain.ErrQuestNotFound
			}
			return domain.ErrPlayerNotFound
		}
	}
	return fmt.Errorf("creating player quest: %w", err)
}

// GetActivePlayerQuest returns the active link for the pair with its quest attached
func (r *Repository) GetActivePlayerQuest(ctx context.Context, playerID, questID string) (*domain.PlayerQuest, error) {
	query := `
		SELECT pq.id, pq.player_id, pq.quest_id, pq.start_minutes, pq.status, pq.assigned_at, pq.completed_at,
		       q.id, q.title, q.game_id, q.game_name, q.required_minutes, q.duration, q.expires_at, q.created_at
		FROM player_quests pq
		JOIN quests q ON q.id = pq.quest_id
		WHERE pq.player_id = $1 AND pq.quest_id = $2 AND pq.status = 'active'
	`
	var (
		pq domain.PlayerQuest
		q  domain.Quest
	)
	err := r.db.QueryRow(ctx, query, playerID, questID).Scan(
		&pq.ID, &pq.PlayerID, &pq.QuestID, &pq.StartMinutes, &pq.Status, &pq.AssignedAt, &pq.CompletedAt,
		&q.ID, &q.Title, &q.GameID, &q.GameName, &q.RequiredMinutes, &q.Duration, &q.ExpiresAt, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuestNotActive
		}
		return nil, fmt.Errorf("getting active player quest: %w", err)
	}
	pq.Quest = &q
	return &pq, nil
}

// ListPlayerQuests returns all links of a player, newest first
func (r *Repository) ListPlayerQuests(ctx context.Context, playerID string) ([]domain.PlayerQuest, error) {
	query := `
		SELECT pq.id, pq.player_id, pq.quest_id, pq.start_minutes, pq.status, pq.assigned_at, pq.completed_at,
		       q.id, q.title, q.game_id, q.game_name, q.required_minutes, q.duration, q.expires_at, q.created_at
		FROM player_quests pq
		JOIN quests q ON q.id = pq.quest_id
		WHERE pq.player_id = $1
		ORDER BY pq.assigned_at DESC, pq.id
	`
	rows, err := r.db.Query(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("listing player quests: %w", err)
	}
	defer rows.Close()

	links := []domain.PlayerQuest{}
	for rows.Next() {
		var (
			pq domain.PlayerQuest
			q  domain.Quest
		)
		err := rows.Scan(
			&pq.ID, &pq.PlayerID, &pq.QuestID, &pq.StartMinutes, &pq.Status, &pq.AssignedAt, &pq.CompletedAt,
			&q.ID, &q.Title, &q.GameID, &q.GameName, &q.RequiredMinutes, &q.Duration, &q.ExpiresAt, &q.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning player quest: %w", err)
		}
		pq.Quest = &q
		links = append(links, pq)
	}
	return links, rows.Err()
}

// CompleteAndAward flips an active link to completed and credits points in
// one transaction. It fails with ErrQuestNotActive when the link already left
// the active state, so concurrent callers award at most once.
func (r *Repository) CompleteAndAward(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error) {
	var total int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockPlayer(ctx, tx, award.PlayerID); err != nil {
			return err
		}

		result, err := tx.Exec(ctx,
			`UPDATE player_quests SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'active'`,
			linkID, at,
		)
		if err != nil {
			return fmt.Errorf("completing player quest: %w", err)
		}
		if result.RowsAffected() == 0 {
			return domain.ErrQuestNotActive
		}

		total, err = awardTx(ctx, tx, award, questID, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CompleteDirect marks a quest completed for the player without a playtime
// check. The active link is completed if one exists, otherwise a completed
// link is inserted. A player completes each quest at most once.
func (r *Repository) CompleteDirect(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error) {
	var total int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockPlayer(ctx, tx, award.PlayerID); err != nil {
			return err
		}

		var done bool
		err := tx.QueryRow(ctx, completedExistsQuery, award.PlayerID, questID).Scan(&done)
		if err != nil {
			return fmt.Errorf("checking completed quest: %w", err)
		}
		if done {
			return domain.ErrQuestAlreadyCompleted
		}

		result, err := tx.Exec(ctx,
			`UPDATE player_quests SET status = 'completed', completed_at = $3
			 WHERE player_id = $1 AND quest_id = $2 AND status = 'active'`,
			award.PlayerID, questID, at,
		)
		if err != nil {
			return fmt.Errorf("completing player quest: %w", err)
		}
		if result.RowsAffected() == 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO player_quests (id, player_id, quest_id, start_minutes, status, assigned_at, completed_at)
				 VALUES ($1, $2, $3, 0, 'completed', $4, $4)`,
				linkID, award.PlayerID, questID, at,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
					return domain.ErrQuestNotFound
				}
				return fmt.Errorf("inserting completed player quest: %w", err)
			}
		}

		total, err = awardTx(ctx, tx, award, questID, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AwardPoints credits points outside a quest transition
func (r *Repository) AwardPoints(ctx context.Context, award domain.PointsAward, at time.Time) (int64, error) {
	var total int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		total, err = awardTx(ctx, tx, award, "", at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// lockPlayer serializes writers of one player's row for the rest of the transaction
func lockPlayer(ctx context.Context, tx pgx.Tx, playerID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM players WHERE id = $1 FOR UPDATE`, playerID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPlayerNotFound
		}
		return fmt.Errorf("locking player: %w", err)
	}
	return nil
}

func awardTx(ctx context.Context, tx pgx.Tx, award domain.PointsAward, questID string, at time.Time) (int64, error) {
	if award.Points <= 0 {
		return 0, domain.ErrInvalidPoints
	}

	var total int64
	err := tx.QueryRow(ctx,
		`UPDATE players SET points = points + $2, updated_at = $3 WHERE id = $1 RETURNING points`,
		award.PlayerID, award.Points, at,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrPlayerNotFound
		}
		return 0, fmt.Errorf("awarding points: %w", err)
	}

	var quest *string
	if questID != "" {
		quest = &questID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO points_events (player_id, delta, total, reason, quest_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		award.PlayerID, award.Points, total, award.Reason, quest, at,
	)
	if err != nil {
		return 0, fmt.Errorf("recording points event: %w", err)
	}
	return total, nil
}

// Leaderboard returns the top players by points. Ties keep registration order.
func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT id, username, avatar_url, points, created_at,
		       ROW_NUMBER() OVER (ORDER BY points DESC, created_at, id) AS rank
		FROM players
		ORDER BY points DESC, created_at, id
		LIMIT $1
	`
	return r.queryEntries(ctx, query, limit)
}

// AllStandings returns every player with points, for rebuilding the Redis mirror
func (r *Repository) AllStandings(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT id, username, avatar_url, points, created_at,
		       ROW_NUMBER() OVER (ORDER BY points DESC, created_at, id) AS rank
		FROM players
		ORDER BY points DESC, created_at, id
	`
	return r.queryEntries(ctx, query)
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LeaderboardEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var entry domain.LeaderboardEntry
		err := rows.Scan(&entry.PlayerID, &entry.Username, &entry.AvatarURL, &entry.Points, &entry.JoinedAt, &entry.Rank)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
