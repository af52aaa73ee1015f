package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/steamquest/internal/domain"
)

const (
	playerID = "76561198000000001"
	questID  = "quest-1"
	linkID   = "link-1"
)

func newMockRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating mock pool: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return NewWithDB(mock, slog.New(slog.NewJSONHandler(io.Discard, nil))), mock
}

func exact(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func questAward() domain.PointsAward {
	return domain.PointsAward{PlayerID: playerID, Points: 30, Reason: "quest_completed"}
}

func expectLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery(exact(`SELECT id FROM players WHERE id = $1 FOR UPDATE`)).
		WithArgs(playerID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(playerID))
}

func expectAward(mock pgxmock.PgxPoolIface, total int64) {
	mock.ExpectQuery(exact(`UPDATE players SET points = points + $2`)).
		WithArgs(playerID, int64(30), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"points"}).AddRow(total))
	mock.ExpectExec(exact(`INSERT INTO points_events`)).
		WithArgs(playerID, int64(30), total, "quest_completed", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestLinkInsertError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate active link", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "idx_player_quests_one_active"}, domain.ErrQuestAlreadyActive},
		{"unknown quest", &pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "player_quests_quest_id_fkey"}, domain.ErrQuestNotFound},
		{"unknown player", &pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "player_quests_player_id_fkey"}, domain.ErrPlayerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linkInsertError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("linkInsertError() = %v, want %v", got, tt.want)
			}
		})
	}

	other := errors.New("connection reset")
	got := linkInsertError(other)
	if !errors.Is(got, other) || domain.IsConflictError(got) || domain.IsNotFoundError(got) {
		t.Errorf("linkInsertError(other) = %v, want wrapped original", got)
	}
}

func TestCompleteAndAward(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectExec(exact(`UPDATE player_quests SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'active'`)).
		WithArgs(linkID, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAward(mock, 130)
	mock.ExpectCommit()

	total, err := repo.CompleteAndAward(context.Background(), linkID, questAward(), questID, at)
	if err != nil {
		t.Fatalf("CompleteAndAward() error = %v", err)
	}
	if total != 130 {
		t.Errorf("total = %d, want 130", total)
	}
}

func TestCompleteAndAwardLinkNoLongerActive(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	expectLock(mock)
	mock.ExpectExec(exact(`UPDATE player_quests SET status = 'completed'`)).
		WithArgs(linkID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := repo.CompleteAndAward(context.Background(), linkID, questAward(), questID, time.Now())
	if !errors.Is(err, domain.ErrQuestNotActive) {
		t.Fatalf("CompleteAndAward() error = %v, want ErrQuestNotActive", err)
	}
}

func TestCompleteAndAwardUnknownPlayer(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(exact(`SELECT id FROM players WHERE id = $1 FOR UPDATE`)).
		WithArgs(playerID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.CompleteAndAward(context.Background(), linkID, questAward(), questID, time.Now())
	if !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("CompleteAndAward() error = %v, want ErrPlayerNotFound", err)
	}
}

func TestCompleteDirect(t *testing.T) {
	t.Run("already completed", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		expectLock(mock)
		mock.ExpectQuery(exact(completedExistsQuery)).
			WithArgs(playerID, questID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := repo.CompleteDirect(context.Background(), linkID, questAward(), questID, time.Now())
		if !errors.Is(err, domain.ErrQuestAlreadyCompleted) {
			t.Fatalf("CompleteDirect() error = %v, want ErrQuestAlreadyCompleted", err)
		}
	})

	t.Run("no active link inserts a completed one", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		mock.ExpectBegin()
		expectLock(mock)
		mock.ExpectQuery(exact(completedExistsQuery)).
			WithArgs(playerID, questID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(exact(`UPDATE player_quests SET status = 'completed', completed_at = $3`)).
			WithArgs(playerID, questID, at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(exact(`INSERT INTO player_quests (id, player_id, quest_id, start_minutes, status, assigned_at, completed_at)`)).
			WithArgs(linkID, playerID, questID, at).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		expectAward(mock, 30)
		mock.ExpectCommit()

		total, err := repo.CompleteDirect(context.Background(), linkID, questAward(), questID, at)
		if err != nil {
			t.Fatalf("CompleteDirect() error = %v", err)
		}
		if total != 30 {
			t.Errorf("total = %d, want 30", total)
		}
	})

	t.Run("unknown quest", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		expectLock(mock)
		mock.ExpectQuery(exact(completedExistsQuery)).
			WithArgs(playerID, questID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(exact(`UPDATE player_quests SET status = 'completed'`)).
			WithArgs(playerID, questID, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(exact(`INSERT INTO player_quests`)).
			WithArgs(linkID, playerID, questID, pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "player_quests_quest_id_fkey"})
		mock.ExpectRollback()

		_, err := repo.CompleteDirect(context.Background(), linkID, questAward(), questID, time.Now())
		if !errors.Is(err, domain.ErrQuestNotFound) {
			t.Fatalf("CompleteDirect() error = %v, want ErrQuestNotFound", err)
		}
	})
}

func TestCreatePlayerQuest(t *testing.T) {
	link := domain.PlayerQuest{
		ID:           linkID,
		PlayerID:     playerID,
		QuestID:      questID,
		StartMinutes: 120,
		Status:       domain.QuestStatusActive,
		AssignedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	insert := exact(`INSERT INTO player_quests (id, player_id, quest_id, start_minutes, status, assigned_at)`)

	t.Run("inserted", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(insert).
			WithArgs(linkID, playerID, questID, 120, "active", link.AssignedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		if err := repo.CreatePlayerQuest(context.Background(), link); err != nil {
			t.Fatalf("CreatePlayerQuest() error = %v", err)
		}
	})

	t.Run("completed before", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(insert).
			WithArgs(linkID, playerID, questID, 120, "active", link.AssignedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		if err := repo.CreatePlayerQuest(context.Background(), link); !errors.Is(err, domain.ErrQuestAlreadyCompleted) {
			t.Fatalf("CreatePlayerQuest() error = %v, want ErrQuestAlreadyCompleted", err)
		}
	})

	t.Run("already active", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(insert).
			WithArgs(linkID, playerID, questID, 120, "active", link.AssignedAt).
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "idx_player_quests_one_active"})

		if err := repo.CreatePlayerQuest(context.Background(), link); !errors.Is(err, domain.ErrQuestAlreadyActive) {
			t.Fatalf("CreatePlayerQuest() error = %v, want ErrQuestAlreadyActive", err)
		}
	})
}

func TestHasCompletedQuest(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(exact(completedExistsQuery)).
		WithArgs(playerID, questID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := repo.HasCompletedQuest(context.Background(), playerID, questID)
	if err != nil {
		t.Fatalf("HasCompletedQuest() error = %v", err)
	}
	if !done {
		t.Error("HasCompletedQuest() = false, want true")
	}
}

func TestAwardPointsRejectsNonPositive(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := repo.AwardPoints(context.Background(), domain.PointsAward{PlayerID: playerID, Points: 0, Reason: "bonus"}, time.Now())
	if !errors.Is(err, domain.ErrInvalidPoints) {
		t.Fatalf("AwardPoints() error = %v, want ErrInvalidPoints", err)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	repo, mock := newMockRepository(t)
	joined := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(exact(`ORDER BY points DESC, created_at, id`)).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "avatar_url", "points", "created_at", "rank"}).
			AddRow("a", "alyx", "", int64(50), joined, int64(1)).
			AddRow("b", "barney", "", int64(50), joined.Add(time.Hour), int64(2)))

	entries, err := repo.Leaderboard(context.Background(), 2)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if len(entries) != 2 || entries[0].PlayerID != "a" || entries[1].Rank != 2 {
		t.Errorf("entries = %+v", entries)
	}
}
