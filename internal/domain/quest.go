package domain

import (
	"fmt"
	"strings"
	"time"
)

// Duration represents how long a quest is offered for
type Duration string

const (
	DurationDaily   Duration = "daily"
	DurationWeekly  Duration = "weekly"
	DurationMonthly Duration = "monthly"
)

// Valid reports whether d is one of the known duration classes.
func (d Duration) Valid() bool {
	switch d {
	case DurationDaily, DurationWeekly, DurationMonthly:
		return true
	}
	return false
}

// ExpiresAt returns the expiry instant for a quest created at from.
// Daily and weekly are fixed offsets; monthly is one calendar month.
func (d Duration) ExpiresAt(from time.Time) time.Time {
	switch d {
	case DurationDaily:
		return from.Add(24 * time.Hour)
	case DurationWeekly:
		return from.Add(7 * 24 * time.Hour)
	case DurationMonthly:
		return from.AddDate(0, 1, 0)
	}
	return from
}

// QuestStatus is the state of a player's link to a quest
type QuestStatus string

const (
	QuestStatusActive    QuestStatus = "active"
	QuestStatusCompleted QuestStatus = "completed"
)

// Transition validates a status change. The only legal edge is
// active -> completed; assignment creates links directly in active.
func Transition(from, to QuestStatus) error {
	if from == QuestStatusActive && to == QuestStatusCompleted {
		return nil
	}
	switch from {
	case QuestStatusActive:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case QuestStatusCompleted:
		return ErrQuestNotActive
	}
	return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
}

// Quest is a time-played challenge tied to one game
type Quest struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	GameID          string    `json:"game_id"`
	GameName        string    `json:"game_name"`
	RequiredMinutes int       `json:"required_minutes"`
	Duration        Duration  `json:"duration"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// RewardPoints is the fixed reward for completing q: one point per required minute.
func (q *Quest) RewardPoints() int64 {
	return int64(q.RequiredMinutes)
}

// Expired reports whether q is no longer offered at now.
func (q *Quest) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// PlayerQuest links a player to a quest they took on
type PlayerQuest struct {
	ID           string      `json:"id"`
	PlayerID     string      `json:"player_id"`
	QuestID      string      `json:"quest_id"`
	StartMinutes int         `json:"start_minutes"`
	Status       QuestStatus `json:"status"`
	AssignedAt   time.Time   `json:"assigned_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Quest        *Quest      `json:"quest,omitempty"`
}

// Complete moves the link to completed, stamping the completion time once.
func (pq *PlayerQuest) Complete(at time.Time) error {
	if err := Transition(pq.Status, QuestStatusCompleted); err != nil {
		return err
	}
	pq.Status = QuestStatusCompleted
	pq.CompletedAt = &at
	return nil
}

// ProgressResult is the outcome of a progress check
type ProgressResult struct {
	Completed   bool   `json:"completed"`
	Gained      int    `json:"gained"`
	Required    int    `json:"required"`
	PointsTotal int64  `json:"points_total,omitempty"`
	Message     string `json:"message"`
}

// CompletionResult is the outcome of a direct completion
type CompletionResult struct {
	Points      int64 `json:"points"`
	PointsTotal int64 `json:"points_total"`
}

// CreateQuestRequest represents a request to create a new quest
type CreateQuestRequest struct {
	Title           string   `json:"title"`
	GameID          string   `json:"game_id"`
	GameName        string   `json:"game_name"`
	RequiredMinutes int      `json:"required_minutes"`
	Duration        Duration `json:"duration"`
}

// Validate returns a *ValidationError naming every bad field, or nil.
func (r *CreateQuestRequest) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(r.Title) == "" {
		fields["title"] = "is required"
	}
	if strings.TrimSpace(r.GameID) == "" {
		fields["game_id"] = "is required"
	}
	if r.RequiredMinutes <= 0 {
		fields["required_minutes"] = "must be a positive number of minutes"
	}
	switch {
	case r.Duration == "":
		fields["duration"] = "is required"
	case !r.Duration.Valid():
		fields["duration"] = "must be one of daily, weekly, monthly"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ToQuest converts a validated request into a quest created at now.
func (r *CreateQuestRequest) ToQuest(id string, now time.Time) Quest {
	name := strings.TrimSpace(r.GameName)
	if name == "" {
		name = r.GameID
	}
	return Quest{
		ID:              id,
		Title:           strings.TrimSpace(r.Title),
		GameID:          strings.TrimSpace(r.GameID),
		GameName:        name,
		RequiredMinutes: r.RequiredMinutes,
		Duration:        r.Duration,
		ExpiresAt:       r.Duration.ExpiresAt(now),
		CreatedAt:       now,
	}
}
