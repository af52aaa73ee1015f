package domain

import "time"

// LeaderboardEntry represents a single entry in the points leaderboard
type LeaderboardEntry struct {
	Rank      int64  `json:"rank"`
	PlayerID  string `json:"player_id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Points    int64  `json:"points"`

	// JoinedAt breaks ties between equal totals; earlier players rank higher.
	JoinedAt time.Time `json:"-"`
}

// PointsEvent records a change to a player's points total
type PointsEvent struct {
	PlayerID  string    `json:"player_id"`
	Delta     int64     `json:"delta"`
	Total     int64     `json:"total"`
	Reason    string    `json:"reason"`
	QuestID   string    `json:"quest_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestCompletedEvent is published when a player finishes a quest.
type QuestCompletedEvent struct {
	PlayerID    string    `json:"player_id"`
	QuestID     string    `json:"quest_id"`
	QuestTitle  string    `json:"quest_title"`
	Points      int64     `json:"points"`
	PointsTotal int64     `json:"points_total"`
	CompletedAt time.Time `json:"completed_at"`
}
