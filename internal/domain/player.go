package domain

import "time"

// Player represents an authenticated Steam user
type Player struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	Points    int64         `json:"points"`
	Quests    []PlayerQuest `json:"quests,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PlayerInfo is a lightweight player information struct used for caching
type PlayerInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Identity is what the authentication collaborator knows about the caller.
type Identity struct {
	PlayerID  string
	Username  string
	AvatarURL string
	Admin     bool
}

// PointsAward is an external request to credit points to a player.
type PointsAward struct {
	PlayerID string `json:"player_id"`
	Points   int64  `json:"points"`
	Reason   string `json:"reason,omitempty"`
}

// BatchPointsAward groups several awards ingested together
type BatchPointsAward struct {
	Awards []PointsAward `json:"awards"`
}
