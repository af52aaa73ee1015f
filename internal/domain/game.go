package domain

// GameSummary is one entry of a player's owned-games list. Playtimes are whole minutes.
type GameSummary struct {
	AppID           string `json:"app_id"`
	Name            string `json:"name"`
	PlaytimeForever int    `json:"playtime_forever"`
	Playtime2Weeks  int    `json:"playtime_2weeks"`
	IconURL         string `json:"icon_url,omitempty"`
	LogoURL         string `json:"logo_url,omitempty"`
}

// Achievement merges global, per-player and schema data for one achievement
type Achievement struct {
	APIName          string  `json:"api_name"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	IconURL          string  `json:"icon_url"`
	GlobalPercentage float64 `json:"global_percentage"`
	Unlocked         bool    `json:"unlocked"`
	UnlockTime       int64   `json:"unlock_time,omitempty"`
}

// Promotion is a discounted storefront title
type Promotion struct {
	AppID           int64   `json:"appId"`
	Name            string  `json:"name"`
	Image           string  `json:"image"`
	DiscountPercent int     `json:"discountPercent"`
	FinalPrice      string  `json:"finalPrice"`
	OriginalPrice   string  `json:"originalPrice,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	FinalAmount     float64 `json:"finalAmount"`
}
