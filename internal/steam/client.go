// Package steam is a thin client for the Steam Web API and storefront.
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

// ErrNoStats is returned when Steam has no stats for the requested app or player.
var ErrNoStats = errors.New("no stats available")

// StatusError reports an unexpected upstream HTTP status
type StatusError struct {
	Endpoint string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("steam %s: unexpected status %d", e.Endpoint, e.Status)
}

// Client calls the Steam Web API and store endpoints
type Client struct {
	httpClient   *http.Client
	apiKey       string
	apiBaseURL   string
	storeBaseURL string
	mediaBaseURL string
	logger       *slog.Logger
}

// NewClient creates a Steam client with the configured upstream timeout
func NewClient(cfg *config.SteamConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		apiKey:       cfg.APIKey,
		apiBaseURL:   strings.TrimRight(cfg.APIBaseURL, "/"),
		storeBaseURL: strings.TrimRight(cfg.StoreBaseURL, "/"),
		mediaBaseURL: strings.TrimRight(cfg.MediaBaseURL, "/"),
		logger:       logger,
	}
}

// GlobalAchievement is the share of all players that unlocked an achievement
type GlobalAchievement struct {
	Name    string
	Percent float64
}

// PlayerAchievement is one player's unlock state
type PlayerAchievement struct {
	APIName    string `json:"apiname"`
	Achieved   int    `json:"achieved"`
	UnlockTime int64  `json:"unlocktime"`
}

// SchemaAchievement is display metadata for an achievement
type SchemaAchievement struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	Description  string `json:"description"`
	Icon         string `json:"icon"`
	IconGray     string `json:"icongray"`
	Hidden       int    `json:"hidden"`
	DefaultValue int    `json:"defaultvalue"`
}

// FeaturedItem is a storefront entry in a featured category
type FeaturedItem struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Discounted        bool   `json:"discounted"`
	DiscountPercent   int    `json:"discount_percent"`
	OriginalPrice     *int64 `json:"original_price"`
	FinalPrice        int64  `json:"final_price"`
	Currency          string `json:"currency"`
	LargeCapsuleImage string `json:"large_capsule_image"`
	SmallCapsuleImage string `json:"small_capsule_image"`
	HeaderImage       string `json:"header_image"`
}

// FeaturedCategory is one section of the featured-categories payload
type FeaturedCategory struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Items []FeaturedItem `json:"items"`
}

// FeaturedCategories is the subset of the storefront payload the feed uses
type FeaturedCategories struct {
	Specials   *FeaturedCategory `json:"specials"`
	TopSellers *FeaturedCategory `json:"top_sellers"`
}

// GetOwnedGames returns the player's library with playtimes in whole minutes
func (c *Client) GetOwnedGames(ctx context.Context, steamID string) ([]domain.GameSummary, error) {
	params := url.Values{
		"key":                       {c.apiKey},
		"steamid":                   {steamID},
		"include_appinfo":           {"1"},
		"include_played_free_games": {"1"},
		"format":                    {"json"},
	}

	var payload struct {
		Response struct {
			GameCount int `json:"game_count"`
			Games     []struct {
				AppID           int64       `json:"appid"`
				Name            string      `json:"name"`
				PlaytimeForever json.Number `json:"playtime_forever"`
				Playtime2Weeks  json.Number `json:"playtime_2weeks"`
				ImgIconURL      string      `json:"img_icon_url"`
				ImgLogoURL      string      `json:"img_logo_url"`
			} `json:"games"`
		} `json:"response"`
	}
	if err := c.getJSON(ctx, "GetOwnedGames", c.apiBaseURL+"/IPlayerService/GetOwnedGames/v0001/", params, &payload); err != nil {
		return nil, err
	}

	games := make([]domain.GameSummary, 0, len(payload.Response.Games))
	for _, g := range payload.Response.Games {
		appID := strconv.FormatInt(g.AppID, 10)
		games = append(games, domain.GameSummary{
			AppID:           appID,
			Name:            g.Name,
			PlaytimeForever: RoundMinutes(g.PlaytimeForever),
			Playtime2Weeks:  RoundMinutes(g.Playtime2Weeks),
			IconURL:         c.mediaURL(appID, g.ImgIconURL),
			LogoURL:         c.mediaURL(appID, g.ImgLogoURL),
		})
	}
	return games, nil
}

// GetGlobalAchievementPercentages returns unlock percentages for every achievement of a game
func (c *Client) GetGlobalAchievementPercentages(ctx context.Context, gameID string) ([]GlobalAchievement, error) {
	params := url.Values{"gameid": {gameID}, "format": {"json"}}

	var payload struct {
		AchievementPercentages struct {
			Achievements []struct {
				Name    string      `json:"name"`
				Percent json.Number `json:"percent"`
			} `json:"achievements"`
		} `json:"achievementpercentages"`
	}
	endpoint := c.apiBaseURL + "/ISteamUserStats/GetGlobalAchievementPercentagesForApp/v0002/"
	if err := c.getJSON(ctx, "GetGlobalAchievementPercentagesForApp", endpoint, params, &payload); err != nil {
		return nil, err
	}

	out := make([]GlobalAchievement, 0, len(payload.AchievementPercentages.Achievements))
	for _, a := range payload.AchievementPercentages.Achievements {
		pct, _ := a.Percent.Float64()
		out = append(out, GlobalAchievement{Name: a.Name, Percent: pct})
	}
	return out, nil
}

// GetPlayerAchievements returns the player's unlock state for a game
func (c *Client) GetPlayerAchievements(ctx context.Context, gameID, steamID string) ([]PlayerAchievement, error) {
	params := url.Values{"appid": {gameID}, "steamid": {steamID}, "key": {c.apiKey}, "format": {"json"}}

	var payload struct {
		PlayerStats struct {
			Success      bool                `json:"success"`
			Error        string              `json:"error"`
			Achievements []PlayerAchievement `json:"achievements"`
		} `json:"playerstats"`
	}
	if err := c.getJSON(ctx, "GetPlayerAchievements", c.apiBaseURL+"/ISteamUserStats/GetPlayerAchievements/v0001/", params, &payload); err != nil {
		return nil, err
	}
	if !payload.PlayerStats.Success && payload.PlayerStats.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoStats, payload.PlayerStats.Error)
	}
	return payload.PlayerStats.Achievements, nil
}

// GetSchemaForGame returns achievement display metadata for a game
func (c *Client) GetSchemaForGame(ctx context.Context, gameID string) ([]SchemaAchievement, error) {
	params := url.Values{"appid": {gameID}, "key": {c.apiKey}, "format": {"json"}}

	var payload struct {
		Game struct {
			GameName           string `json:"gameName"`
			AvailableGameStats struct {
				Achievements []SchemaAchievement `json:"achievements"`
			} `json:"availableGameStats"`
		} `json:"game"`
	}
	if err := c.getJSON(ctx, "GetSchemaForGame", c.apiBaseURL+"/ISteamUserStats/GetSchemaForGame/v2/", params, &payload); err != nil {
		return nil, err
	}
	return payload.Game.AvailableGameStats.Achievements, nil
}

// GetFeaturedCategories fetches the storefront featured-categories payload
func (c *Client) GetFeaturedCategories(ctx context.Context) (*FeaturedCategories, error) {
	var payload FeaturedCategories
	if err := c.getJSON(ctx, "featuredcategories", c.storeBaseURL+"/api/featuredcategories", nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, params url.Values, out interface{}) error {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrNoStats, endpoint, resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: endpoint, Status: resp.StatusCode}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}

	c.logger.Debug("steam request completed", "endpoint", endpoint)
	return nil
}

func (c *Client) mediaURL(appID, hash string) string {
	if hash == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s.jpg", c.mediaBaseURL, appID, hash)
}

// RoundMinutes converts an upstream playtime to whole minutes, rounding half up.
// Missing or malformed values count as zero.
func RoundMinutes(n json.Number) int {
	if n == "" {
		return 0
	}
	f, err := n.Float64()
	if err != nil || f < 0 {
		return 0
	}
	return int(math.Floor(f + 0.5))
}
