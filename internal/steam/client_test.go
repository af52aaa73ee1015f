package steam

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steamquest/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&config.SteamConfig{
		APIKey:       "test-key",
		APIBaseURL:   srv.URL,
		StoreBaseURL: srv.URL,
		MediaBaseURL: "https://media.example/apps",
		Timeout:      2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRoundMinutes(t *testing.T) {
	tests := []struct {
		in   json.Number
		want int
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"41.5", 42},
		{"41.49", 41},
		{"-3", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := RoundMinutes(tt.in); got != tt.want {
			t.Errorf("RoundMinutes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGetOwnedGames(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/IPlayerService/GetOwnedGames/v0001/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("key") != "test-key" || q.Get("steamid") != "7656" || q.Get("include_appinfo") != "1" {
			t.Errorf("query = %v", q)
		}
		io.WriteString(w, `{"response":{"game_count":2,"games":[
			{"appid":620,"name":"Portal 2","playtime_forever":125.5,"playtime_2weeks":10,"img_icon_url":"abc","img_logo_url":""},
			{"appid":440,"name":"TF2","playtime_forever":3}
		]}}`)
	})

	games, err := client.GetOwnedGames(context.Background(), "7656")
	if err != nil {
		t.Fatalf("GetOwnedGames() error = %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("len(games) = %d, want 2", len(games))
	}

	portal := games[0]
	if portal.AppID != "620" || portal.PlaytimeForever != 126 || portal.Playtime2Weeks != 10 {
		t.Errorf("portal = %+v", portal)
	}
	if portal.IconURL != "https://media.example/apps/620/abc.jpg" {
		t.Errorf("IconURL = %q", portal.IconURL)
	}
	if portal.LogoURL != "" {
		t.Errorf("LogoURL = %q, want empty for missing hash", portal.LogoURL)
	}
	if games[1].Playtime2Weeks != 0 {
		t.Errorf("missing playtime_2weeks = %d, want 0", games[1].Playtime2Weeks)
	}
}

func TestGetOwnedGamesUpstreamFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.GetOwnedGames(context.Background(), "1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want StatusError 503", err)
	}
}

func TestAchievementEndpoints(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ISteamUserStats/GetGlobalAchievementPercentagesForApp/v0002/":
			// Steam has served percent both as number and as string.
			io.WriteString(w, `{"achievementpercentages":{"achievements":[{"name":"A","percent":"12.5"},{"name":"B","percent":3.25}]}}`)
		case "/ISteamUserStats/GetPlayerAchievements/v0001/":
			io.WriteString(w, `{"playerstats":{"success":true,"achievements":[{"apiname":"A","achieved":1,"unlocktime":1700000000}]}}`)
		case "/ISteamUserStats/GetSchemaForGame/v2/":
			io.WriteString(w, `{"game":{"availableGameStats":{"achievements":[{"name":"A","displayName":"Alpha","description":"first","icon":"on.jpg","icongray":"off.jpg"}]}}}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	global, err := client.GetGlobalAchievementPercentages(ctx, "620")
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if len(global) != 2 || global[0].Percent != 12.5 || global[1].Percent != 3.25 {
		t.Errorf("global = %+v", global)
	}

	player, err := client.GetPlayerAchievements(ctx, "620", "7656")
	if err != nil {
		t.Fatalf("player: %v", err)
	}
	if len(player) != 1 || player[0].Achieved != 1 || player[0].UnlockTime != 1700000000 {
		t.Errorf("player = %+v", player)
	}

	schema, err := client.GetSchemaForGame(ctx, "620")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(schema) != 1 || schema[0].DisplayName != "Alpha" || schema[0].IconGray != "off.jpg" {
		t.Errorf("schema = %+v", schema)
	}
}

func TestGetPlayerAchievementsNoStats(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"playerstats":{"error":"Requested app has no stats","success":false}}`)
	})

	_, err := client.GetPlayerAchievements(context.Background(), "1", "2")
	if !errors.Is(err, ErrNoStats) {
		t.Fatalf("error = %v, want ErrNoStats", err)
	}
}

func TestGetFeaturedCategories(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/featuredcategories" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":1,"specials":{"id":"cat_specials","items":[{"id":10,"name":"Half-Life","discount_percent":50,"final_price":499,"original_price":999,"currency":"USD"}]},"top_sellers":{"items":[]}}`)
	})

	fc, err := client.GetFeaturedCategories(context.Background())
	if err != nil {
		t.Fatalf("GetFeaturedCategories() error = %v", err)
	}
	if fc.Specials == nil || len(fc.Specials.Items) != 1 || fc.Specials.Items[0].FinalPrice != 499 {
		t.Errorf("specials = %+v", fc.Specials)
	}
	if fc.TopSellers == nil || len(fc.TopSellers.Items) != 0 {
		t.Errorf("top sellers = %+v", fc.TopSellers)
	}
}
