package redis

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/steamquest/internal/domain"
)

func TestSortEntries(t *testing.T) {
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	entries := []domain.LeaderboardEntry{
		{PlayerID: "late", Points: 50, JoinedAt: base.Add(time.Hour)},
		{PlayerID: "low", Points: 10, JoinedAt: base},
		{PlayerID: "top", Points: 80, JoinedAt: base.Add(2 * time.Hour)},
		{PlayerID: "b-early", Points: 50, JoinedAt: base},
		{PlayerID: "a-early", Points: 50, JoinedAt: base},
	}

	SortEntries(entries)

	want := []string{"top", "a-early", "b-early", "late", "low"}
	for i, id := range want {
		if entries[i].PlayerID != id {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].PlayerID, id)
		}
	}
}

func TestParseJoined(t *testing.T) {
	if got := parseJoined("1704067200000000000"); got != 1704067200000000000 {
		t.Errorf("parseJoined() = %d", got)
	}
	if got := parseJoined(""); got != math.MaxInt64 {
		t.Errorf("missing join time = %d, want MaxInt64", got)
	}
}

func newTestService(t *testing.T) (*LeaderboardService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, slog.New(slog.NewJSONHandler(io.Discard, nil))), mr
}

func TestSetPointsNeverLowersScore(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	if err := svc.SetPoints(ctx, "p1", 20); err != nil {
		t.Fatal(err)
	}
	// a slower writer delivering an older total
	if err := svc.SetPoints(ctx, "p1", 10); err != nil {
		t.Fatal(err)
	}
	if score, _ := mr.ZScore(pointsKey, "p1"); score != 20 {
		t.Errorf("score after stale write = %v, want 20", score)
	}

	if err := svc.SetPoints(ctx, "p1", 35); err != nil {
		t.Fatal(err)
	}
	if score, _ := mr.ZScore(pointsKey, "p1"); score != 35 {
		t.Errorf("score after newer write = %v, want 35", score)
	}
}

func TestSetPointsAddsZeroPointPlayer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetPoints(ctx, "newcomer", 0); err != nil {
		t.Fatal(err)
	}
	count, err := svc.GetCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("GetCount() = %d, want 1", count)
	}
}

func TestGetTopNBreaksTiesAtTheCutByJoinTime(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	players := []struct {
		id     string
		points int64
		joined time.Time
	}{
		{"top", 90, base.Add(5 * time.Hour)},
		{"aa-first", 50, base},
		{"mm-second", 50, base.Add(time.Hour)},
		{"zz-third", 50, base.Add(2 * time.Hour)},
		{"low", 10, base},
	}
	for _, p := range players {
		if err := svc.SetPlayerInfo(ctx, domain.PlayerInfo{ID: p.id, Username: "user-" + p.id}, p.joined); err != nil {
			t.Fatal(err)
		}
		if err := svc.SetPoints(ctx, p.id, p.points); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := svc.GetTopN(ctx, 2)
	if err != nil {
		t.Fatalf("GetTopN() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// ZREVRANGE alone would cut at zz-third, the lexicographically largest tie
	if entries[0].PlayerID != "top" || entries[1].PlayerID != "aa-first" {
		t.Errorf("top 2 = %s, %s; want top, aa-first", entries[0].PlayerID, entries[1].PlayerID)
	}
	if entries[1].Rank != 2 || entries[1].Username != "user-aa-first" {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	all, err := svc.GetTopN(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"top", "aa-first", "mm-second", "zz-third", "low"}
	for i, id := range want {
		if all[i].PlayerID != id {
			t.Errorf("all[%d] = %s, want %s", i, all[i].PlayerID, id)
		}
	}
}

func TestRebuildReplacesMirror(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	joined := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	if err := svc.SetPoints(ctx, "stale", 999); err != nil {
		t.Fatal(err)
	}

	standings := []domain.LeaderboardEntry{
		{PlayerID: "a", Username: "alyx", Points: 40, JoinedAt: joined},
		{PlayerID: "b", Username: "barney", Points: 15, JoinedAt: joined.Add(time.Minute)},
	}
	if err := svc.Rebuild(ctx, standings); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	members, err := mr.ZMembers(pointsKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Errorf("members = %v, want a and b only", members)
	}
	if score, _ := mr.ZScore(pointsKey, "a"); score != 40 {
		t.Errorf("score(a) = %v, want 40", score)
	}
	if got := mr.HGet(svc.playerInfoKey("b"), "username"); got != "barney" {
		t.Errorf("username(b) = %q, want barney", got)
	}

	entries, err := svc.GetTopN(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].PlayerID != "a" || !entries[0].JoinedAt.Equal(joined) {
		t.Errorf("entries = %+v", entries)
	}
}
