package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testLeaderboardConfig() *config.LeaderboardConfig {
	return &config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 100}
}

// memStore is an in-memory stand-in for the Postgres repository. Completion
// is conditional on the link still being active, like the SQL version.
type memStore struct {
	mu      sync.Mutex
	players map[string]*domain.Player
	quests  map[string]*domain.Quest
	links   []*domain.PlayerQuest
	events  []domain.PointsAward
	upserts int
	// awardErrs fails awards for the keyed player, e.g. a lost connection
	awardErrs map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		players:   make(map[string]*domain.Player),
		quests:    make(map[string]*domain.Quest),
		awardErrs: make(map[string]error),
	}
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func (m *memStore) failAwards(playerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.awardErrs, playerID)
		return
	}
	m.awardErrs[playerID] = err
}

func (m *memStore) addPlayer(id string, points int64, joined time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[id] = &domain.Player{ID: id, Username: "user-" + id, Points: points, CreatedAt: joined}
}

func (m *memStore) addQuest(q domain.Quest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quests[q.ID] = &q
}

func (m *memStore) points(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[id]; ok {
		return p.Points
	}
	return 0
}

func (m *memStore) UpsertPlayer(ctx context.Context, info domain.PlayerInfo) (*domain.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	p, ok := m.players[info.ID]
	if !ok {
		p = &domain.Player{ID: info.ID, CreatedAt: time.Unix(int64(len(m.players)), 0)}
		m.players[info.ID] = p
	}
	p.Username = info.Username
	p.AvatarURL = info.AvatarURL
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateQuest(ctx context.Context, q domain.Quest) error {
	m.addQuest(q)
	return nil
}

func (m *memStore) GetQuest(ctx context.Context, questID string) (*domain.Quest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quests[questID]
	if !ok {
		return nil, domain.ErrQuestNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *memStore) ListQuests(ctx context.Context, availableAt time.Time) ([]domain.Quest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Quest
	for _, q := range m.quests {
		if availableAt.IsZero() || q.ExpiresAt.After(availableAt) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteQuest(ctx context.Context, questID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quests[questID]; !ok {
		return domain.ErrQuestNotFound
	}
	delete(m.quests, questID)
	kept := m.links[:0]
	for _, l := range m.links {
		if l.QuestID != questID {
			kept = append(kept, l)
		}
	}
	m.links = kept
	return nil
}

func (m *memStore) CreatePlayerQuest(ctx context.Context, pq domain.PlayerQuest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[pq.PlayerID]; !ok {
		return domain.ErrPlayerNotFound
	}
	for _, l := range m.links {
		if l.PlayerID != pq.PlayerID || l.QuestID != pq.QuestID {
			continue
		}
		switch l.Status {
		case domain.QuestStatusActive:
			return domain.ErrQuestAlreadyActive
		case domain.QuestStatusCompleted:
			return domain.ErrQuestAlreadyCompleted
		}
	}
	pq.Quest = nil
	m.links = append(m.links, &pq)
	return nil
}

func (m *memStore) HasCompletedQuest(ctx context.Context, playerID, questID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.PlayerID == playerID && l.QuestID == questID && l.Status == domain.QuestStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetActivePlayerQuest(ctx context.Context, playerID, questID string) (*domain.PlayerQuest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.PlayerID == playerID && l.QuestID == questID && l.Status == domain.QuestStatusActive {
			cp := *l
			q := *m.quests[questID]
			cp.Quest = &q
			return &cp, nil
		}
	}
	return nil, domain.ErrQuestNotActive
}

func (m *memStore) ListPlayerQuests(ctx context.Context, playerID string) ([]domain.PlayerQuest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PlayerQuest
	for _, l := range m.links {
		if l.PlayerID == playerID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memStore) CompleteAndAward(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ID == linkID {
			if err := l.Complete(at); err != nil {
				return 0, err
			}
			return m.award(award)
		}
	}
	return 0, domain.ErrQuestNotActive
}

func (m *memStore) CompleteDirect(ctx context.Context, linkID string, award domain.PointsAward, questID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[award.PlayerID]; !ok {
		return 0, domain.ErrPlayerNotFound
	}
	var active *domain.PlayerQuest
	for _, l := range m.links {
		if l.PlayerID != award.PlayerID || l.QuestID != questID {
			continue
		}
		switch l.Status {
		case domain.QuestStatusCompleted:
			return 0, domain.ErrQuestAlreadyCompleted
		case domain.QuestStatusActive:
			active = l
		}
	}
	if active == nil {
		active = &domain.PlayerQuest{ID: linkID, PlayerID: award.PlayerID, QuestID: questID, Status: domain.QuestStatusActive, AssignedAt: at}
		m.links = append(m.links, active)
	}
	if err := active.Complete(at); err != nil {
		return 0, err
	}
	return m.award(award)
}

func (m *memStore) AwardPoints(ctx context.Context, award domain.PointsAward, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.award(award)
}

// award must be called with mu held
func (m *memStore) award(award domain.PointsAward) (int64, error) {
	if award.Points <= 0 {
		return 0, domain.ErrInvalidPoints
	}
	if err := m.awardErrs[award.PlayerID]; err != nil {
		return 0, err
	}
	p, ok := m.players[award.PlayerID]
	if !ok {
		return 0, domain.ErrPlayerNotFound
	}
	p.Points += award.Points
	m.events = append(m.events, award)
	return p.Points, nil
}

func (m *memStore) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]domain.LeaderboardEntry, 0, len(m.players))
	for _, p := range m.players {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: p.ID,
			Username: p.Username,
			Points:   p.Points,
			JoinedAt: p.CreatedAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries, nil
}

// fakePlaytime serves per-player, per-game minutes
type fakePlaytime struct {
	mu      sync.Mutex
	minutes map[string]int
	err     error
	calls   int
}

func newFakePlaytime() *fakePlaytime {
	return &fakePlaytime{minutes: make(map[string]int)}
}

func (f *fakePlaytime) set(playerID, gameID string, minutes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minutes[playerID+":"+gameID] = minutes
}

func (f *fakePlaytime) Playtime(ctx context.Context, playerID, gameID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.minutes[playerID+":"+gameID], nil
}

// fakeMirror records mirrored totals like ZADD GT; failing makes every call error
type fakeMirror struct {
	mu      sync.Mutex
	totals  map[string]int64
	infos   map[string]domain.PlayerInfo
	failing bool
	top     []domain.LeaderboardEntry
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{totals: make(map[string]int64), infos: make(map[string]domain.PlayerInfo)}
}

var errMirrorDown = errors.New("mirror down")

func (f *fakeMirror) SetPoints(ctx context.Context, playerID string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errMirrorDown
	}
	if old, ok := f.totals[playerID]; ok && total <= old {
		return nil
	}
	f.totals[playerID] = total
	return nil
}

func (f *fakeMirror) SetPlayerInfo(ctx context.Context, info domain.PlayerInfo, joined time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errMirrorDown
	}
	f.infos[info.ID] = info
	return nil
}

func (f *fakeMirror) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errMirrorDown
	}
	if len(f.top) > n {
		return f.top[:n], nil
	}
	return f.top, nil
}

func (f *fakeMirror) GetCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errMirrorDown
	}
	return int64(len(f.totals)), nil
}

func (f *fakeMirror) total(playerID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.totals[playerID]
	return v, ok
}

// fakeBroadcaster captures websocket fan-out
type fakeBroadcaster struct {
	mu          sync.Mutex
	boards      int
	points      []domain.PointsEvent
	completions []domain.QuestCompletedEvent
}

func (f *fakeBroadcaster) BroadcastLeaderboard(entries []domain.LeaderboardEntry, totalPlayers int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards++
}

func (f *fakeBroadcaster) NotifyPoints(event domain.PointsEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, event)
}

func (f *fakeBroadcaster) NotifyQuestCompleted(event domain.QuestCompletedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, event)
}

// fakePublisher captures Kafka events
type fakePublisher struct {
	mu     sync.Mutex
	events []domain.QuestCompletedEvent
	err    error
}

func (f *fakePublisher) PublishQuestCompleted(ctx context.Context, event domain.QuestCompletedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}
