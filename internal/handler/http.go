package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gorillaws "github.com/gorilla/websocket"

	"github.com/steamquest/internal/auth"
	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/metrics"
	"github.com/steamquest/internal/websocket"
)

// QuestAPI is the quest catalog and progress engine
type QuestAPI interface {
	EnsurePlayer(ctx context.Context, identity domain.Identity) (*domain.Player, error)
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)
	CreateQuest(ctx context.Context, req domain.CreateQuestRequest) (*domain.Quest, error)
	DeleteQuest(ctx context.Context, questID string) error
	ListQuests(ctx context.Context, availableOnly bool) ([]domain.Quest, error)
	PlayerQuests(ctx context.Context, playerID string) ([]domain.PlayerQuest, error)
	AssignQuest(ctx context.Context, playerID, questID string) (*domain.PlayerQuest, error)
	CheckProgress(ctx context.Context, playerID, questID string) (*domain.ProgressResult, error)
	CompleteQuest(ctx context.Context, playerID, questID string) (*domain.CompletionResult, error)
}

// GamesAPI serves a player's library through the rate-limited gateway
type GamesAPI interface {
	OwnedGames(ctx context.Context, playerID string) ([]domain.GameSummary, error)
	Achievements(ctx context.Context, playerID, gameID string) ([]domain.Achievement, error)
}

// LeaderboardAPI serves the points ranking
type LeaderboardAPI interface {
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// PromotionsAPI serves the discounted-games feed
type PromotionsAPI interface {
	ListPromotions(ctx context.Context) ([]domain.Promotion, error)
}

// Authenticator resolves the caller's identity from a request
type Authenticator interface {
	FromRequest(r *http.Request) (domain.Identity, error)
}

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Deps bundles everything the HTTP layer talks to
type Deps struct {
	Quests      QuestAPI
	Games       GamesAPI
	Leaderboard LeaderboardAPI
	Promotions  PromotionsAPI
	Auth        Authenticator
	Hub         *websocket.Hub
	Upgrader    *gorillaws.Upgrader
	Metrics     *metrics.Metrics
	Checks      map[string]ReadinessCheck
	ClientURL   string
}

// Handler provides HTTP handlers for the SteamQuest API
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if deps.Upgrader == nil {
		deps.Upgrader = websocket.NewUpgrader(deps.ClientURL)
	}
	return &Handler{deps: deps, logger: logger}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success           bool              `json:"success"`
	Data              any               `json:"data,omitempty"`
	Error             string            `json:"error,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics.Handler())
	}
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/promotions", h.ListPromotions)
		r.Get("/ws/stats", h.GetWebSocketStats)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/me", h.GetMe)
			r.Get("/games", h.ListGames)
			r.Get("/games/{gameID}/achievements", h.ListAchievements)
			r.Get("/quests/mine", h.ListMyQuests)
			r.Post("/quests/{questID}/assign", h.AssignQuest)
			r.Post("/quests/{questID}/progress", h.CheckProgress)
			r.Post("/quests/{questID}/complete", h.CompleteQuest)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)
				r.Post("/quests", h.CreateQuest)
				r.Delete("/quests/{questID}", h.DeleteQuest)
			})
		})

		r.Get("/quests", h.ListQuests)
	})

	return r
}

// cors allows the configured web client origin
func (h *Handler) cors(next http.Handler) http.Handler {
	origin := strings.TrimSuffix(h.deps.ClientURL, "/")
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		if origin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the caller and makes sure a player record exists
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.deps.Auth.FromRequest(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthenticated)
			return
		}
		if _, err := h.deps.Quests.EnsurePlayer(r.Context(), identity); err != nil {
			h.handleError(w, "ensure player", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok || !identity.Admin {
			h.writeError(w, http.StatusForbidden, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) domain.Identity {
	identity, _ := auth.IdentityFrom(r.Context())
	return identity
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// handleError maps domain errors onto HTTP statuses. Anything unrecognised
// is logged and reported as an internal error.
func (h *Handler) handleError(w http.ResponseWriter, op string, err error) {
	var (
		verr *domain.ValidationError
		rerr *domain.RateLimitError
	)
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, APIResponse{Error: domain.ErrValidation.Error(), Fields: verr.Fields})
	case errors.As(err, &rerr):
		secs := rerr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeJSON(w, http.StatusTooManyRequests, APIResponse{Error: domain.ErrRateLimited.Error(), RetryAfterSeconds: secs})
	case errors.Is(err, domain.ErrUnauthenticated):
		h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthenticated)
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, domain.ErrForbidden)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidPoints), errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrUpstream):
		h.logger.Warn("upstream failure", "op", op, "error", err)
		h.writeError(w, http.StatusBadGateway, domain.ErrUpstream)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(h.deps.Checks))
	ready := true
	for name, check := range h.deps.Checks {
		if err := check(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Data: status, Error: "not ready"})
		return
	}
	h.writeSuccess(w, status)
}

// HandleWebSocket upgrades to a live leaderboard connection. Signed-in
// callers also receive their own points and quest notifications.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var playerID string
	if identity, err := h.deps.Auth.FromRequest(r); err == nil {
		playerID = identity.PlayerID
	}
	websocket.ServeWs(h.deps.Hub, h.deps.Upgrader, playerID, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]int{
		"total_connections":       h.deps.Hub.GetTotalConnections(),
		"leaderboard_subscribers": h.deps.Hub.GetSubscriberCount(websocket.ChannelLeaderboard),
	})
}

// GetMe returns the signed-in player with their quests
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	player, err := h.deps.Quests.GetPlayer(r.Context(), caller(r).PlayerID)
	if err != nil {
		h.handleError(w, "get me", err)
		return
	}
	h.writeSuccess(w, player)
}

// ListGames returns the caller's owned games
func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.deps.Games.OwnedGames(r.Context(), caller(r).PlayerID)
	if err != nil {
		h.handleError(w, "list games", err)
		return
	}
	h.writeSuccess(w, games)
}

// ListAchievements returns the caller's achievements for one game
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	achievements, err := h.deps.Games.Achievements(r.Context(), caller(r).PlayerID, gameID)
	if err != nil {
		h.handleError(w, "list achievements", err)
		return
	}
	h.writeSuccess(w, achievements)
}

// ListQuests returns the catalog; ?available=true hides expired quests
func (h *Handler) ListQuests(w http.ResponseWriter, r *http.Request) {
	availableOnly, _ := strconv.ParseBool(r.URL.Query().Get("available"))
	quests, err := h.deps.Quests.ListQuests(r.Context(), availableOnly)
	if err != nil {
		h.handleError(w, "list quests", err)
		return
	}
	if quests == nil {
		quests = []domain.Quest{}
	}
	h.writeSuccess(w, quests)
}

// CreateQuest adds a quest to the catalog
func (h *Handler) CreateQuest(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateQuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	quest, err := h.deps.Quests.CreateQuest(r.Context(), req)
	if err != nil {
		h.handleError(w, "create quest", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    quest,
	})
}

// DeleteQuest removes a quest from the catalog
func (h *Handler) DeleteQuest(w http.ResponseWriter, r *http.Request) {
	questID := chi.URLParam(r, "questID")
	if err := h.deps.Quests.DeleteQuest(r.Context(), questID); err != nil {
		h.handleError(w, "delete quest", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

// ListMyQuests returns the caller's quest links
func (h *Handler) ListMyQuests(w http.ResponseWriter, r *http.Request) {
	links, err := h.deps.Quests.PlayerQuests(r.Context(), caller(r).PlayerID)
	if err != nil {
		h.handleError(w, "list my quests", err)
		return
	}
	if links == nil {
		links = []domain.PlayerQuest{}
	}
	h.writeSuccess(w, links)
}

// AssignQuest starts a quest for the caller
func (h *Handler) AssignQuest(w http.ResponseWriter, r *http.Request) {
	questID := chi.URLParam(r, "questID")
	link, err := h.deps.Quests.AssignQuest(r.Context(), caller(r).PlayerID, questID)
	if err != nil {
		h.handleError(w, "assign quest", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    link,
	})
}

// CheckProgress measures the caller's playtime against an active quest
func (h *Handler) CheckProgress(w http.ResponseWriter, r *http.Request) {
	questID := chi.URLParam(r, "questID")
	result, err := h.deps.Quests.CheckProgress(r.Context(), caller(r).PlayerID, questID)
	if err != nil {
		h.handleError(w, "check progress", err)
		return
	}
	h.writeSuccess(w, result)
}

// CompleteQuest completes a quest for the caller without a playtime check
func (h *Handler) CompleteQuest(w http.ResponseWriter, r *http.Request) {
	questID := chi.URLParam(r, "questID")
	result, err := h.deps.Quests.CompleteQuest(r.Context(), caller(r).PlayerID, questID)
	if err != nil {
		h.handleError(w, "complete quest", err)
		return
	}
	h.writeSuccess(w, result)
}

// GetLeaderboard returns the top players by points
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = n
	}

	entries, err := h.deps.Leaderboard.Leaderboard(r.Context(), limit)
	if err != nil {
		h.handleError(w, "get leaderboard", err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	h.writeSuccess(w, entries)
}

// ListPromotions returns discounted storefront titles
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promotions, err := h.deps.Promotions.ListPromotions(r.Context())
	if err != nil {
		h.handleError(w, "list promotions", err)
		return
	}
	h.writeSuccess(w, promotions)
}
