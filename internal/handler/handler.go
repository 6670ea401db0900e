// Package handler содержит HTTP-обработчики API сервиса квестборд.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ntereshin/questboard-system/internal/middleware"
	"github.com/ntereshin/questboard-system/internal/model"
	"github.com/ntereshin/questboard-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CompleteQuest(ctx context.Context, userID, questID string, now time.Time) (*model.CompletionResult, error)
	TodaysCompletions(ctx context.Context, userID string, now time.Time) ([]string, error)
	ListQuests(ctx context.Context, userID string, now time.Time) ([]model.QuestStatus, error)
	Leaderboard(ctx context.Context, n int) ([]model.RankEntry, error)
	RankOf(ctx context.Context, userID string) (*model.RankEntry, error)
}

// Handler реализует HTTP-обработчики API сервиса квестборд.
type Handler struct {
	service          Service
	logger           *zap.Logger
	authMiddleware   *middleware.AuthMiddleware
	leaderboardLimit int
	leaderboardMax   int
	now              func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, leaderboardLimit, leaderboardMax int) *Handler {
	if leaderboardLimit <= 0 {
		leaderboardLimit = 10
	}
	if leaderboardMax < leaderboardLimit {
		leaderboardMax = leaderboardLimit
	}
	return &Handler{
		service:          s,
		logger:           logger,
		authMiddleware:   auth,
		leaderboardLimit: leaderboardLimit,
		leaderboardMax:   leaderboardMax,
		now:              time.Now,
	}
}

type completionResponse struct {
	QuestID     string `json:"quest_id"`
	Outcome     string `json:"outcome"`
	TotalPoints int64  `json:"total_points"`
}

// CompleteQuest обрабатывает попытку выполнения квеста текущим пользователем.
func (h *Handler) CompleteQuest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	questID := chi.URLParam(r, "questID")
	if questID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.CompleteQuest(r.Context(), userID, questID, h.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrQuestNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTransientStore):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("complete quest error", zap.Error(err), zap.String("quest", questID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(completionResponse{
		QuestID:     questID,
		Outcome:     string(result.Outcome),
		TotalPoints: result.NewTotal,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type questStatusResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	PointsValue int64  `json:"points_value"`
	Category    string `json:"category"`
	Completed   bool   `json:"completed"`
}

// ListQuests возвращает активные квесты с признаком выполнения за сегодня.
// Параметр category ограничивает выдачу одной категорией.
func (h *Handler) ListQuests(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var category model.QuestCategory
	if raw := r.URL.Query().Get("category"); raw != "" {
		category = model.QuestCategory(raw)
		if !category.Valid() {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	quests, err := h.service.ListQuests(r.Context(), userID, h.now())
	if err != nil {
		h.logger.Error("list quests error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if category != "" {
		filtered := quests[:0]
		for _, q := range quests {
			if q.Quest.Category == category {
				filtered = append(filtered, q)
			}
		}
		quests = filtered
	}

	if len(quests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]questStatusResponse, 0, len(quests))
	for _, q := range quests {
		resp = append(resp, questStatusResponse{
			ID:          q.Quest.ID,
			Title:       q.Quest.Title,
			Description: q.Quest.Description,
			PointsValue: q.Quest.PointsValue,
			Category:    string(q.Quest.Category),
			Completed:   q.Completed,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// TodaysCompletions возвращает идентификаторы квестов, выполненных сегодня.
func (h *Handler) TodaysCompletions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	questIDs, err := h.service.TodaysCompletions(r.Context(), userID, h.now())
	if err != nil {
		h.logger.Error("todays completions error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(questIDs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(questIDs); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Leaderboard возвращает таблицу лидеров.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := h.leaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > h.leaderboardMax {
		limit = h.leaderboardMax
	}

	entries, err := h.service.Leaderboard(r.Context(), limit)
	if err != nil {
		h.logger.Error("leaderboard error", zap.Error(err), zap.Int("limit", limit))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if entries == nil {
		entries = []model.RankEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// MyRank возвращает позицию текущего пользователя в общем упорядочении.
func (h *Handler) MyRank(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entry, err := h.service.RankOf(r.Context(), userID)
	if err != nil {
		h.logger.Error("rank error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
