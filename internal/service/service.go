// Package service реализует бизнес-логику сервиса квестборд.
package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ntereshin/questboard-system/internal/model"
	"github.com/ntereshin/questboard-system/internal/questday"
)

var (
	completionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questboard_completions_accepted_total",
		Help: "Number of quest completions that were credited.",
	})
	completionsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questboard_completions_duplicate_total",
		Help: "Number of completion attempts rejected as already completed for the quest day.",
	})
	scoresReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questboard_scores_reconciled_total",
		Help: "Number of score projection rows repaired from the completion ledger.",
	})
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	TryInsertCompletion(ctx context.Context, userID, questID, dayKey string, points int64) (bool, int64, error)
	CompletionsForDay(ctx context.Context, userID, dayKey string) ([]string, error)
	UserTotal(ctx context.Context, userID string) (int64, error)
	TopScores(ctx context.Context, n int) ([]model.RankEntry, error)
	RankOf(ctx context.Context, userID string) (*model.RankEntry, error)
	ReconcileScores(ctx context.Context) (int, error)
}

// Catalog описывает контракт доступа к справочнику квестов. Его реализуют
// HTTP-клиент внешнего каталога и локальная справочная таблица репозитория.
type Catalog interface {
	GetActiveQuest(ctx context.Context, questID string) (*model.Quest, error)
	ListActiveQuests(ctx context.Context) ([]model.Quest, error)
}

// Service содержит бизнес-логику сервиса квестборд.
type Service struct {
	repo    Repository
	catalog Catalog
	loc     *time.Location
	logger  *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием, каталогом квестов
// и опорным часовым поясом для границ квест-дня.
func NewService(repo Repository, catalog Catalog, loc *time.Location, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		catalog: catalog,
		loc:     loc,
		logger:  logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CompleteQuest обрабатывает попытку выполнения квеста пользователем.
// Вызов идемпотентен: повторный запрос с теми же аргументами безопасен и
// возвращает OutcomeAlreadyCompleted без повторного начисления, поэтому
// клиент, не знающий судьбу предыдущего запроса, может повторить его целиком.
func (s *Service) CompleteQuest(ctx context.Context, userID, questID string, now time.Time) (*model.CompletionResult, error) {
	quest, err := s.catalog.GetActiveQuest(ctx, questID)
	if err != nil {
		return nil, err
	}

	dayKey := questday.DayKey(now, s.loc)

	accepted, newTotal, err := s.repo.TryInsertCompletion(ctx, userID, quest.ID, dayKey, quest.PointsValue)
	if err != nil {
		return nil, err
	}

	if !accepted {
		completionsDuplicate.Inc()
		return &model.CompletionResult{
			Outcome:  model.OutcomeAlreadyCompleted,
			NewTotal: newTotal,
		}, nil
	}

	completionsAccepted.Inc()
	return &model.CompletionResult{
		Outcome:  model.OutcomeAccepted,
		NewTotal: newTotal,
	}, nil
}

// TodaysCompletions возвращает идентификаторы квестов, выполненных
// пользователем за текущий квест-день.
func (s *Service) TodaysCompletions(ctx context.Context, userID string, now time.Time) ([]string, error) {
	dayKey := questday.DayKey(now, s.loc)
	return s.repo.CompletionsForDay(ctx, userID, dayKey)
}

// ListQuests возвращает активные квесты вместе с признаком их выполнения
// пользователем за текущий квест-день.
func (s *Service) ListQuests(ctx context.Context, userID string, now time.Time) ([]model.QuestStatus, error) {
	quests, err := s.catalog.ListActiveQuests(ctx)
	if err != nil {
		return nil, err
	}

	completed, err := s.TodaysCompletions(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	done := make(map[string]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}

	statuses := make([]model.QuestStatus, 0, len(quests))
	for _, q := range quests {
		_, ok := done[q.ID]
		statuses = append(statuses, model.QuestStatus{
			Quest:     q,
			Completed: ok,
		})
	}

	return statuses, nil
}

// Leaderboard возвращает n лучших пользователей по убыванию баллов.
func (s *Service) Leaderboard(ctx context.Context, n int) ([]model.RankEntry, error) {
	return s.repo.TopScores(ctx, n)
}

// RankOf возвращает позицию пользователя в общем упорядочении.
func (s *Service) RankOf(ctx context.Context, userID string) (*model.RankEntry, error) {
	return s.repo.RankOf(ctx, userID)
}

// RunScoreReconciliation выполняет сверку проекции счёта с журналом
// выполнений до отмены контекста. Первый проход выполняется сразу, что
// восстанавливает согласованность после аварийного завершения; далее сверка
// повторяется с указанным интервалом. Найденное расхождение исправляется
// и логируется.
func (s *Service) RunScoreReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	s.reconcileOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context) {
	repaired, err := s.repo.ReconcileScores(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("score reconciliation failed", zap.Error(err))
		return
	}

	if repaired > 0 {
		scoresReconciled.Add(float64(repaired))
		s.logger.Warn("score projection diverged from ledger",
			zap.Int("repaired", repaired),
		)
	}
}
