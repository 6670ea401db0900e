package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ntereshin/questboard-system/internal/model"
	"github.com/ntereshin/questboard-system/internal/repository"
)

// memRepo — потокобезопасная реализация Repository в памяти, повторяющая
// семантику атомарной вставки с начислением.
type memRepo struct {
	mu          sync.Mutex
	completions map[string]int64 // user|quest|day -> points
	totals      map[string]int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		completions: make(map[string]int64),
		totals:      make(map[string]int64),
	}
}

func completionKey(userID, questID, dayKey string) string {
	return userID + "|" + questID + "|" + dayKey
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) TryInsertCompletion(ctx context.Context, userID, questID, dayKey string, points int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := completionKey(userID, questID, dayKey)
	if _, exists := m.completions[key]; exists {
		return false, m.totals[userID], nil
	}

	m.completions[key] = points
	m.totals[userID] += points
	return true, m.totals[userID], nil
}

func (m *memRepo) CompletionsForDay(ctx context.Context, userID, dayKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var questIDs []string
	for key := range m.completions {
		parts := strings.SplitN(key, "|", 3)
		if parts[0] == userID && parts[2] == dayKey {
			questIDs = append(questIDs, parts[1])
		}
	}
	sort.Strings(questIDs)
	return questIDs, nil
}

func (m *memRepo) UserTotal(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[userID], nil
}

func (m *memRepo) TopScores(ctx context.Context, n int) ([]model.RankEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]model.RankEntry, 0, len(m.totals))
	for userID, total := range m.totals {
		entries = append(entries, model.RankEntry{UserID: userID, TotalPoints: total})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		return entries[i].UserID < entries[j].UserID
	})

	if len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries, nil
}

func (m *memRepo) RankOf(ctx context.Context, userID string) (*model.RankEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.totals[userID]
	rank := int64(1)
	for other, otherTotal := range m.totals {
		if other == userID {
			continue
		}
		if otherTotal > total || (otherTotal == total && other < userID) {
			rank++
		}
	}
	return &model.RankEntry{UserID: userID, TotalPoints: total, Rank: rank}, nil
}

func (m *memRepo) ReconcileScores(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromLedger := make(map[string]int64)
	for key, points := range m.completions {
		parts := strings.SplitN(key, "|", 3)
		fromLedger[parts[0]] += points
	}

	repaired := 0
	for userID, total := range m.totals {
		if fromLedger[userID] != total {
			m.totals[userID] = fromLedger[userID]
			repaired++
		}
	}
	for userID, total := range fromLedger {
		if _, ok := m.totals[userID]; !ok {
			m.totals[userID] = total
			repaired++
		}
	}
	return repaired, nil
}

// corrupt подменяет счёт пользователя, имитируя расхождение проекции с журналом.
func (m *memRepo) corrupt(userID string, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[userID] = total
}

type stubCatalog struct {
	quests map[string]model.Quest
}

func (s *stubCatalog) GetActiveQuest(ctx context.Context, questID string) (*model.Quest, error) {
	q, ok := s.quests[questID]
	if !ok || !q.Active {
		return nil, fmt.Errorf("%w: %s", repository.ErrQuestNotFound, questID)
	}
	return &q, nil
}

func (s *stubCatalog) ListActiveQuests(ctx context.Context) ([]model.Quest, error) {
	var quests []model.Quest
	for _, q := range s.quests {
		if q.Active {
			quests = append(quests, q)
		}
	}
	sort.Slice(quests, func(i, j int) bool { return quests[i].ID < quests[j].ID })
	return quests, nil
}

func defaultCatalog() *stubCatalog {
	return &stubCatalog{quests: map[string]model.Quest{
		"pray":    {ID: "pray", Title: "Pray", PointsValue: 10, Category: model.CategorySpiritual, Active: true},
		"workout": {ID: "workout", Title: "Workout", PointsValue: 15, Category: model.CategoryHealth, Active: true},
		"retired": {ID: "retired", Title: "Retired", PointsValue: 5, Category: model.CategoryOther, Active: false},
	}}
}

func TestCompleteQuest_AcceptedThenAlreadyCompleted(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	first, err := svc.CompleteQuest(context.Background(), "user-a", "pray", now)
	if err != nil {
		t.Fatalf("first CompleteQuest error: %v", err)
	}
	if first.Outcome != model.OutcomeAccepted {
		t.Fatalf("first outcome = %s, want %s", first.Outcome, model.OutcomeAccepted)
	}
	if first.NewTotal != 10 {
		t.Fatalf("first total = %d, want 10", first.NewTotal)
	}

	// Повторная попытка тем же квест-днём, но в другое время
	later := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	second, err := svc.CompleteQuest(context.Background(), "user-a", "pray", later)
	if err != nil {
		t.Fatalf("second CompleteQuest error: %v", err)
	}
	if second.Outcome != model.OutcomeAlreadyCompleted {
		t.Fatalf("second outcome = %s, want %s", second.Outcome, model.OutcomeAlreadyCompleted)
	}
	if second.NewTotal != 10 {
		t.Fatalf("total after duplicate = %d, want 10", second.NewTotal)
	}
}

func TestCompleteQuest_NextDayAcceptedAgain(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	day1 := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)

	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", day1); err != nil {
		t.Fatalf("day1 CompleteQuest error: %v", err)
	}

	res, err := svc.CompleteQuest(context.Background(), "user-a", "pray", day2)
	if err != nil {
		t.Fatalf("day2 CompleteQuest error: %v", err)
	}
	if res.Outcome != model.OutcomeAccepted {
		t.Fatalf("day2 outcome = %s, want %s", res.Outcome, model.OutcomeAccepted)
	}
	if res.NewTotal != 20 {
		t.Fatalf("total after two days = %d, want 20", res.NewTotal)
	}
}

func TestCompleteQuest_ReferenceZoneBoundsTheDay(t *testing.T) {
	moscow, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), moscow, nil)

	// 20:30 и 22:30 UTC — один календарный день UTC, но разные дни в Москве
	before := time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)
	after := time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC)

	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", before); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}

	res, err := svc.CompleteQuest(context.Background(), "user-a", "pray", after)
	if err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}
	if res.Outcome != model.OutcomeAccepted {
		t.Fatalf("outcome across Moscow midnight = %s, want %s", res.Outcome, model.OutcomeAccepted)
	}
}

func TestCompleteQuest_NoDoubleCreditUnderRace(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	const workers = 32

	results := make(chan model.CompletionOutcome, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CompleteQuest(context.Background(), "user-a", "workout", now)
			if err != nil {
				t.Errorf("CompleteQuest error: %v", err)
				return
			}
			results <- res.Outcome
		}()
	}
	wg.Wait()
	close(results)

	accepted, duplicates := 0, 0
	for outcome := range results {
		switch outcome {
		case model.OutcomeAccepted:
			accepted++
		case model.OutcomeAlreadyCompleted:
			duplicates++
		}
	}

	if accepted != 1 {
		t.Fatalf("accepted = %d, want exactly 1", accepted)
	}
	if duplicates != workers-1 {
		t.Fatalf("duplicates = %d, want %d", duplicates, workers-1)
	}

	total, err := repo.UserTotal(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("UserTotal error: %v", err)
	}
	if total != 15 {
		t.Fatalf("total = %d, want 15 (single credit)", total)
	}
}

func TestCompleteQuest_QuestNotFound(t *testing.T) {
	svc := NewService(newMemRepo(), defaultCatalog(), time.UTC, nil)

	_, err := svc.CompleteQuest(context.Background(), "user-a", "no-such-quest", time.Now())
	if !errors.Is(err, repository.ErrQuestNotFound) {
		t.Fatalf("expected ErrQuestNotFound, got %v", err)
	}
}

func TestCompleteQuest_InactiveQuestRejected(t *testing.T) {
	svc := NewService(newMemRepo(), defaultCatalog(), time.UTC, nil)

	_, err := svc.CompleteQuest(context.Background(), "user-a", "retired", time.Now())
	if !errors.Is(err, repository.ErrQuestNotFound) {
		t.Fatalf("expected ErrQuestNotFound for inactive quest, got %v", err)
	}
}

func TestTodaysCompletions(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", yesterday); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}
	if _, err := svc.CompleteQuest(context.Background(), "user-a", "workout", now); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}

	questIDs, err := svc.TodaysCompletions(context.Background(), "user-a", now)
	if err != nil {
		t.Fatalf("TodaysCompletions error: %v", err)
	}
	if len(questIDs) != 1 || questIDs[0] != "workout" {
		t.Fatalf("todays completions = %v, want [workout]", questIDs)
	}
}

func TestListQuests_MarksCompleted(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", now); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}

	statuses, err := svc.ListQuests(context.Background(), "user-a", now)
	if err != nil {
		t.Fatalf("ListQuests error: %v", err)
	}

	// Неактивный квест не попадает в выдачу
	if len(statuses) != 2 {
		t.Fatalf("quests = %d, want 2", len(statuses))
	}
	for _, st := range statuses {
		wantCompleted := st.Quest.ID == "pray"
		if st.Completed != wantCompleted {
			t.Fatalf("quest %s completed = %v, want %v", st.Quest.ID, st.Completed, wantCompleted)
		}
	}
}

func TestLeaderboard_DeterministicTieBreak(t *testing.T) {
	repo := newMemRepo()
	repo.totals["user-a"] = 50
	repo.totals["user-b"] = 80
	repo.totals["user-c"] = 80

	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	for i := 0; i < 3; i++ {
		entries, err := svc.Leaderboard(context.Background(), 3)
		if err != nil {
			t.Fatalf("Leaderboard error: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("entries = %d, want 3", len(entries))
		}

		want := []model.RankEntry{
			{UserID: "user-b", TotalPoints: 80, Rank: 1},
			{UserID: "user-c", TotalPoints: 80, Rank: 2},
			{UserID: "user-a", TotalPoints: 50, Rank: 3},
		}
		for j, e := range entries {
			if e != want[j] {
				t.Fatalf("entry[%d] = %+v, want %+v", j, e, want[j])
			}
		}
	}

	rank, err := svc.RankOf(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("RankOf error: %v", err)
	}
	if rank.Rank != 3 || rank.TotalPoints != 50 {
		t.Fatalf("rank of user-a = %+v, want rank 3 with 50 points", rank)
	}
}

func TestReconcile_RepairsDivergedProjection(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", now); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}
	if _, err := svc.CompleteQuest(context.Background(), "user-a", "workout", now); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}

	// В спокойном состоянии проекция совпадает с журналом
	repaired, err := repo.ReconcileScores(context.Background())
	if err != nil {
		t.Fatalf("ReconcileScores error: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("repaired = %d, want 0 for consistent state", repaired)
	}

	repo.corrupt("user-a", 999)

	repaired, err = repo.ReconcileScores(context.Background())
	if err != nil {
		t.Fatalf("ReconcileScores error: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}

	total, err := repo.UserTotal(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("UserTotal error: %v", err)
	}
	if total != 25 {
		t.Fatalf("total after reconcile = %d, want 25", total)
	}
}

func TestReconcile_ConcurrentWithCompletions(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	stop := make(chan struct{})
	var reconcileWG sync.WaitGroup
	reconcileWG.Add(1)
	go func() {
		defer reconcileWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if _, err := repo.ReconcileScores(context.Background()); err != nil {
					t.Errorf("ReconcileScores error: %v", err)
					return
				}
			}
		}
	}()

	// Начисления разных дней идут параллельно с непрерывной сверкой
	const days = 50
	var wg sync.WaitGroup
	for i := 0; i < days; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, day)
			if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", now); err != nil {
				t.Errorf("CompleteQuest error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	reconcileWG.Wait()

	// В спокойном состоянии проекция равна сумме по журналу, сверке нечего чинить
	repaired, err := repo.ReconcileScores(context.Background())
	if err != nil {
		t.Fatalf("ReconcileScores error: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("repaired = %d, want 0: a committed credit was overwritten by reconciliation", repaired)
	}

	total, err := repo.UserTotal(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("UserTotal error: %v", err)
	}
	if total != days*10 {
		t.Fatalf("total = %d, want %d", total, days*10)
	}
}

func TestRunScoreReconciliation_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, defaultCatalog(), time.UTC, nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if _, err := svc.CompleteQuest(context.Background(), "user-a", "pray", now); err != nil {
		t.Fatalf("CompleteQuest error: %v", err)
	}
	repo.corrupt("user-a", 999)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		// Большой интервал: чинить должен первый немедленный проход
		svc.RunScoreReconciliation(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(500 * time.Millisecond)
	for {
		total, err := repo.UserTotal(context.Background(), "user-a")
		if err != nil {
			t.Fatalf("UserTotal error: %v", err)
		}
		if total == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("initial reconciliation pass did not repair the projection")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("RunScoreReconciliation did not return after context cancel")
	}
}
