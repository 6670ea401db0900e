// Package model содержит доменные сущности сервиса квестборд.
package model

import "time"

// QuestCategory описывает категорию квеста.
type QuestCategory string

const (
	CategorySpiritual QuestCategory = "spiritual"
	CategoryBusiness  QuestCategory = "business"
	CategoryHealth    QuestCategory = "health"
	CategoryPersonal  QuestCategory = "personal"
	CategoryOther     QuestCategory = "other"
)

// Valid сообщает, входит ли категория в фиксированный набор.
func (c QuestCategory) Valid() bool {
	switch c {
	case CategorySpiritual, CategoryBusiness, CategoryHealth, CategoryPersonal, CategoryOther:
		return true
	}
	return false
}

// Quest описывает определение квеста из каталога. Справочные данные,
// в рамках сервиса только читаются.
type Quest struct {
	ID          string
	Title       string
	Description string
	PointsValue int64
	Category    QuestCategory
	Active      bool
	CreatedAt   time.Time
}

// Completion описывает факт засчитанного выполнения квеста пользователем
// за конкретный квест-день. Запись неизменяема.
type Completion struct {
	ID         string
	UserID     string
	QuestID    string
	QuestDay   string
	AcceptedAt time.Time
}

// CompletionOutcome описывает результат попытки выполнения квеста.
type CompletionOutcome string

const (
	// OutcomeAccepted — выполнение засчитано, баллы начислены.
	OutcomeAccepted CompletionOutcome = "ACCEPTED"
	// OutcomeAlreadyCompleted — квест уже выполнен в этот квест-день,
	// повторное начисление не производится.
	OutcomeAlreadyCompleted CompletionOutcome = "ALREADY_COMPLETED"
)

// CompletionResult содержит результат вызова CompleteQuest: исход и
// актуальный суммарный счёт пользователя.
type CompletionResult struct {
	Outcome  CompletionOutcome
	NewTotal int64
}

// RankEntry описывает позицию пользователя в таблице лидеров.
// Ранг начинается с 1; при равенстве баллов порядок определяется
// возрастанием идентификатора пользователя.
type RankEntry struct {
	UserID      string `json:"user_id"`
	TotalPoints int64  `json:"total_points"`
	Rank        int64  `json:"rank"`
}

// QuestStatus объединяет определение квеста с признаком его выполнения
// текущим пользователем за текущий квест-день.
type QuestStatus struct {
	Quest     Quest
	Completed bool
}
