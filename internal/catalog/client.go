// Package catalog предоставляет клиент каталога квестов.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ntereshin/questboard-system/internal/model"
	"github.com/ntereshin/questboard-system/internal/repository"
)

const (
	cacheSize = 512
	cacheTTL  = 5 * time.Minute
)

// Client инкапсулирует HTTP-взаимодействие с внешним сервисом каталога квестов.
// Определения квестов — редко меняющиеся справочные данные, поэтому удачные
// ответы кэшируются с ограниченным временем жизни.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache
}

type cacheEntry struct {
	quest     model.Quest
	fetchedAt time.Time
}

// questPayload описывает ответ каталога по одному квесту.
type questPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	PointsValue int64  `json:"points_value"`
	Category    string `json:"category"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

// NewClient создаёт HTTP-клиент каталога квестов по указанному адресу.
func NewClient(baseURL string) *Client {
	cache, _ := lru.New(cacheSize)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache: cache,
	}
}

func (c *Client) resolveBase() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// GetActiveQuest возвращает активный квест по идентификатору. Для
// отсутствующего или неактивного квеста возвращается repository.ErrQuestNotFound.
func (c *Client) GetActiveQuest(ctx context.Context, questID string) (*model.Quest, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	if v, ok := c.cache.Get(questID); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.fetchedAt) < cacheTTL {
			q := entry.quest
			return &q, nil
		}
		c.cache.Remove(questID)
	}

	url := fmt.Sprintf("%s/api/quests/%s", c.resolveBase(), questID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, fmt.Errorf("%w: %s", repository.ErrQuestNotFound, questID)
	default:
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var payload questPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode quest: %w", err)
	}

	quest := payloadToQuest(payload)
	if !quest.Active {
		return nil, fmt.Errorf("%w: %s", repository.ErrQuestNotFound, questID)
	}

	c.cache.Add(questID, cacheEntry{quest: quest, fetchedAt: time.Now()})

	return &quest, nil
}

// ListActiveQuests возвращает все активные квесты каталога.
func (c *Client) ListActiveQuests(ctx context.Context) ([]model.Quest, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	url := fmt.Sprintf("%s/api/quests", c.resolveBase())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var payloads []questPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decode quests: %w", err)
	}

	quests := make([]model.Quest, 0, len(payloads))
	for _, p := range payloads {
		q := payloadToQuest(p)
		if !q.Active {
			continue
		}
		quests = append(quests, q)
	}

	return quests, nil
}

func payloadToQuest(p questPayload) model.Quest {
	createdAt, _ := time.Parse(time.RFC3339, p.CreatedAt)
	return model.Quest{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		PointsValue: p.PointsValue,
		Category:    model.QuestCategory(p.Category),
		Active:      p.IsActive,
		CreatedAt:   createdAt,
	}
}
