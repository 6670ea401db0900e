// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ntereshin/questboard-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrQuestNotFound возвращается, если квест не найден или неактивен.
var (
	ErrQuestNotFound = errors.New("quest not found or inactive")
	// ErrUserNotFound возвращается, если пользователь отсутствует в проекции счёта.
	ErrUserNotFound = errors.New("user not found")
	// ErrTransientStore возвращается после исчерпания повторов при временной
	// недоступности хранилища. Вызов Complete безопасно повторить целиком.
	ErrTransientStore = errors.New("storage temporarily unavailable")
)

// PostgresRepository предоставляет доступ к журналу выполнений и проекции
// счёта в PostgreSQL. Инвариант "одно выполнение на квест-день" обеспечивает
// уникальный индекс, поэтому несколько экземпляров сервиса могут работать
// с одной базой без внешней координации.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
			break
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}

	if err != nil && (isConnectionError(err) || isRetryablePgError(err)) {
		return fmt.Errorf("%w: %s", ErrTransientStore, err.Error())
	}
	return err
}

func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// TryInsertCompletion атомарно записывает выполнение квеста и начисляет баллы.
// Вставка в журнал и обновление счёта выполняются в одной транзакции: при
// сбое между ними ни журнал, ни счёт не изменяются. Если выполнение за этот
// квест-день уже записано, возвращает accepted=false и текущий счёт без
// каких-либо побочных эффектов. При параллельных вызовах с одинаковым ключом
// ровно один наблюдает accepted=true — это гарантирует уникальный индекс,
// а не блокировки в процессе.
func (r *PostgresRepository) TryInsertCompletion(ctx context.Context, userID, questID, dayKey string, points int64) (bool, int64, error) {
	var accepted bool
	var newTotal int64

	err := r.withRetry(ctx, func() error {
		var err error
		accepted, newTotal, err = r.tryInsertCompletion(ctx, userID, questID, dayKey, points)
		return err
	})
	if err != nil {
		return false, 0, err
	}

	return accepted, newTotal, nil
}

func (r *PostgresRepository) tryInsertCompletion(ctx context.Context, userID, questID, dayKey string, points int64) (bool, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO completions (id, user_id, quest_id, quest_day, points_awarded)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, quest_id, quest_day) DO NOTHING`,
		uuid.NewString(), userID, questID, dayKey, points,
	)
	if err != nil {
		return false, 0, fmt.Errorf("insert completion: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	var total int64
	if inserted {
		err = tx.QueryRow(ctx,
			`INSERT INTO scores (user_id, total_points)
			 VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE
			 SET total_points = scores.total_points + EXCLUDED.total_points,
			     updated_at = now()
			 RETURNING total_points`,
			userID, points,
		).Scan(&total)
		if err != nil {
			return false, 0, fmt.Errorf("credit score: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT total_points FROM scores WHERE user_id = $1), 0)`,
			userID,
		).Scan(&total)
		if err != nil {
			return false, 0, fmt.Errorf("select score: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit tx: %w", err)
	}

	return inserted, total, nil
}

// CompletionsForDay возвращает идентификаторы квестов, выполненных
// пользователем за указанный квест-день.
func (r *PostgresRepository) CompletionsForDay(ctx context.Context, userID, dayKey string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT quest_id
		 FROM completions
		 WHERE user_id = $1 AND quest_day = $2
		 ORDER BY accepted_at`,
		userID, dayKey,
	)
	if err != nil {
		return nil, fmt.Errorf("select completions: %w", err)
	}
	defer rows.Close()

	var questIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		questIDs = append(questIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return questIDs, nil
}

// UserTotal возвращает текущий суммарный счёт пользователя. Для пользователя
// без начислений возвращается 0.
func (r *PostgresRepository) UserTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT total_points FROM scores WHERE user_id = $1), 0)`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("select total: %w", err)
	}
	return total, nil
}

// TopScores возвращает n лучших пользователей по убыванию баллов. При
// равенстве баллов порядок определяется возрастанием идентификатора,
// поэтому результат полностью детерминирован.
func (r *PostgresRepository) TopScores(ctx context.Context, n int) ([]model.RankEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, total_points,
		        ROW_NUMBER() OVER (ORDER BY total_points DESC, user_id ASC) AS rank
		 FROM scores
		 ORDER BY total_points DESC, user_id ASC
		 LIMIT $1`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("select top scores: %w", err)
	}
	defer rows.Close()

	var entries []model.RankEntry
	for rows.Next() {
		var e model.RankEntry
		if err := rows.Scan(&e.UserID, &e.TotalPoints, &e.Rank); err != nil {
			return nil, fmt.Errorf("scan rank entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// RankOf возвращает позицию пользователя в полном упорядочении, в том числе
// за пределами видимого топа. Пользователь без начислений считается
// нулевым и ранжируется по тому же правилу.
func (r *PostgresRepository) RankOf(ctx context.Context, userID string) (*model.RankEntry, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT total_points FROM scores WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("select score: %w", err)
		}
		total = 0
	}

	var rank int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) + 1
		 FROM scores
		 WHERE total_points > $2
		    OR (total_points = $2 AND user_id < $1)`,
		userID, total,
	).Scan(&rank)
	if err != nil {
		return nil, fmt.Errorf("count rank: %w", err)
	}

	return &model.RankEntry{
		UserID:      userID,
		TotalPoints: total,
		Rank:        rank,
	}, nil
}

// ReconcileScores пересчитывает проекцию счёта из журнала выполнений и
// возвращает количество исправленных записей. Журнал — источник истины;
// расхождение проекции с ним допустимо только как следствие сбоя и
// устраняется этим пересчётом. Сверка выполняется параллельно с живыми
// начислениями, поэтому конфликтующая транзакция повторяется через withRetry.
func (r *PostgresRepository) ReconcileScores(ctx context.Context) (int, error) {
	var repaired int
	err := r.withRetry(ctx, func() error {
		var err error
		repaired, err = r.reconcileScores(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

// Суммы из журнала и условное обновление проекции должны видеть один снимок
// данных: на READ COMMITTED запись, закоммиченная между подсчётом суммы и
// захватом строки scores, была бы затёрта устаревшей суммой. REPEATABLE READ
// превращает такой конфликт в serialization failure, который повторяет
// withRetry.
func (r *PostgresRepository) reconcileScores(ctx context.Context) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO scores (user_id, total_points)
		 SELECT user_id, SUM(points_awarded)
		 FROM completions
		 GROUP BY user_id
		 ON CONFLICT (user_id) DO UPDATE
		 SET total_points = EXCLUDED.total_points,
		     updated_at = now()
		 WHERE scores.total_points <> EXCLUDED.total_points`,
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile ledger totals: %w", err)
	}
	repaired := int(cmdTag.RowsAffected())

	cmdTag, err = tx.Exec(ctx,
		`UPDATE scores SET total_points = 0, updated_at = now()
		 WHERE total_points <> 0
		   AND user_id NOT IN (SELECT DISTINCT user_id FROM completions)`,
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile orphan scores: %w", err)
	}
	repaired += int(cmdTag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return repaired, nil
}

// GetActiveQuest возвращает активный квест из локальной справочной таблицы.
func (r *PostgresRepository) GetActiveQuest(ctx context.Context, questID string) (*model.Quest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, description, points_value, category, is_active, created_at
		 FROM quests
		 WHERE id = $1 AND is_active`,
		questID,
	)

	var q model.Quest
	err := row.Scan(&q.ID, &q.Title, &q.Description, &q.PointsValue, &q.Category, &q.Active, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrQuestNotFound, questID)
		}
		return nil, fmt.Errorf("get quest: %w", err)
	}

	return &q, nil
}

// ListActiveQuests возвращает все активные квесты, упорядоченные по категории.
func (r *PostgresRepository) ListActiveQuests(ctx context.Context) ([]model.Quest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, points_value, category, is_active, created_at
		 FROM quests
		 WHERE is_active
		 ORDER BY category, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select quests: %w", err)
	}
	defer rows.Close()

	var quests []model.Quest
	for rows.Next() {
		var q model.Quest
		if err := rows.Scan(&q.ID, &q.Title, &q.Description, &q.PointsValue, &q.Category, &q.Active, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quest: %w", err)
		}
		quests = append(quests, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return quests, nil
}
