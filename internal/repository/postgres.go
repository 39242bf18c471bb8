// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/promo-system/internal/ledger"
	"github.com/mmeshcher/promo-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrChannelNotFound возвращается при запросе правил неизвестного канала.
var (
	ErrChannelNotFound = errors.New("channel not found")
	// ErrVoucherNotFound возвращается, если код ваучера не найден.
	ErrVoucherNotFound = errors.New("voucher code not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
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

// Денежные суммы и проценты хранятся в минорных единицах (BIGINT, масштаб 2):
// значение 1000 — это 10.00 валюты либо 10.00%.
func minorToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// GetRulesByChannel возвращает все промо-правила канала. Для неизвестного
// канала возвращает ErrChannelNotFound.
func (r *PostgresRepository) GetRulesByChannel(ctx context.Context, channel string) ([]model.PromotionRule, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE slug = $1)`,
		channel,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check channel: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, channel, predicate, reward_type, reward_value_minor, reward_currency, priority, starts_at, ends_at
		 FROM promotion_rules
		 WHERE channel = $1`,
		channel,
	)
	if err != nil {
		return nil, fmt.Errorf("select rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetRulesByIDs возвращает правила с указанными идентификаторами.
// Отсутствующие идентификаторы молча пропускаются.
func (r *PostgresRepository) GetRulesByIDs(ctx context.Context, ids []int64) ([]model.PromotionRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, channel, predicate, reward_type, reward_value_minor, reward_currency, priority, starts_at, ends_at
		 FROM promotion_rules
		 WHERE id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select rules by ids: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]model.PromotionRule, error) {
	var rules []model.PromotionRule
	for rows.Next() {
		var (
			rule           model.PromotionRule
			predicateJSON  []byte
			rewardType     string
			rewardMinor    int64
			rewardCurrency *string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Channel, &predicateJSON, &rewardType, &rewardMinor, &rewardCurrency, &rule.Priority, &rule.StartsAt, &rule.EndsAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		if err := json.Unmarshal(predicateJSON, &rule.Predicate); err != nil {
			return nil, fmt.Errorf("unmarshal predicate of rule %d: %w", rule.ID, err)
		}

		rule.RewardType = model.RewardType(rewardType)
		rule.RewardValue = minorToDecimal(rewardMinor)
		if rewardCurrency != nil {
			rule.RewardCurrency = *rewardCurrency
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rules, nil
}

// TouchRulesRecalculated фиксирует момент последнего пересчёта правил.
// Повторный пересчёт того же правила безопасен.
func (r *PostgresRepository) TouchRulesRecalculated(ctx context.Context, ids []int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE promotion_rules SET last_recalculated_at = now() WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("touch rules: %w", err)
	}
	return nil
}

// GetVoucherByCode возвращает код ваучера вместе с определением скидки.
func (r *PostgresRepository) GetVoucherByCode(ctx context.Context, code string) (*model.VoucherCode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT vc.code, vc.used_count, v.id, v.type, v.value_minor, v.currency, v.usage_limit
		 FROM voucher_codes vc
		 JOIN vouchers v ON v.id = vc.voucher_id
		 WHERE vc.code = $1`,
		code,
	)

	var (
		vc         model.VoucherCode
		vType      string
		valueMinor int64
		currency   *string
	)
	err := row.Scan(&vc.Code, &vc.UsedCount, &vc.Voucher.ID, &vType, &valueMinor, &currency, &vc.Voucher.UsageLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrVoucherNotFound, code)
		}
		return nil, fmt.Errorf("get voucher: %w", err)
	}

	vc.Voucher.Type = model.VoucherType(vType)
	vc.Voucher.Value = minorToDecimal(valueMinor)
	if currency != nil {
		vc.Voucher.Currency = *currency
	}

	return &vc, nil
}

// TryReserve проверяет доступность кода и создаёт резервирование в одной
// транзакции под блокировкой строки кода: FOR UPDATE сериализует конкурентные
// резервирования одного кода, иначе при READ COMMITTED два параллельных
// вызова посчитали бы резервирования по снимкам без вставок друг друга.
// Возвращает false, если свободных слотов не осталось. Повторное
// резервирование тем же чекаутом считается успешным.
func (r *PostgresRepository) TryReserve(ctx context.Context, code, checkoutID string) (bool, error) {
	var reserved bool
	err := r.withRetry(ctx, func() error {
		reserved = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var usedCount, usageLimit int
		err = tx.QueryRow(ctx,
			`SELECT vc.used_count, v.usage_limit
			 FROM voucher_codes vc
			 JOIN vouchers v ON v.id = vc.voucher_id
			 WHERE vc.code = $1
			 FOR UPDATE OF vc`,
			code,
		).Scan(&usedCount, &usageLimit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lock voucher code: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM voucher_reservations WHERE code = $1 AND checkout_id = $2)`,
			code, checkoutID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if exists {
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			reserved = true
			return nil
		}

		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM voucher_reservations WHERE code = $1`,
			code,
		).Scan(&active); err != nil {
			return fmt.Errorf("count reservations: %w", err)
		}
		if usedCount+active >= usageLimit {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO voucher_reservations (code, checkout_id) VALUES ($1, $2)`,
			code, checkoutID,
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// HasReservation сообщает, зарезервирован ли код за указанным чекаутом.
func (r *PostgresRepository) HasReservation(ctx context.Context, code, checkoutID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voucher_reservations WHERE code = $1 AND checkout_id = $2)`,
		code, checkoutID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reservation: %w", err)
	}
	return exists, nil
}

// DeleteReservation снимает резервирование кода за чекаутом.
// Возвращает false, если резервирования не было.
func (r *PostgresRepository) DeleteReservation(ctx context.Context, code, checkoutID string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM voucher_reservations WHERE code = $1 AND checkout_id = $2`,
		code, checkoutID,
	)
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// HasRedemption сообщает, погашен ли код указанным чекаутом.
func (r *PostgresRepository) HasRedemption(ctx context.Context, code, checkoutID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voucher_redemptions WHERE code = $1 AND checkout_id = $2)`,
		code, checkoutID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check redemption: %w", err)
	}
	return exists, nil
}

// CASConfirm выполняет compare-and-swap счётчика использований: увеличивает
// used_count, только если он равен expectedUsed, и в той же транзакции
// записывает погашение и снимает резервирование. Возвращает false при
// конфликте CAS — вызывающая сторона перечитывает счётчик и повторяет.
// Если резервирования уже нет (снято фоновой чисткой), транзакция
// откатывается с ledger.ErrReservationGone: слот не расходуется.
func (r *PostgresRepository) CASConfirm(ctx context.Context, code, checkoutID string, expectedUsed int) (bool, error) {
	var confirmed bool
	err := r.withRetry(ctx, func() error {
		confirmed = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE voucher_codes SET used_count = used_count + 1 WHERE code = $1 AND used_count = $2`,
			code, expectedUsed,
		)
		if err != nil {
			return fmt.Errorf("cas used_count: %w", err)
		}
		if cmdTag.RowsAffected() != 1 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO voucher_redemptions (code, checkout_id) VALUES ($1, $2)`,
			code, checkoutID,
		); err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		delTag, err := tx.Exec(ctx,
			`DELETE FROM voucher_reservations WHERE code = $1 AND checkout_id = $2`,
			code, checkoutID,
		)
		if err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
		if delTag.RowsAffected() != 1 {
			return fmt.Errorf("%w: code %s, checkout %s", ledger.ErrReservationGone, code, checkoutID)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		confirmed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return confirmed, nil
}

// DeleteExpiredReservations снимает резервирования старше указанного момента
// и возвращает их число.
func (r *PostgresRepository) DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM voucher_reservations WHERE reserved_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
