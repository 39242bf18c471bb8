// Package ledger реализует учёт использования кодов ваучеров: резервирование,
// подтверждение и освобождение с оптимистичным контролем конкурентности.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/promo-system/internal/model"
)

// ErrLimitExceeded возвращается при попытке резервирования кода, у которого
// исчерпан лимит использований.
var (
	ErrLimitExceeded = errors.New("voucher usage limit exceeded")
	// ErrInvalidVoucherState возвращается при операции над кодом в недопустимом
	// состоянии: подтверждение без резервирования, освобождение после подтверждения.
	ErrInvalidVoucherState = errors.New("invalid voucher state")
	// ErrConcurrentModification возвращается, когда попытки CAS-обновления
	// счётчика использований исчерпаны. Вызывающая сторона может повторить операцию.
	ErrConcurrentModification = errors.New("concurrent voucher modification")
	// ErrReservationGone возвращается хранилищем из CASConfirm, если
	// резервирование к моменту подтверждения уже снято. Леджер транслирует
	// его в ErrInvalidVoucherState.
	ErrReservationGone = errors.New("reservation no longer exists")
)

var errCASConflict = errors.New("used count changed concurrently")

// Storage описывает контракт хранилища состояния ваучеров.
// TryReserve и CASConfirm обязаны быть атомарными: первая проверяет
// доступность и создаёт резервирование одним действием, вторая выполняет
// compare-and-swap счётчика использований вместе с записью о погашении и
// снятием резервирования в одной транзакции. Если резервирования уже нет,
// CASConfirm обязан откатиться и вернуть ErrReservationGone.
type Storage interface {
	GetVoucherByCode(ctx context.Context, code string) (*model.VoucherCode, error)
	TryReserve(ctx context.Context, code, checkoutID string) (bool, error)
	HasReservation(ctx context.Context, code, checkoutID string) (bool, error)
	DeleteReservation(ctx context.Context, code, checkoutID string) (bool, error)
	HasRedemption(ctx context.Context, code, checkoutID string) (bool, error)
	CASConfirm(ctx context.Context, code, checkoutID string, expectedUsed int) (bool, error)
	DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error)
}

// Ledger управляет состоянием кодов ваучеров. Конкурентный доступ к разным
// кодам не блокируется: единственный оспариваемый ресурс — счётчик
// использований конкретного кода, обновляемый через CAS.
type Ledger struct {
	storage        Storage
	reservationTTL time.Duration
	casAttempts    int
	casBackoff     time.Duration
}

// NewLedger создаёт новый леджер ваучеров поверх указанного хранилища.
func NewLedger(storage Storage, reservationTTL time.Duration, casAttempts int) *Ledger {
	if casAttempts < 1 {
		casAttempts = 1
	}
	return &Ledger{
		storage:        storage,
		reservationTTL: reservationTTL,
		casAttempts:    casAttempts,
		casBackoff:     50 * time.Millisecond,
	}
}

// Reserve резервирует код ваучера за чекаутом. Повторное резервирование тем же
// чекаутом — no-op. При исчерпанном лимите возвращает ErrLimitExceeded.
func (l *Ledger) Reserve(ctx context.Context, code, checkoutID string) error {
	vc, err := l.storage.GetVoucherByCode(ctx, code)
	if err != nil {
		return err
	}

	redeemed, err := l.storage.HasRedemption(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return fmt.Errorf("%w: code %s already redeemed by checkout %s", ErrInvalidVoucherState, code, checkoutID)
	}

	reserved, err := l.storage.HasReservation(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("check reservation: %w", err)
	}
	if reserved {
		return nil
	}

	if vc.UsedCount >= vc.Voucher.UsageLimit {
		return fmt.Errorf("%w: code %s", ErrLimitExceeded, code)
	}

	ok, err := l.storage.TryReserve(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("reserve code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: code %s", ErrLimitExceeded, code)
	}

	return nil
}

// Confirm подтверждает резервирование при завершении заказа и атомарно
// увеличивает счётчик использований. CAS повторяется с экспоненциальной
// паузой ограниченное число раз, после чего возвращается
// ErrConcurrentModification. Повторное подтверждение тем же чекаутом — no-op.
func (l *Ledger) Confirm(ctx context.Context, code, checkoutID string) error {
	redeemed, err := l.storage.HasRedemption(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return nil
	}

	reserved, err := l.storage.HasReservation(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("check reservation: %w", err)
	}
	if !reserved {
		return fmt.Errorf("%w: no reservation of code %s for checkout %s", ErrInvalidVoucherState, code, checkoutID)
	}

	backoff := retry.WithMaxRetries(uint64(l.casAttempts-1), retry.NewExponential(l.casBackoff))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		vc, err := l.storage.GetVoucherByCode(ctx, code)
		if err != nil {
			return err
		}
		if vc.UsedCount >= vc.Voucher.UsageLimit {
			return fmt.Errorf("%w: code %s", ErrLimitExceeded, code)
		}

		ok, err := l.storage.CASConfirm(ctx, code, checkoutID, vc.UsedCount)
		if errors.Is(err, ErrReservationGone) {
			// Резервирование снято между проверкой и CAS (например, фоновой
			// чисткой) — слот не расходуется.
			return fmt.Errorf("%w: reservation of code %s for checkout %s is gone", ErrInvalidVoucherState, code, checkoutID)
		}
		if err != nil {
			return fmt.Errorf("cas confirm: %w", err)
		}
		if !ok {
			return retry.RetryableError(errCASConflict)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errCASConflict) {
			return fmt.Errorf("%w: code %s", ErrConcurrentModification, code)
		}
		return err
	}

	return nil
}

// Release освобождает резервирование при отмене чекаута. Операция идемпотентна
// и безопасна после того, как резервирование уже снято фоновой чисткой.
// Освобождение после подтверждения возвращает ErrInvalidVoucherState и не
// возвращает использованный слот.
func (l *Ledger) Release(ctx context.Context, code, checkoutID string) error {
	redeemed, err := l.storage.HasRedemption(ctx, code, checkoutID)
	if err != nil {
		return fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return fmt.Errorf("%w: code %s already redeemed by checkout %s", ErrInvalidVoucherState, code, checkoutID)
	}

	if _, err := l.storage.DeleteReservation(ctx, code, checkoutID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}

	return nil
}

// State возвращает состояние кода ваучера относительно указанного чекаута.
func (l *Ledger) State(ctx context.Context, code, checkoutID string) (model.VoucherState, error) {
	vc, err := l.storage.GetVoucherByCode(ctx, code)
	if err != nil {
		return "", err
	}

	redeemed, err := l.storage.HasRedemption(ctx, code, checkoutID)
	if err != nil {
		return "", fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return model.VoucherRedeemed, nil
	}

	reserved, err := l.storage.HasReservation(ctx, code, checkoutID)
	if err != nil {
		return "", fmt.Errorf("check reservation: %w", err)
	}
	if reserved {
		return model.VoucherReserved, nil
	}

	if vc.UsedCount >= vc.Voucher.UsageLimit {
		return model.VoucherExhausted, nil
	}

	return model.VoucherAvailable, nil
}

// Sweep снимает резервирования, не подтверждённые в течение TTL, и возвращает
// число освобождённых слотов. Запоздавшее подтверждение после чистки получит
// ErrInvalidVoucherState.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	before := time.Now().Add(-l.reservationTTL)
	n, err := l.storage.DeleteExpiredReservations(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("sweep reservations: %w", err)
	}
	return n, nil
}
