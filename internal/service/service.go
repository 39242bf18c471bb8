// Package service реализует бизнес-логику промо-движка.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/promo-system/internal/allocator"
	"github.com/mmeshcher/promo-system/internal/catalog"
	"github.com/mmeshcher/promo-system/internal/ledger"
	"github.com/mmeshcher/promo-system/internal/model"
	"github.com/mmeshcher/promo-system/internal/notifier"
	"github.com/mmeshcher/promo-system/internal/predicate"
	"github.com/mmeshcher/promo-system/internal/scheduler"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Объединяет контракты каталога правил и леджера ваучеров.
type Repository interface {
	Close() error
	GetRulesByChannel(ctx context.Context, channel string) ([]model.PromotionRule, error)
	GetRulesByIDs(ctx context.Context, ids []int64) ([]model.PromotionRule, error)
	TouchRulesRecalculated(ctx context.Context, ids []int64) error
	GetVoucherByCode(ctx context.Context, code string) (*model.VoucherCode, error)
	TryReserve(ctx context.Context, code, checkoutID string) (bool, error)
	HasReservation(ctx context.Context, code, checkoutID string) (bool, error)
	DeleteReservation(ctx context.Context, code, checkoutID string) (bool, error)
	HasRedemption(ctx context.Context, code, checkoutID string) (bool, error)
	CASConfirm(ctx context.Context, code, checkoutID string, expectedUsed int) (bool, error)
	DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error)
}

// Options содержит настройки фоновых процессов и леджера.
type Options struct {
	ReservationTTL  time.Duration
	CASAttempts     int
	SweepInterval   time.Duration
	RecalcInterval  time.Duration
	RecalcBatchSize int
}

// Service содержит бизнес-логику промо-движка.
type Service struct {
	repo     Repository
	catalog  *catalog.Catalog
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	notifier notifier.Notifier
	logger   *zap.Logger
	opts     Options
}

// NewService создаёт новый сервис поверх указанного репозитория.
func NewService(repo Repository, notif notifier.Notifier, logger *zap.Logger, opts Options) *Service {
	if notif == nil {
		notif = notifier.Nop{}
	}
	return &Service{
		repo:     repo,
		catalog:  catalog.New(repo),
		ledger:   ledger.NewLedger(repo, opts.ReservationTTL, opts.CASAttempts),
		sched:    scheduler.New(),
		notifier: notif,
		logger:   logger,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Evaluate вычисляет скидки для чекаута: подбирает активные правила канала,
// фильтрует их предикатами по строкам и распределяет вознаграждения вместе
// с зарезервированными ваучерами. Ошибки конфигурации отдельных правил
// изолируются: правило пропускается с записью в лог, оценка продолжается.
func (s *Service) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationResult, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	rules, err := s.catalog.ActiveRules(ctx, req.Channel, at)
	if err != nil {
		return nil, err
	}

	rulesPerLine := make(map[string][]model.PromotionRule, len(req.Lines))
	for _, line := range req.Lines {
		target := predicate.TargetFromLine(line)
		for _, rule := range rules {
			if err := catalog.ValidateRule(rule); err != nil {
				s.logger.Warn("skipping misconfigured rule", zap.Int64("ruleID", rule.ID), zap.Error(err))
				continue
			}
			ok, err := predicate.Matches(rule.Predicate, target)
			if err != nil {
				s.logger.Warn("skipping rule with broken predicate", zap.Int64("ruleID", rule.ID), zap.Error(err))
				continue
			}
			if ok {
				rulesPerLine[line.LineID] = append(rulesPerLine[line.LineID], rule)
			}
		}
	}

	vouchers := make([]allocator.ReservedVoucher, 0, len(req.VoucherCodes))
	seenCodes := make(map[string]struct{}, len(req.VoucherCodes))
	for _, code := range req.VoucherCodes {
		// Повторно переданный код учитывается один раз: слот погашения один.
		if _, ok := seenCodes[code]; ok {
			continue
		}
		seenCodes[code] = struct{}{}
		state, err := s.ledger.State(ctx, code, req.CheckoutID)
		if err != nil {
			return nil, err
		}
		if state != model.VoucherReserved {
			return nil, fmt.Errorf("%w: code %s is %s, want RESERVED", ledger.ErrInvalidVoucherState, code, state)
		}

		vc, err := s.repo.GetVoucherByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, allocator.ReservedVoucher{
			Code:     vc.Code,
			Type:     vc.Voucher.Type,
			Value:    vc.Voucher.Value,
			Currency: vc.Voucher.Currency,
		})
	}

	allocations, err := allocator.Allocate(req.Lines, rulesPerLine, vouchers)
	if err != nil {
		return nil, err
	}

	result := allocator.Summarize(req.Lines, allocations)
	return &result, nil
}

// ReserveVoucher резервирует код ваучера за чекаутом.
func (s *Service) ReserveVoucher(ctx context.Context, code, checkoutID string) error {
	return s.ledger.Reserve(ctx, code, checkoutID)
}

// ConfirmVoucher подтверждает резервирование при завершении заказа. Если код
// после подтверждения исчерпан, подписчикам отправляется событие.
func (s *Service) ConfirmVoucher(ctx context.Context, code, checkoutID string) error {
	if err := s.ledger.Confirm(ctx, code, checkoutID); err != nil {
		return err
	}

	vc, err := s.repo.GetVoucherByCode(ctx, code)
	if err != nil {
		s.logger.Warn("voucher lookup after confirm failed", zap.String("code", code), zap.Error(err))
		return nil
	}
	if vc.UsedCount >= vc.Voucher.UsageLimit {
		event := notifier.Event{
			Type:        notifier.EventVoucherExhausted,
			OccurredAt:  time.Now(),
			VoucherCode: code,
		}
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn("notify voucher exhausted failed", zap.String("code", code), zap.Error(err))
		}
	}

	return nil
}

// ReleaseVoucher освобождает резервирование при отмене чекаута.
func (s *Service) ReleaseVoucher(ctx context.Context, code, checkoutID string) error {
	return s.ledger.Release(ctx, code, checkoutID)
}

// VoucherState возвращает состояние кода ваучера относительно чекаута.
func (s *Service) VoucherState(ctx context.Context, code, checkoutID string) (model.VoucherState, error) {
	return s.ledger.State(ctx, code, checkoutID)
}

// ActiveRules возвращает активные правила канала на указанный момент.
func (s *Service) ActiveRules(ctx context.Context, channel string, at time.Time) ([]model.PromotionRule, error) {
	return s.catalog.ActiveRules(ctx, channel, at)
}

// MarkRulesDirty помечает правила, затронутые изменением каталога.
func (s *Service) MarkRulesDirty(ruleIDs []int64) {
	s.sched.MarkDirty(ruleIDs...)
}

// StartReservationSweep запускает фоновую чистку просроченных резервирований.
func (s *Service) StartReservationSweep(ctx context.Context) {
	if s.opts.SweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ledger.Sweep(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						s.logger.Error("reservation sweep failed", zap.Error(err))
					}
					continue
				}
				if n > 0 {
					s.logger.Info("released expired reservations", zap.Int64("count", n))
				}
			}
		}
	}()
}

// StartRecalculation запускает фоновый пересчёт «грязных» правил
// ограниченными порциями.
func (s *Service) StartRecalculation(ctx context.Context) {
	if s.opts.RecalcInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.RecalcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processRecalcBatch(ctx)
			}
		}
	}()
}

func (s *Service) processRecalcBatch(ctx context.Context) {
	batch := s.sched.DrainDirty(s.opts.RecalcBatchSize)
	if len(batch) == 0 {
		return
	}

	rules, err := s.repo.GetRulesByIDs(ctx, batch)
	if err != nil {
		// Порция возвращается в очередь и будет повторена на следующем тике.
		s.sched.MarkDirty(batch...)
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("load rules for recalculation failed", zap.Error(err))
		}
		return
	}

	recalculated := make([]int64, 0, len(rules))
	for _, rule := range rules {
		if err := catalog.ValidateRule(rule); err != nil {
			s.logger.Warn("recalculation found misconfigured rule", zap.Int64("ruleID", rule.ID), zap.Error(err))
			continue
		}
		recalculated = append(recalculated, rule.ID)
	}

	if len(recalculated) == 0 {
		return
	}

	if err := s.repo.TouchRulesRecalculated(ctx, recalculated); err != nil {
		s.sched.MarkDirty(recalculated...)
		s.logger.Error("touch recalculated rules failed", zap.Error(err))
		return
	}

	event := notifier.Event{
		Type:       notifier.EventRulesRecalculated,
		OccurredAt: time.Now(),
		RuleIDs:    recalculated,
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("notify rules recalculated failed", zap.Error(err))
	}

	s.logger.Info("recalculated rules", zap.Int("count", len(recalculated)))
}
