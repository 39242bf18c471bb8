// Package catalog предоставляет доступ к набору активных промо-правил.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmeshcher/promo-system/internal/model"
	"github.com/mmeshcher/promo-system/internal/predicate"
)

// ErrInvalidRule возвращается при нарушении инвариантов промо-правила.
// Такое правило пропускается при оценке, остальные правила не затрагиваются.
var ErrInvalidRule = errors.New("invalid promotion rule")

// Storage описывает контракт чтения промо-правил из хранилища.
type Storage interface {
	GetRulesByChannel(ctx context.Context, channel string) ([]model.PromotionRule, error)
}

// Catalog предоставляет упорядоченный доступ к активным промо-правилам.
// Каталог только читает правила, их жизненным циклом управляет хранилище.
type Catalog struct {
	storage Storage
}

// New создаёт каталог поверх указанного хранилища правил.
func New(storage Storage) *Catalog {
	return &Catalog{storage: storage}
}

// ActiveRules возвращает правила канала, чьё окно действия содержит момент at,
// упорядоченные по убыванию приоритета, затем по возрастанию идентификатора.
func (c *Catalog) ActiveRules(ctx context.Context, channel string, at time.Time) ([]model.PromotionRule, error) {
	rules, err := c.storage.GetRulesByChannel(ctx, channel)
	if err != nil {
		return nil, err
	}

	active := make([]model.PromotionRule, 0, len(rules))
	for _, r := range rules {
		if r.ActiveAt(at) {
			active = append(active, r)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	return active, nil
}

// ValidateRule проверяет инварианты правила: неотрицательное вознаграждение,
// валюту для фиксированной скидки, корректность окна и структуру предиката.
func ValidateRule(rule model.PromotionRule) error {
	if rule.RewardValue.IsNegative() {
		return fmt.Errorf("%w: rule %d has negative reward", ErrInvalidRule, rule.ID)
	}

	switch rule.RewardType {
	case model.RewardPercentage:
	case model.RewardFixed:
		if rule.RewardCurrency == "" {
			return fmt.Errorf("%w: rule %d has fixed reward without currency", ErrInvalidRule, rule.ID)
		}
	default:
		return fmt.Errorf("%w: rule %d has unknown reward type %q", ErrInvalidRule, rule.ID, rule.RewardType)
	}

	if rule.StartsAt != nil && rule.EndsAt != nil && rule.EndsAt.Before(*rule.StartsAt) {
		return fmt.Errorf("%w: rule %d window ends before it starts", ErrInvalidRule, rule.ID)
	}

	if err := predicate.Validate(rule.Predicate); err != nil {
		return fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	return nil
}
