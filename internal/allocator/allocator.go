// Package allocator вычисляет распределение скидок по строкам чекаута.
package allocator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/promo-system/internal/model"
)

// ErrCurrencyMismatch возвращается, если валюты строк или ваучера не совпадают
// с валютой заказа. Распределение прерывается целиком, частичный результат
// не возвращается.
var ErrCurrencyMismatch = errors.New("currency mismatch")

var hundred = decimal.NewFromInt(100)

// ReservedVoucher описывает зарезервированный ваучер, передаваемый в
// распределение. Состояние резервирования проверяет вызывающая сторона.
type ReservedVoucher struct {
	Code     string
	Type     model.VoucherType
	Value    decimal.Decimal
	Currency string
}

// Allocate распределяет скидки по строкам. К каждой строке применяется не
// более одного каталожного правила — первое из rulesPerLine (правила
// отсортированы по приоритету). Ваучеры применяются поверх каталожных скидок
// к остаткам строк и распределяются пропорционально стоимости строк до скидок;
// копеечный остаток округления достаётся первой строке. Результат
// детерминирован для одинаковых входов.
func Allocate(lines []model.Line, rulesPerLine map[string][]model.PromotionRule, vouchers []ReservedVoucher) ([]model.DiscountAllocation, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	currency := lines[0].Currency
	for _, l := range lines {
		if l.Currency != currency {
			return nil, fmt.Errorf("%w: line %s has currency %s, order currency %s", ErrCurrencyMismatch, l.LineID, l.Currency, currency)
		}
	}

	var allocations []model.DiscountAllocation

	// Остаток каждой строки после каталожной скидки.
	remaining := make([]decimal.Decimal, len(lines))
	preTotals := make([]decimal.Decimal, len(lines))

	for i, line := range lines {
		total := line.Total()
		preTotals[i] = total
		remaining[i] = total

		rule, amount := bestRuleDiscount(line, total, rulesPerLine[line.LineID])
		if rule == nil || !amount.IsPositive() {
			continue
		}

		allocations = append(allocations, model.DiscountAllocation{
			LineID:   line.LineID,
			Source:   model.SourceRule,
			RuleID:   rule.ID,
			Amount:   amount,
			Currency: currency,
		})
		remaining[i] = total.Sub(amount)
	}

	for _, v := range vouchers {
		total, err := voucherDiscount(v, currency, remaining)
		if err != nil {
			return nil, err
		}
		if !total.IsPositive() {
			continue
		}

		shares := distribute(total, preTotals, remaining)
		for i, share := range shares {
			if !share.IsPositive() {
				continue
			}
			allocations = append(allocations, model.DiscountAllocation{
				LineID:      lines[i].LineID,
				Source:      model.SourceVoucher,
				VoucherCode: v.Code,
				Amount:      share,
				Currency:    currency,
			})
			remaining[i] = remaining[i].Sub(share)
		}
	}

	return allocations, nil
}

// bestRuleDiscount выбирает первое применимое правило и возвращает его вместе
// с суммой скидки. Фиксированное правило с чужой валютой пропускается в пользу
// следующего по приоритету.
func bestRuleDiscount(line model.Line, total decimal.Decimal, rules []model.PromotionRule) (*model.PromotionRule, decimal.Decimal) {
	for i := range rules {
		rule := &rules[i]
		switch rule.RewardType {
		case model.RewardPercentage:
			// Округление half-up до минорной единицы валюты.
			amount := total.Mul(rule.RewardValue).Div(hundred).Round(2)
			if amount.GreaterThan(total) {
				amount = total
			}
			return rule, amount
		case model.RewardFixed:
			if rule.RewardCurrency != line.Currency {
				continue
			}
			amount := rule.RewardValue
			if amount.GreaterThan(total) {
				amount = total
			}
			return rule, amount
		}
	}
	return nil, decimal.Zero
}

// voucherDiscount вычисляет общую сумму ваучерной скидки на заказ по остаткам
// строк после каталожных скидок. Сумма никогда не превышает остаток заказа.
func voucherDiscount(v ReservedVoucher, currency string, remaining []decimal.Decimal) (decimal.Decimal, error) {
	orderRemaining := decimal.Zero
	for _, r := range remaining {
		orderRemaining = orderRemaining.Add(r)
	}

	switch v.Type {
	case model.VoucherOrderPercentage:
		return orderRemaining.Mul(v.Value).Div(hundred).Round(2), nil
	case model.VoucherOrderFixed:
		if v.Currency != currency {
			return decimal.Zero, fmt.Errorf("%w: voucher %s has currency %s, order currency %s", ErrCurrencyMismatch, v.Code, v.Currency, currency)
		}
		if v.Value.GreaterThan(orderRemaining) {
			return orderRemaining, nil
		}
		return v.Value, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown voucher type %q", v.Type)
	}
}

// distribute делит сумму по строкам пропорционально их стоимости до скидок.
// Доли усекаются до минорной единицы, остаток округления отдаётся первой
// строке; доля строки не превышает её текущий остаток, избыток переносится
// на следующие строки в порядке итерации.
func distribute(total decimal.Decimal, preTotals, remaining []decimal.Decimal) []decimal.Decimal {
	n := len(preTotals)
	shares := make([]decimal.Decimal, n)

	preSum := decimal.Zero
	for _, t := range preTotals {
		preSum = preSum.Add(t)
	}
	if !preSum.IsPositive() {
		return shares
	}

	assigned := decimal.Zero
	for i := 1; i < n; i++ {
		shares[i] = total.Mul(preTotals[i]).Div(preSum).RoundDown(2)
		assigned = assigned.Add(shares[i])
	}
	shares[0] = total.Sub(assigned)

	// Перенос избытка сверх остатка строки на следующие строки.
	carry := decimal.Zero
	for i := 0; i < n; i++ {
		share := shares[i].Add(carry)
		carry = decimal.Zero
		if share.GreaterThan(remaining[i]) {
			carry = share.Sub(remaining[i])
			share = remaining[i]
		}
		shares[i] = share
	}

	// Остаточный перенос размещается в первой строке со свободным остатком.
	for i := 0; i < n && carry.IsPositive(); i++ {
		capacity := remaining[i].Sub(shares[i])
		if !capacity.IsPositive() {
			continue
		}
		add := decimal.Min(carry, capacity)
		shares[i] = shares[i].Add(add)
		carry = carry.Sub(add)
	}

	return shares
}

// Summarize собирает итог оценки: список начислений, сумму скидки заказа и
// итоговые стоимости строк.
func Summarize(lines []model.Line, allocations []model.DiscountAllocation) model.EvaluationResult {
	discountByLine := make(map[string]decimal.Decimal, len(lines))
	orderTotal := decimal.Zero

	for _, a := range allocations {
		discountByLine[a.LineID] = discountByLine[a.LineID].Add(a.Amount)
		orderTotal = orderTotal.Add(a.Amount)
	}

	perLine := make([]model.LineTotal, 0, len(lines))
	for _, l := range lines {
		perLine = append(perLine, model.LineTotal{
			LineID: l.LineID,
			Total:  l.Total().Sub(discountByLine[l.LineID]),
		})
	}

	return model.EvaluationResult{
		Allocations:        allocations,
		OrderDiscountTotal: orderTotal,
		PerLineTotals:      perLine,
	}
}
