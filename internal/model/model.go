// Package model содержит доменные сущности промо-движка.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PredicateOp описывает тип узла дерева предиката.
type PredicateOp string

const (
	OpAnd  PredicateOp = "AND"
	OpOr   PredicateOp = "OR"
	OpNot  PredicateOp = "NOT"
	OpLeaf PredicateOp = "LEAF"
)

// ConditionKind описывает вид листового условия таргетинга.
type ConditionKind string

const (
	ConditionCategory   ConditionKind = "category"
	ConditionCollection ConditionKind = "collection"
	ConditionProduct    ConditionKind = "product"
	ConditionVariant    ConditionKind = "variant"
	ConditionAttribute  ConditionKind = "attribute"
)

// Condition описывает листовое условие предиката: принадлежность товара
// категории, коллекции, конкретному товару/варианту либо значению атрибута.
type Condition struct {
	Kind  ConditionKind `json:"kind"`
	IDs   []int64       `json:"ids,omitempty"`
	Key   string        `json:"key,omitempty"`
	Value string        `json:"value,omitempty"`
}

// PredicateNode представляет узел дерева предиката таргетинга.
// Для OpLeaf заполнено поле Condition, для остальных операций — Children.
type PredicateNode struct {
	Op        PredicateOp     `json:"op"`
	Children  []PredicateNode `json:"children,omitempty"`
	Condition *Condition      `json:"condition,omitempty"`
}

// RewardType описывает тип вознаграждения промо-правила.
type RewardType string

const (
	RewardPercentage RewardType = "percentage"
	RewardFixed      RewardType = "fixed"
)

// PromotionRule описывает каталожное промо-правило: предикат таргетинга,
// вознаграждение, приоритет и окно действия.
type PromotionRule struct {
	ID             int64
	Name           string
	Channel        string
	Predicate      PredicateNode
	RewardType     RewardType
	RewardValue    decimal.Decimal
	RewardCurrency string
	Priority       int
	StartsAt       *time.Time
	EndsAt         *time.Time
}

// ActiveAt сообщает, попадает ли момент времени в окно действия правила.
func (r *PromotionRule) ActiveAt(at time.Time) bool {
	if r.StartsAt != nil && at.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && at.After(*r.EndsAt) {
		return false
	}
	return true
}

// VoucherType описывает тип ваучерной скидки на заказ.
type VoucherType string

const (
	VoucherOrderFixed      VoucherType = "order_fixed"
	VoucherOrderPercentage VoucherType = "order_percentage"
)

// Voucher описывает определение ваучерной скидки с лимитом использований.
type Voucher struct {
	ID         int64
	Type       VoucherType
	Value      decimal.Decimal
	Currency   string
	UsageLimit int
}

// VoucherCode описывает конкретный код ваучера и счётчик его использований.
type VoucherCode struct {
	Code      string
	Voucher   Voucher
	UsedCount int
}

// VoucherState описывает состояние кода ваучера относительно конкретного чекаута.
type VoucherState string

const (
	VoucherAvailable VoucherState = "AVAILABLE"
	VoucherReserved  VoucherState = "RESERVED"
	VoucherRedeemed  VoucherState = "REDEEMED"
	VoucherExhausted VoucherState = "EXHAUSTED"
)

// Reservation описывает резервирование кода ваучера за чекаутом.
type Reservation struct {
	Code       string
	CheckoutID string
	ReservedAt time.Time
}

// Line описывает строку чекаута/заказа, переданную на оценку. Читается
// движком без изменений.
type Line struct {
	LineID        string            `json:"line_id"`
	ProductID     int64             `json:"product_id"`
	VariantID     int64             `json:"variant_id"`
	CategoryIDs   []int64           `json:"category_ids,omitempty"`
	CollectionIDs []int64           `json:"collection_ids,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Quantity      int               `json:"quantity"`
	UnitPrice     decimal.Decimal   `json:"unit_price"`
	Currency      string            `json:"currency"`
}

// Total возвращает стоимость строки до скидок.
func (l *Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// AllocationSource описывает источник скидки, начисленной на строку.
type AllocationSource string

const (
	SourceRule    AllocationSource = "rule"
	SourceVoucher AllocationSource = "voucher"
)

// DiscountAllocation описывает начисленную на строку скидку. Записи создаются
// заново при каждой оценке и после создания не изменяются.
type DiscountAllocation struct {
	LineID      string           `json:"line_id"`
	Source      AllocationSource `json:"source"`
	RuleID      int64            `json:"rule_id,omitempty"`
	VoucherCode string           `json:"voucher_code,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency"`
}

// EvaluationRequest описывает запрос на оценку скидок для чекаута.
type EvaluationRequest struct {
	CheckoutID   string    `json:"checkout_id"`
	Channel      string    `json:"channel"`
	Lines        []Line    `json:"lines"`
	VoucherCodes []string  `json:"voucher_codes,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

// LineTotal содержит итоговую стоимость строки после применения скидок.
type LineTotal struct {
	LineID string          `json:"line_id"`
	Total  decimal.Decimal `json:"total"`
}

// EvaluationResult содержит результат оценки скидок для чекаута.
type EvaluationResult struct {
	Allocations        []DiscountAllocation `json:"allocations"`
	OrderDiscountTotal decimal.Decimal      `json:"order_discount_total"`
	PerLineTotals      []LineTotal          `json:"per_line_totals"`
}
