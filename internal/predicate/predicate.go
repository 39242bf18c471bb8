// Package predicate реализует вычисление предикатов таргетинга промо-правил.
package predicate

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/promo-system/internal/model"
)

// ErrUnknownCondition возвращается при неизвестном виде условия или
// некорректной структуре дерева предиката. Правило с такой ошибкой
// считается несовпавшим, остальные правила продолжают вычисляться.
var ErrUnknownCondition = errors.New("unknown predicate condition")

// Target содержит свойства строки, против которых вычисляется предикат.
type Target struct {
	ProductID     int64
	VariantID     int64
	CategoryIDs   []int64
	CollectionIDs []int64
	Attributes    map[string]string
}

// TargetFromLine строит Target из строки чекаута.
func TargetFromLine(line model.Line) Target {
	return Target{
		ProductID:     line.ProductID,
		VariantID:     line.VariantID,
		CategoryIDs:   line.CategoryIDs,
		CollectionIDs: line.CollectionIDs,
		Attributes:    line.Attributes,
	}
}

// Matches вычисляет предикат для указанной цели. Вычисление чистое и
// детерминированное, AND/OR вычисляются с коротким замыканием.
func Matches(node model.PredicateNode, target Target) (bool, error) {
	switch node.Op {
	case model.OpAnd:
		for _, child := range node.Children {
			ok, err := Matches(child, target)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case model.OpOr:
		for _, child := range node.Children {
			ok, err := Matches(child, target)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case model.OpNot:
		if len(node.Children) != 1 {
			return false, fmt.Errorf("%w: NOT requires exactly one child, got %d", ErrUnknownCondition, len(node.Children))
		}
		ok, err := Matches(node.Children[0], target)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case model.OpLeaf:
		return matchesLeaf(node.Condition, target)

	default:
		return false, fmt.Errorf("%w: operation %q", ErrUnknownCondition, node.Op)
	}
}

func matchesLeaf(cond *model.Condition, target Target) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("%w: leaf without condition", ErrUnknownCondition)
	}

	switch cond.Kind {
	case model.ConditionCategory:
		return containsAny(target.CategoryIDs, cond.IDs), nil
	case model.ConditionCollection:
		return containsAny(target.CollectionIDs, cond.IDs), nil
	case model.ConditionProduct:
		return containsID(cond.IDs, target.ProductID), nil
	case model.ConditionVariant:
		return containsID(cond.IDs, target.VariantID), nil
	case model.ConditionAttribute:
		if cond.Key == "" {
			return false, fmt.Errorf("%w: attribute condition without key", ErrUnknownCondition)
		}
		v, ok := target.Attributes[cond.Key]
		return ok && v == cond.Value, nil
	default:
		return false, fmt.Errorf("%w: condition kind %q", ErrUnknownCondition, cond.Kind)
	}
}

// Validate проверяет структурную корректность дерева предиката без
// вычисления: известность операций и видов условий, арность NOT.
func Validate(node model.PredicateNode) error {
	switch node.Op {
	case model.OpAnd, model.OpOr:
		for _, child := range node.Children {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	case model.OpNot:
		if len(node.Children) != 1 {
			return fmt.Errorf("%w: NOT requires exactly one child, got %d", ErrUnknownCondition, len(node.Children))
		}
		return Validate(node.Children[0])
	case model.OpLeaf:
		if node.Condition == nil {
			return fmt.Errorf("%w: leaf without condition", ErrUnknownCondition)
		}
		switch node.Condition.Kind {
		case model.ConditionCategory, model.ConditionCollection, model.ConditionProduct, model.ConditionVariant:
			return nil
		case model.ConditionAttribute:
			if node.Condition.Key == "" {
				return fmt.Errorf("%w: attribute condition without key", ErrUnknownCondition)
			}
			return nil
		default:
			return fmt.Errorf("%w: condition kind %q", ErrUnknownCondition, node.Condition.Kind)
		}
	default:
		return fmt.Errorf("%w: operation %q", ErrUnknownCondition, node.Op)
	}
}

func containsAny(haystack, needles []int64) bool {
	for _, n := range needles {
		for _, h := range haystack {
			if h == n {
				return true
			}
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
