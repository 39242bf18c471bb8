package predicate

import (
	"errors"
	"testing"

	"github.com/mmeshcher/promo-system/internal/model"
)

func leaf(kind model.ConditionKind, ids ...int64) model.PredicateNode {
	return model.PredicateNode{
		Op:        model.OpLeaf,
		Condition: &model.Condition{Kind: kind, IDs: ids},
	}
}

func attrLeaf(key, value string) model.PredicateNode {
	return model.PredicateNode{
		Op:        model.OpLeaf,
		Condition: &model.Condition{Kind: model.ConditionAttribute, Key: key, Value: value},
	}
}

var testTarget = Target{
	ProductID:     100,
	VariantID:     200,
	CategoryIDs:   []int64{1, 2},
	CollectionIDs: []int64{10},
	Attributes:    map[string]string{"color": "red"},
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		node model.PredicateNode
		want bool
	}{
		{
			name: "category hit",
			node: leaf(model.ConditionCategory, 2, 5),
			want: true,
		},
		{
			name: "category miss",
			node: leaf(model.ConditionCategory, 5),
			want: false,
		},
		{
			name: "collection hit",
			node: leaf(model.ConditionCollection, 10),
			want: true,
		},
		{
			name: "product hit",
			node: leaf(model.ConditionProduct, 100),
			want: true,
		},
		{
			name: "variant miss",
			node: leaf(model.ConditionVariant, 201),
			want: false,
		},
		{
			name: "attribute hit",
			node: attrLeaf("color", "red"),
			want: true,
		},
		{
			name: "attribute wrong value",
			node: attrLeaf("color", "blue"),
			want: false,
		},
		{
			name: "and both true",
			node: model.PredicateNode{
				Op: model.OpAnd,
				Children: []model.PredicateNode{
					leaf(model.ConditionCategory, 1),
					attrLeaf("color", "red"),
				},
			},
			want: true,
		},
		{
			name: "and one false",
			node: model.PredicateNode{
				Op: model.OpAnd,
				Children: []model.PredicateNode{
					leaf(model.ConditionCategory, 1),
					leaf(model.ConditionProduct, 999),
				},
			},
			want: false,
		},
		{
			name: "or second true",
			node: model.PredicateNode{
				Op: model.OpOr,
				Children: []model.PredicateNode{
					leaf(model.ConditionProduct, 999),
					leaf(model.ConditionVariant, 200),
				},
			},
			want: true,
		},
		{
			name: "not inverts",
			node: model.PredicateNode{
				Op:       model.OpNot,
				Children: []model.PredicateNode{leaf(model.ConditionCategory, 5)},
			},
			want: true,
		},
		{
			name: "empty and is true",
			node: model.PredicateNode{Op: model.OpAnd},
			want: true,
		},
		{
			name: "empty or is false",
			node: model.PredicateNode{Op: model.OpOr},
			want: false,
		},
		{
			name: "nested tree",
			node: model.PredicateNode{
				Op: model.OpAnd,
				Children: []model.PredicateNode{
					{
						Op: model.OpOr,
						Children: []model.PredicateNode{
							leaf(model.ConditionCategory, 5),
							leaf(model.ConditionCollection, 10),
						},
					},
					{
						Op:       model.OpNot,
						Children: []model.PredicateNode{attrLeaf("color", "blue")},
					},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Matches(tt.node, testTarget)
			if err != nil {
				t.Fatalf("Matches error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_UnknownCondition(t *testing.T) {
	tests := []struct {
		name string
		node model.PredicateNode
	}{
		{
			name: "unknown op",
			node: model.PredicateNode{Op: "XOR"},
		},
		{
			name: "unknown leaf kind",
			node: model.PredicateNode{
				Op:        model.OpLeaf,
				Condition: &model.Condition{Kind: "warehouse"},
			},
		},
		{
			name: "leaf without condition",
			node: model.PredicateNode{Op: model.OpLeaf},
		},
		{
			name: "not with two children",
			node: model.PredicateNode{
				Op: model.OpNot,
				Children: []model.PredicateNode{
					leaf(model.ConditionCategory, 1),
					leaf(model.ConditionCategory, 2),
				},
			},
		},
		{
			name: "attribute without key",
			node: model.PredicateNode{
				Op:        model.OpLeaf,
				Condition: &model.Condition{Kind: model.ConditionAttribute},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Matches(tt.node, testTarget)
			if !errors.Is(err, ErrUnknownCondition) {
				t.Fatalf("expected ErrUnknownCondition, got %v", err)
			}
			if err := Validate(tt.node); !errors.Is(err, ErrUnknownCondition) {
				t.Fatalf("Validate: expected ErrUnknownCondition, got %v", err)
			}
		})
	}
}

func TestMatches_ShortCircuit(t *testing.T) {
	// Невалидное поддерево после решающего узла не должно вычисляться.
	broken := model.PredicateNode{Op: "XOR"}

	andNode := model.PredicateNode{
		Op: model.OpAnd,
		Children: []model.PredicateNode{
			leaf(model.ConditionCategory, 5),
			broken,
		},
	}
	got, err := Matches(andNode, testTarget)
	if err != nil || got {
		t.Fatalf("AND short-circuit: got (%v, %v), want (false, nil)", got, err)
	}

	orNode := model.PredicateNode{
		Op: model.OpOr,
		Children: []model.PredicateNode{
			leaf(model.ConditionCategory, 1),
			broken,
		},
	}
	got, err = Matches(orNode, testTarget)
	if err != nil || !got {
		t.Fatalf("OR short-circuit: got (%v, %v), want (true, nil)", got, err)
	}
}
