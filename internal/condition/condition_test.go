package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	type testCase struct {
		name  string
		cond  Condition
		attrs map[string]any
		want  bool
	}

	tests := []testCase{{
		name:  "nil condition is wildcard",
		cond:  nil,
		attrs: map[string]any{"amount": 10},
		want:  true,
	}, {
		name:  "empty condition is wildcard",
		cond:  Condition{},
		attrs: nil,
		want:  true,
	}, {
		name:  "exact match int vs float",
		cond:  Condition{"department_id": float64(5)},
		attrs: map[string]any{"department_id": 5},
		want:  true,
	}, {
		name:  "exact match string",
		cond:  Condition{"cost_center": "IST"},
		attrs: map[string]any{"cost_center": "IST"},
		want:  true,
	}, {
		name:  "exact mismatch",
		cond:  Condition{"department_id": 5},
		attrs: map[string]any{"department_id": 6},
		want:  false,
	}, {
		name:  "min bound inclusive",
		cond:  Condition{"min_amount": 1000},
		attrs: map[string]any{"amount": 1000},
		want:  true,
	}, {
		name:  "min bound below",
		cond:  Condition{"min_amount": 1000},
		attrs: map[string]any{"amount": 999.99},
		want:  false,
	}, {
		name:  "max bound exclusive",
		cond:  Condition{"max_amount": 5000},
		attrs: map[string]any{"amount": 5000},
		want:  false,
	}, {
		name:  "max bound inside",
		cond:  Condition{"max_amount": 5000},
		attrs: map[string]any{"amount": 4999},
		want:  true,
	}, {
		name:  "band of min and max",
		cond:  Condition{"min_amount": 1000, "max_amount": 5000},
		attrs: map[string]any{"amount": 2500},
		want:  true,
	}, {
		name:  "set membership hit",
		cond:  Condition{"department_id_in": []any{float64(1), float64(2), float64(3)}},
		attrs: map[string]any{"department_id": 2},
		want:  true,
	}, {
		name:  "set membership miss",
		cond:  Condition{"department_id_in": []any{1, 2, 3}},
		attrs: map[string]any{"department_id": 4},
		want:  false,
	}, {
		name:  "missing attribute fails closed",
		cond:  Condition{"min_amount": 100},
		attrs: map[string]any{"department_id": 1},
		want:  false,
	}, {
		name:  "missing attribute on exact match fails closed",
		cond:  Condition{"project_id": 9},
		attrs: map[string]any{},
		want:  false,
	}, {
		name:  "non-numeric context for numeric bound fails closed",
		cond:  Condition{"min_amount": 100},
		attrs: map[string]any{"amount": "lots"},
		want:  false,
	}, {
		name:  "non-numeric bound fails closed",
		cond:  Condition{"min_amount": "high"},
		attrs: map[string]any{"amount": 500},
		want:  false,
	}, {
		name:  "malformed membership list fails closed",
		cond:  Condition{"department_id_in": 5},
		attrs: map[string]any{"department_id": 5},
		want:  false,
	}, {
		name:  "all constraints must hold",
		cond:  Condition{"min_amount": 100, "department_id": 3},
		attrs: map[string]any{"amount": 500, "department_id": 4},
		want:  false,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.cond, tc.attrs))
		})
	}
}

// Matches must be deterministic over repeated evaluation of the same inputs,
// since flow selection may retry.
func TestMatchesIdempotent(t *testing.T) {
	cond := Condition{"min_amount": 1000, "department_id_in": []any{1, 2}}
	attrs := map[string]any{"amount": 1500, "department_id": 1}
	first := Matches(cond, attrs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Matches(cond, attrs))
	}
	assert.True(t, first)
}
