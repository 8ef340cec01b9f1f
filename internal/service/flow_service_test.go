package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestFlowForSelectsByPriorityAndCondition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	defaultFlow := f.seedFlow("expense", nil, 0)
	highValue := f.seedFlow("expense", condition.Condition{"min_amount": 1000}, 10)

	require.NoError(t, f.flows.SetDefaultFlow(ctx, "expense", defaultFlow))

	tests := []struct {
		name  string
		attrs map[string]any
		want  string
	}{
		{"above threshold picks conditioned flow", map[string]any{"amount": 1500}, highValue},
		{"at threshold picks conditioned flow", map[string]any{"amount": 1000}, highValue},
		{"below threshold falls through to unconditioned", map[string]any{"amount": 500}, defaultFlow},
		{"missing attribute fails the condition closed", map[string]any{}, defaultFlow},
		{"nil context", nil, defaultFlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, flow, err := f.flows.FlowFor(ctx, "expense", tt.attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, flow.ID)
		})
	}

	// Identical input selects identically.
	_, first, err := f.flows.FlowFor(ctx, "expense", map[string]any{"amount": 1500})
	require.NoError(t, err)
	_, second, err := f.flows.FlowFor(ctx, "expense", map[string]any{"amount": 1500})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestFlowForDefaultFallback(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.seedFlow("expense", condition.Condition{"min_amount": 1000}, 10)
	fallback := f.seedFlow("expense", condition.Condition{"category": "travel"}, 0)
	require.NoError(t, f.flows.SetDefaultFlow(ctx, "expense", fallback))

	// Nothing matches, but the type names a default.
	_, flow, err := f.flows.FlowFor(ctx, "expense", map[string]any{"amount": 10, "category": "meals"})
	require.NoError(t, err)
	assert.Equal(t, fallback, flow.ID)
}

func TestFlowForNoMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedFlow("expense", condition.Condition{"min_amount": 1000}, 0)

	_, _, err := f.flows.FlowFor(ctx, "expense", map[string]any{"amount": 10})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeFlowNotFound))
}

func TestFlowForInactiveType(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.flowStore.CreateType(ctx, &repository.ApprovalType{
		Code: "legacy", Name: "Legacy", Module: "test", IsActive: false,
	}))

	_, _, err := f.flows.FlowFor(ctx, "legacy", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeFlowNotFound))
}

func TestSetDefaultFlowRejectsForeignFlow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedFlow("expense", nil, 0)
	otherFlow := f.seedFlow("purchase", nil, 0)

	err := f.flows.SetDefaultFlow(ctx, "expense", otherFlow)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestValidateStep(t *testing.T) {
	valid := func() repository.ApprovalStep {
		return repository.ApprovalStep{
			Name: "review", Position: 1,
			ResolverKind: repository.ResolverFixedRole, ResolverParam: "finance",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*repository.ApprovalStep)
		wantErr bool
	}{
		{"valid fixed role", func(s *repository.ApprovalStep) {}, false},
		{"valid manager kind", func(s *repository.ApprovalStep) {
			s.ResolverKind = repository.ResolverRequesterManager
			s.ResolverParam = ""
		}, false},
		{"missing name", func(s *repository.ApprovalStep) { s.Name = "" }, true},
		{"position zero", func(s *repository.ApprovalStep) { s.Position = 0 }, true},
		{"unknown resolver kind", func(s *repository.ApprovalStep) { s.ResolverKind = "chain_of_command" }, true},
		{"role kind without param", func(s *repository.ApprovalStep) { s.ResolverParam = "" }, true},
		{"manager kind with param", func(s *repository.ApprovalStep) {
			s.ResolverKind = repository.ResolverDepartmentManager
		}, true},
		{"require_all without parallel", func(s *repository.ApprovalStep) { s.RequireAll = true }, true},
		{"require_all with parallel", func(s *repository.ApprovalStep) {
			s.RequireAll = true
			s.IsParallel = true
		}, false},
		{"non-positive auto approve hours", func(s *repository.ApprovalStep) {
			s.AutoApproveAfterHours = intPtr(0)
		}, true},
		{"null condition value", func(s *repository.ApprovalStep) {
			s.Condition = condition.Condition{"amount": nil}
		}, true},
		{"empty condition list", func(s *repository.ApprovalStep) {
			s.Condition = condition.Condition{"category_in": []any{}}
		}, true},
		{"well-formed condition", func(s *repository.ApprovalStep) {
			s.Condition = condition.Condition{"min_amount": 100, "category_in": []any{"travel"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := valid()
			tt.mutate(&step)
			err := ValidateStep(&step)
			if tt.wantErr {
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAddStepRequiresExistingFlow(t *testing.T) {
	f := newFixture()
	err := f.flows.AddStep(context.Background(), &repository.ApprovalStep{
		FlowID: "missing", Name: "review", Position: 1,
		ResolverKind: repository.ResolverRequesterManager,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}
