package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// FlowStore is the flow-definition persistence surface FlowService needs.
// Implemented by repository.FlowRepository.
type FlowStore interface {
	CreateType(ctx context.Context, t *repository.ApprovalType) error
	GetTypeByCode(ctx context.Context, code string) (*repository.ApprovalType, error)
	ListTypes(ctx context.Context) ([]*repository.ApprovalType, error)
	SetDefaultFlow(ctx context.Context, typeID string, flowID *string) error

	CreateFlow(ctx context.Context, f *repository.ApprovalFlow) error
	UpdateFlow(ctx context.Context, f *repository.ApprovalFlow) error
	GetFlow(ctx context.Context, id string) (*repository.ApprovalFlow, error)
	ListActiveFlows(ctx context.Context, typeID string) ([]*repository.ApprovalFlow, error)

	CreateStep(ctx context.Context, s *repository.ApprovalStep) error
	GetStep(ctx context.Context, id string) (*repository.ApprovalStep, error)
	ListSteps(ctx context.Context, flowID string) ([]*repository.ApprovalStep, error)
}

// FlowService owns flow configuration: admin CRUD with save-time validation,
// and the flow selection used at request creation.
type FlowService struct {
	store FlowStore
	log   zerolog.Logger
}

// NewFlowService creates a new FlowService.
func NewFlowService(store FlowStore, log zerolog.Logger) *FlowService {
	return &FlowService{store: store, log: log}
}

// ── Selection ────────────────────────────────────────────────────────────────

// FlowFor selects the flow for a type and request context: the
// highest-priority active flow whose condition matches, falling back to the
// type's default flow. Pure with respect to configuration — identical inputs
// against unchanged configuration select the same flow.
func (s *FlowService) FlowFor(ctx context.Context, typeCode string, attrs map[string]any) (*repository.ApprovalType, *repository.ApprovalFlow, error) {
	approvalType, err := s.store.GetTypeByCode(ctx, typeCode)
	if err != nil {
		return nil, nil, err
	}
	if !approvalType.IsActive {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeFlowNotFound,
			"approval type %s is inactive", typeCode)
	}

	flows, err := s.store.ListActiveFlows(ctx, approvalType.ID)
	if err != nil {
		return nil, nil, err
	}

	// Flows arrive ordered priority DESC, id ASC; the first match wins.
	for _, flow := range flows {
		if condition.Matches(flow.SelectionCondition, attrs) {
			return approvalType, flow, nil
		}
	}

	if approvalType.DefaultFlowID != nil {
		flow, err := s.store.GetFlow(ctx, *approvalType.DefaultFlowID)
		if err != nil {
			return nil, nil, err
		}
		if flow.IsActive {
			return approvalType, flow, nil
		}
	}

	return nil, nil, apperrors.Newf(apperrors.ErrCodeFlowNotFound,
		"no approval flow matches type %s", typeCode)
}

// Steps returns a flow's steps in processing order.
func (s *FlowService) Steps(ctx context.Context, flowID string) ([]*repository.ApprovalStep, error) {
	return s.store.ListSteps(ctx, flowID)
}

// Step returns one step definition.
func (s *FlowService) Step(ctx context.Context, id string) (*repository.ApprovalStep, error) {
	return s.store.GetStep(ctx, id)
}

// ── Administration ───────────────────────────────────────────────────────────

// CreateType registers a new approval type.
func (s *FlowService) CreateType(ctx context.Context, t *repository.ApprovalType) error {
	if t.Code == "" {
		return apperrors.InvalidInput("code", "type code is required")
	}
	if t.Name == "" {
		return apperrors.InvalidInput("name", "type name is required")
	}
	if err := s.store.CreateType(ctx, t); err != nil {
		return err
	}
	s.log.Info().Str("type_code", t.Code).Msg("Approval type created")
	return nil
}

// ListTypes returns all approval types.
func (s *FlowService) ListTypes(ctx context.Context) ([]*repository.ApprovalType, error) {
	return s.store.ListTypes(ctx)
}

// CreateFlow registers a new flow after validating its selection condition.
func (s *FlowService) CreateFlow(ctx context.Context, f *repository.ApprovalFlow) error {
	if f.Name == "" {
		return apperrors.InvalidInput("name", "flow name is required")
	}
	if f.TypeID == "" {
		return apperrors.InvalidInput("type_id", "owning type is required")
	}
	if err := validateCondition(f.SelectionCondition); err != nil {
		return err
	}
	if err := s.store.CreateFlow(ctx, f); err != nil {
		return err
	}
	s.log.Info().Str("flow_id", f.ID).Str("flow_name", f.Name).Int("priority", f.Priority).
		Msg("Approval flow created")
	return nil
}

// UpdateFlow persists flow changes. Bound requests are unaffected.
func (s *FlowService) UpdateFlow(ctx context.Context, f *repository.ApprovalFlow) error {
	if err := validateCondition(f.SelectionCondition); err != nil {
		return err
	}
	return s.store.UpdateFlow(ctx, f)
}

// SetDefaultFlow wires a type's fallback flow, verifying ownership so a
// dangling or foreign reference is rejected at save time.
func (s *FlowService) SetDefaultFlow(ctx context.Context, typeCode, flowID string) error {
	approvalType, err := s.store.GetTypeByCode(ctx, typeCode)
	if err != nil {
		return err
	}
	if flowID == "" {
		return s.store.SetDefaultFlow(ctx, approvalType.ID, nil)
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if flow.TypeID != approvalType.ID {
		return apperrors.InvalidInput("flow_id",
			fmt.Sprintf("flow %s does not belong to type %s", flowID, typeCode))
	}
	return s.store.SetDefaultFlow(ctx, approvalType.ID, &flowID)
}

// AddStep appends a step to a flow after structural validation, so resolver
// misconfiguration surfaces here instead of as a stuck request at runtime.
func (s *FlowService) AddStep(ctx context.Context, step *repository.ApprovalStep) error {
	if step.FlowID == "" {
		return apperrors.InvalidInput("flow_id", "owning flow is required")
	}
	if _, err := s.store.GetFlow(ctx, step.FlowID); err != nil {
		return err
	}
	if err := ValidateStep(step); err != nil {
		return err
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return err
	}
	s.log.Info().Str("step_id", step.ID).Str("flow_id", step.FlowID).
		Int("position", step.Position).Msg("Approval step created")
	return nil
}

// ValidateStep checks a step definition's structural invariants.
func ValidateStep(step *repository.ApprovalStep) error {
	if step.Name == "" {
		return apperrors.InvalidInput("name", "step name is required")
	}
	if step.Position < 1 {
		return apperrors.InvalidInput("position", "position must be >= 1")
	}
	if !step.ResolverKind.Valid() {
		return apperrors.InvalidInput("resolver_kind",
			fmt.Sprintf("unknown resolver kind %q", step.ResolverKind))
	}
	if step.ResolverKind.NeedsParam() && step.ResolverParam == "" {
		return apperrors.InvalidInput("resolver_param",
			fmt.Sprintf("resolver kind %s requires a parameter", step.ResolverKind))
	}
	if !step.ResolverKind.NeedsParam() && step.ResolverParam != "" {
		return apperrors.InvalidInput("resolver_param",
			fmt.Sprintf("resolver kind %s takes no parameter", step.ResolverKind))
	}
	if step.RequireAll && !step.IsParallel {
		return apperrors.InvalidInput("require_all", "require_all is only meaningful on parallel steps")
	}
	if step.AutoApproveAfterHours != nil && *step.AutoApproveAfterHours <= 0 {
		return apperrors.InvalidInput("auto_approve_after_hours", "must be positive when set")
	}
	return validateCondition(step.Condition)
}

// validateCondition rejects constraint shapes the evaluator cannot act on.
// The evaluator itself fails closed at runtime; rejecting here keeps
// misconfiguration visible at save time.
func validateCondition(cond condition.Condition) error {
	for key, value := range cond {
		if key == "" {
			return apperrors.InvalidInput("condition", "empty attribute name")
		}
		switch v := value.(type) {
		case nil:
			return apperrors.InvalidInput("condition",
				fmt.Sprintf("constraint %q has a null value", key))
		case bool, string, int, int32, int64, float32, float64:
			// scalar constraints are fine for any key shape
			_ = v
		case []any:
			if len(v) == 0 {
				return apperrors.InvalidInput("condition",
					fmt.Sprintf("constraint %q has an empty list", key))
			}
		default:
			return apperrors.InvalidInput("condition",
				fmt.Sprintf("constraint %q has unsupported type %T", key, value))
		}
	}
	return nil
}
