package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// FlowRepository is the flow definition store: approval types, flows and
// steps. Definitions are soft-deactivated, never hard-deleted, so historical
// requests keep resolving their snapshotted step ids.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// ── Approval types ───────────────────────────────────────────────────────────

// CreateType inserts a new approval type.
func (r *FlowRepository) CreateType(ctx context.Context, t *ApprovalType) error {
	query := `
		INSERT INTO approval_types (code, name, module, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, t.Code, t.Name, t.Module, t.IsActive).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// GetTypeByCode retrieves an approval type by its unique code.
func (r *FlowRepository) GetTypeByCode(ctx context.Context, code string) (*ApprovalType, error) {
	query := `
		SELECT id, code, name, module, default_flow_id, is_active, created_at, updated_at
		FROM approval_types
		WHERE code = $1
	`
	t := &ApprovalType{}
	err := r.db.QueryRow(ctx, query, code).Scan(
		&t.ID, &t.Code, &t.Name, &t.Module, &t.DefaultFlowID, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_type", code)
	}
	return t, err
}

// ListTypes returns all approval types ordered by code.
func (r *FlowRepository) ListTypes(ctx context.Context) ([]*ApprovalType, error) {
	query := `
		SELECT id, code, name, module, default_flow_id, is_active, created_at, updated_at
		FROM approval_types
		ORDER BY code ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval types")
	}
	defer rows.Close()

	var types []*ApprovalType
	for rows.Next() {
		t := &ApprovalType{}
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Module, &t.DefaultFlowID,
			&t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval type")
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// SetDefaultFlow points a type at its fallback flow. The only mutable
// attribute of a type once requests reference it.
func (r *FlowRepository) SetDefaultFlow(ctx context.Context, typeID string, flowID *string) error {
	query := `
		UPDATE approval_types
		SET default_flow_id = $2,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, typeID, flowID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_type", typeID)
	}
	return err
}

// ── Flows ────────────────────────────────────────────────────────────────────

// CreateFlow inserts a new flow for a type.
func (r *FlowRepository) CreateFlow(ctx context.Context, f *ApprovalFlow) error {
	condJSON, err := marshalCondition(f.SelectionCondition)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO approval_flows (type_id, name, selection_condition, priority, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, f.TypeID, f.Name, condJSON, f.Priority, f.IsActive).
		Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
}

// UpdateFlow persists changes to a flow definition. Requests already bound
// to the flow are unaffected.
func (r *FlowRepository) UpdateFlow(ctx context.Context, f *ApprovalFlow) error {
	condJSON, err := marshalCondition(f.SelectionCondition)
	if err != nil {
		return err
	}
	query := `
		UPDATE approval_flows
		SET name                = $2,
		    selection_condition = $3,
		    priority            = $4,
		    is_active           = $5,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query, f.ID, f.Name, condJSON, f.Priority, f.IsActive).
		Scan(&f.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_flow", f.ID)
	}
	return err
}

// GetFlow retrieves one flow by primary key.
func (r *FlowRepository) GetFlow(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `
		SELECT id, type_id, name, selection_condition, priority, is_active, created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`
	f, err := scanFlow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_flow", id)
	}
	return f, err
}

// ListActiveFlows returns the active flows for a type in selection order:
// priority descending, ties broken by id ascending so selection stays
// deterministic.
func (r *FlowRepository) ListActiveFlows(ctx context.Context, typeID string) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, type_id, name, selection_condition, priority, is_active, created_at, updated_at
		FROM approval_flows
		WHERE type_id = $1
		  AND is_active = TRUE
		ORDER BY priority DESC, id ASC
	`
	rows, err := r.db.Query(ctx, query, typeID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*ApprovalFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// ── Steps ────────────────────────────────────────────────────────────────────

// CreateStep inserts a new step into a flow.
func (r *FlowRepository) CreateStep(ctx context.Context, s *ApprovalStep) error {
	condJSON, err := marshalCondition(s.Condition)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO approval_steps
		    (flow_id, name, position, resolver_kind, resolver_param,
		     is_parallel, require_all, auto_approve_after_hours, is_skippable, step_condition)
		VALUES ($1, $2, $3, $4::approver_resolver_kind, $5,
		        $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		s.FlowID, s.Name, s.Position, s.ResolverKind, s.ResolverParam,
		s.IsParallel, s.RequireAll, s.AutoApproveAfterHours, s.IsSkippable, condJSON,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetStep retrieves one step by primary key.
func (r *FlowRepository) GetStep(ctx context.Context, id string) (*ApprovalStep, error) {
	query := selectSteps + ` WHERE id = $1`
	s, err := scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_step", id)
	}
	return s, err
}

// ListSteps returns a flow's steps in processing order: position ascending,
// ties broken by id ascending.
func (r *FlowRepository) ListSteps(ctx context.Context, flowID string) ([]*ApprovalStep, error) {
	query := selectSteps + `
		WHERE flow_id = $1
		ORDER BY position ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

const selectSteps = `
	SELECT id, flow_id, name, position, resolver_kind, resolver_param,
	       is_parallel, require_all, auto_approve_after_hours, is_skippable,
	       step_condition, created_at, updated_at
	FROM approval_steps`

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*ApprovalFlow, error) {
	f := &ApprovalFlow{}
	var condJSON []byte
	err := row.Scan(
		&f.ID, &f.TypeID, &f.Name, &condJSON, &f.Priority, &f.IsActive,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalCondition(condJSON, &f.SelectionCondition); err != nil {
		return nil, err
	}
	return f, nil
}

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	var condJSON []byte
	err := row.Scan(
		&s.ID, &s.FlowID, &s.Name, &s.Position, &s.ResolverKind, &s.ResolverParam,
		&s.IsParallel, &s.RequireAll, &s.AutoApproveAfterHours, &s.IsSkippable,
		&condJSON, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalCondition(condJSON, &s.Condition); err != nil {
		return nil, err
	}
	return s, nil
}

func marshalCondition(c condition.Condition) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal condition")
	}
	return data, nil
}

func unmarshalCondition(data []byte, dst *condition.Condition) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal condition")
	}
	return nil
}
