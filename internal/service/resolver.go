package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// DelegationLookup is the delegation registry surface the resolver consults.
// Implemented by repository.DelegationRepository.
type DelegationLookup interface {
	EffectiveDelegate(ctx context.Context, delegatorID, typeCode string, on time.Time) (*repository.Delegation, error)
}

// Assignment is one resolved approver slot. OnBehalfOf is set when an
// effective delegation substituted the original approver.
type Assignment struct {
	ApproverID string
	OnBehalfOf string
}

// ApproverResolver turns a step definition plus request context into the
// concrete set of users who may act on the step. Read-only: persistence of
// the outcome belongs to the lifecycle manager.
type ApproverResolver struct {
	directory   directory.Directory
	delegations DelegationLookup
	log         zerolog.Logger
	now         func() time.Time
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(dir directory.Directory, delegations DelegationLookup, log zerolog.Logger) *ApproverResolver {
	return &ApproverResolver{directory: dir, delegations: delegations, log: log, now: time.Now}
}

// Resolve computes the approver set for a step at resolution time — manager
// and department/project associations reflect the directory now, not the
// state at request creation. An empty result means no approver is
// resolvable; the caller decides between skipping and surfacing a stuck
// step. Errors are reserved for directory/registry failures.
func (r *ApproverResolver) Resolve(ctx context.Context, step *repository.ApprovalStep, requesterID, typeCode string) ([]Assignment, error) {
	base, err := r.baseApprovers(ctx, step, requesterID)
	if err != nil {
		return nil, err
	}

	assignments := make([]Assignment, 0, len(base))
	seen := make(map[string]struct{}, len(base))
	for _, approverID := range base {
		assignment, err := r.applyDelegation(ctx, approverID, typeCode)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[assignment.ApproverID]; dup {
			continue
		}
		seen[assignment.ApproverID] = struct{}{}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}

func (r *ApproverResolver) baseApprovers(ctx context.Context, step *repository.ApprovalStep, requesterID string) ([]string, error) {
	switch step.ResolverKind {
	case repository.ResolverFixedRole:
		return r.directory.UsersWithRole(ctx, step.ResolverParam)

	case repository.ResolverFixedUser:
		active, err := r.directory.IsActive(ctx, step.ResolverParam)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, nil
		}
		return []string{step.ResolverParam}, nil

	case repository.ResolverRequesterManager:
		return r.singleActive(ctx, r.directory.ManagerOf, requesterID)

	case repository.ResolverDepartmentManager:
		return r.singleActive(ctx, r.directory.DepartmentManagerOf, requesterID)

	case repository.ResolverProjectManager:
		return r.singleActive(ctx, r.directory.ProjectManagerOf, requesterID)

	default:
		// Unreachable for definitions that passed save-time validation;
		// degrade to unresolvable rather than crash request processing.
		return nil, apperrors.Newf(apperrors.ErrCodeStepUnresolvable,
			"step %s has unknown resolver kind %q", step.ID, step.ResolverKind)
	}
}

func (r *ApproverResolver) singleActive(ctx context.Context, lookup func(context.Context, string) (string, error), requesterID string) ([]string, error) {
	userID, err := lookup(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	active, err := r.directory.IsActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}
	return []string{userID}, nil
}

// applyDelegation substitutes the approver with their currently effective
// delegate, recording the original identity so records can show "approved by
// X on behalf of Y". Substitution happens here only; the decision path never
// re-substitutes.
func (r *ApproverResolver) applyDelegation(ctx context.Context, approverID, typeCode string) (Assignment, error) {
	delegation, err := r.delegations.EffectiveDelegate(ctx, approverID, typeCode, r.now())
	if err != nil {
		return Assignment{}, err
	}
	if delegation == nil {
		return Assignment{ApproverID: approverID}, nil
	}
	r.log.Debug().
		Str("delegator_id", approverID).
		Str("delegate_id", delegation.DelegateID).
		Str("type_code", typeCode).
		Msg("approver substituted by delegation")
	return Assignment{ApproverID: delegation.DelegateID, OnBehalfOf: approverID}, nil
}
