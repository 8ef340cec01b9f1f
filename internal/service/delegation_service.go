package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// DelegationStore is the delegation persistence surface. Implemented by
// repository.DelegationRepository.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	GetByID(ctx context.Context, id string) (*repository.Delegation, error)
	ListByDelegator(ctx context.Context, delegatorID string) ([]*repository.Delegation, error)
	Deactivate(ctx context.Context, id string) error
}

// DelegationService manages authority transfers. Resolution-time lookups go
// through the registry directly; this service owns the admin surface.
type DelegationService struct {
	store DelegationStore
	log   zerolog.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(store DelegationStore, log zerolog.Logger) *DelegationService {
	return &DelegationService{store: store, log: log}
}

// CreateDelegationInput carries a new authority transfer.
type CreateDelegationInput struct {
	DelegatorID string    `json:"delegator_id"`
	DelegateID  string    `json:"delegate_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	AllTypes    bool      `json:"all_types"`
	TypeCodes   []string  `json:"type_codes,omitempty"`
	Reason      *string   `json:"reason,omitempty"`
}

// Create validates and persists a delegation. Overlaps with existing
// delegations are tolerated; the registry resolves them last-write-wins.
func (s *DelegationService) Create(ctx context.Context, in CreateDelegationInput) (*repository.Delegation, error) {
	if in.DelegatorID == "" || in.DelegateID == "" {
		return nil, apperrors.InvalidInput("delegation", "delegator and delegate are required")
	}
	if in.DelegatorID == in.DelegateID {
		return nil, apperrors.InvalidInput("delegate_id", "cannot delegate to oneself")
	}
	if in.EndDate.Before(in.StartDate) {
		return nil, apperrors.InvalidInput("end_date", "end date precedes start date")
	}
	if !in.AllTypes && len(in.TypeCodes) == 0 {
		return nil, apperrors.InvalidInput("type_codes", "scope must name types or cover all")
	}

	d := &repository.Delegation{
		ID:          uuid.NewString(),
		DelegatorID: in.DelegatorID,
		DelegateID:  in.DelegateID,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		AllTypes:    in.AllTypes,
		TypeCodes:   in.TypeCodes,
		IsActive:    true,
		Reason:      in.Reason,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator_id", d.DelegatorID).
		Str("delegate_id", d.DelegateID).
		Msg("Delegation created")
	return d, nil
}

// List returns a user's delegations newest-first.
func (s *DelegationService) List(ctx context.Context, delegatorID string) ([]*repository.Delegation, error) {
	return s.store.ListByDelegator(ctx, delegatorID)
}

// Revoke deactivates a delegation. Only the delegator may revoke their own.
func (s *DelegationService) Revoke(ctx context.Context, id, actorID string) error {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.DelegatorID != actorID {
		return apperrors.Newf(apperrors.ErrCodeUnauthorized,
			"only the delegator can revoke delegation %s", id)
	}
	return s.store.Deactivate(ctx, id)
}
