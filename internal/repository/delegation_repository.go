package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// DelegationRepository is the delegation registry: time-boxed transfers of
// approval authority consulted during approver resolution.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

// Create inserts a delegation.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (id, delegator_id, delegate_id, start_date, end_date,
		     all_types, type_codes, is_active, reason)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		d.ID, d.DelegatorID, d.DelegateID, d.StartDate, d.EndDate,
		d.AllTypes, d.TypeCodes, d.IsActive, d.Reason,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

// GetByID retrieves a delegation by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	query := selectDelegations + ` WHERE id = $1`
	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("delegation", id)
	}
	return d, err
}

// ListByDelegator returns a user's delegations newest-first.
func (r *DelegationRepository) ListByDelegator(ctx context.Context, delegatorID string) ([]*Delegation, error) {
	query := selectDelegations + `
		WHERE delegator_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, delegatorID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

// Deactivate turns a delegation off. Historical records that already carry
// the substitution are untouched.
func (r *DelegationRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_delegations
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("delegation", id)
	}
	return err
}

// EffectiveDelegate returns the delegation covering the user, type and date,
// or nil when none applies. Overlapping delegations from the same delegator
// are a tolerated configuration anomaly: the most recently created one wins.
func (r *DelegationRepository) EffectiveDelegate(ctx context.Context, delegatorID, typeCode string, on time.Time) (*Delegation, error) {
	query := selectDelegations + `
		WHERE delegator_id = $1
		  AND is_active = TRUE
		  AND start_date <= $3
		  AND end_date >= $3
		  AND (all_types = TRUE OR $2 = ANY(type_codes))
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	d, err := scanDelegation(r.db.QueryRow(ctx, query, delegatorID, typeCode, on))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to look up delegation")
	}
	return d, nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

const selectDelegations = `
	SELECT id, delegator_id, delegate_id, start_date, end_date,
	       all_types, type_codes, is_active, reason, created_at, updated_at
	FROM approval_delegations`

func scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID, &d.DelegatorID, &d.DelegateID, &d.StartDate, &d.EndDate,
		&d.AllTypes, &d.TypeCodes, &d.IsActive, &d.Reason,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
