package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// RequestRepository manages approval requests and their per-approver records.
// Status mutations are compare-and-set on the pending state so that racing
// decisions, sweeps and cancellations can never double-apply; the service
// layer additionally serializes whole transitions through WithRequestLock.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// WithRequestLock runs fn inside a transaction holding a row lock on the
// request, serializing concurrent transitions for the same request. Every
// repository call fn makes joins the same transaction.
func (r *RequestRepository) WithRequestLock(ctx context.Context, requestID string, fn func(ctx context.Context) error) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		var id string
		err := r.db.QueryRow(ctx,
			`SELECT id FROM approval_requests WHERE id = $1 FOR UPDATE`, requestID,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("approval_request", requestID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock approval request")
		}
		return fn(ctx)
	})
}

// ── Requests ─────────────────────────────────────────────────────────────────

// CreateWithRecords inserts a request and its first step-instance records in
// one transaction.
func (r *RequestRepository) CreateWithRecords(ctx context.Context, req *ApprovalRequest, records []*ApprovalRecord) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		ctxJSON, err := json.Marshal(req.Context)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal request context")
		}

		query := `
			INSERT INTO approval_requests
			    (id, type_id, flow_id, reference_table, reference_id,
			     requester_id, request_context, current_position, status,
			     is_urgent, resolution_note, completed_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9::approval_request_status,
			        $10, $11, $12)
			RETURNING created_at, updated_at
		`
		err = r.db.QueryRow(ctx, query,
			req.ID, req.TypeID, req.FlowID, req.ReferenceTable, req.ReferenceID,
			req.RequesterID, ctxJSON, req.CurrentPosition, req.Status,
			req.IsUrgent, req.ResolutionNote, req.CompletedAt,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval request")
		}

		return r.InsertRecords(ctx, records)
	})
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := selectRequests + ` WHERE r.id = $1`
	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// SetPosition moves the request pointer to a new position. Positions only
// increase; the guard keeps a lost-update from ever moving one backwards.
func (r *RequestRepository) SetPosition(ctx context.Context, id string, position int) error {
	query := `
		UPDATE approval_requests
		SET current_position = $2,
		    updated_at       = NOW()
		WHERE id = $1
		  AND current_position <= $2
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, position).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"request %s cannot move back to position %d", id, position)
	}
	return err
}

// Finalize transitions a pending request to a terminal status. Returns false
// when the request was already terminal (compare-and-set on pending).
func (r *RequestRepository) Finalize(ctx context.Context, id string, status RequestStatus, note *string) (bool, error) {
	query := `
		UPDATE approval_requests
		SET status          = $2::approval_request_status,
		    resolution_note = COALESCE($3, resolution_note),
		    completed_at    = NOW(),
		    updated_at      = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING completed_at
	`
	var completedAt time.Time
	err := r.db.QueryRow(ctx, query, id, status, note).Scan(&completedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to finalize approval request")
	}
	return true, nil
}

// ── Records ──────────────────────────────────────────────────────────────────

// InsertRecords appends decision slots for a newly activated step instance.
func (r *RequestRepository) InsertRecords(ctx context.Context, records []*ApprovalRecord) error {
	query := `
		INSERT INTO approval_records
		    (id, request_id, step_id, step_name, position,
		     approver_id, is_delegate, on_behalf_of, status, due_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9::approval_record_status, $10)
		RETURNING created_at, updated_at
	`
	for _, rec := range records {
		err := r.db.QueryRow(ctx, query,
			rec.ID, rec.RequestID, rec.StepID, rec.StepName, rec.Position,
			rec.ApproverID, rec.IsDelegate, rec.OnBehalfOf, rec.Status, rec.DueAt,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval record")
		}
	}
	return nil
}

// GetRecord retrieves one record by primary key.
func (r *RequestRepository) GetRecord(ctx context.Context, id string) (*ApprovalRecord, error) {
	query := selectRecords + ` WHERE id = $1`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_record", id)
	}
	return rec, err
}

// MarkRecordDecided sets a pending record's final status. Returns false when
// the record was no longer pending (compare-and-set).
func (r *RequestRepository) MarkRecordDecided(ctx context.Context, id string, status RecordStatus, decidedBy string, note *string) (bool, error) {
	query := `
		UPDATE approval_records
		SET status     = $2::approval_record_status,
		    decided_by = $3,
		    decided_at = NOW(),
		    note       = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING decided_at
	`
	var decidedAt time.Time
	err := r.db.QueryRow(ctx, query, id, status, decidedBy, note).Scan(&decidedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval record")
	}
	return true, nil
}

// RecordsForRequest returns every record of a request in timeline order.
func (r *RequestRepository) RecordsForRequest(ctx context.Context, requestID string) ([]*ApprovalRecord, error) {
	query := selectRecords + `
		WHERE request_id = $1
		ORDER BY position ASC, created_at ASC, id ASC
	`
	return r.queryRecords(ctx, query, requestID)
}

// RecordsForStep returns the records of one step-instance of a request.
func (r *RequestRepository) RecordsForStep(ctx context.Context, requestID, stepID string) ([]*ApprovalRecord, error) {
	query := selectRecords + `
		WHERE request_id = $1 AND step_id = $2
		ORDER BY id ASC
	`
	return r.queryRecords(ctx, query, requestID, stepID)
}

// CountPendingAtPosition counts undecided records at a position of a request.
func (r *RequestRepository) CountPendingAtPosition(ctx context.Context, requestID string, position int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM approval_records
		WHERE request_id = $1
		  AND position = $2
		  AND status = 'pending'
	`
	var count int
	err := r.db.QueryRow(ctx, query, requestID, position).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count pending records")
	}
	return count, nil
}

// SkipPendingRecords marks every pending record of a request as skipped.
// Used when a rejection or cancellation absorbs the whole request.
func (r *RequestRepository) SkipPendingRecords(ctx context.Context, requestID string) error {
	query := `
		UPDATE approval_records
		SET status     = 'skipped'::approval_record_status,
		    updated_at = NOW()
		WHERE request_id = $1
		  AND status = 'pending'
	`
	_, err := r.db.Exec(ctx, query, requestID)
	return err
}

// SkipPendingRecordsForStep skips the sibling slots of a step-instance after
// a single approval already satisfied it.
func (r *RequestRepository) SkipPendingRecordsForStep(ctx context.Context, requestID, stepID string) error {
	query := `
		UPDATE approval_records
		SET status     = 'skipped'::approval_record_status,
		    updated_at = NOW()
		WHERE request_id = $1
		  AND step_id = $2
		  AND status = 'pending'
	`
	_, err := r.db.Exec(ctx, query, requestID, stepID)
	return err
}

// PendingForApprover returns an approver's inbox: pending records of pending
// requests, urgent first, then due date, then age.
func (r *RequestRepository) PendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRecord, error) {
	query := `
		SELECT rec.id, rec.request_id, rec.step_id, rec.step_name, rec.position,
		       rec.approver_id, rec.is_delegate, rec.on_behalf_of, rec.status,
		       rec.decided_by, rec.decided_at, rec.note, rec.due_at,
		       rec.created_at, rec.updated_at
		FROM approval_records rec
		JOIN approval_requests req ON req.id = rec.request_id
		WHERE rec.approver_id = $1
		  AND rec.status = 'pending'
		  AND req.status = 'pending'
		ORDER BY req.is_urgent DESC, rec.due_at ASC NULLS LAST, rec.created_at ASC
	`
	return r.queryRecords(ctx, query, approverID)
}

// DueAutoApprovals returns pending records whose auto-approval deadline has
// elapsed. The sweep decides them through the normal transition, so a record
// that lost a race is skipped by the pending check there.
func (r *RequestRepository) DueAutoApprovals(ctx context.Context, now time.Time) ([]*ApprovalRecord, error) {
	query := selectRecords + `
		WHERE status = 'pending'
		  AND due_at IS NOT NULL
		  AND due_at <= $1
		ORDER BY due_at ASC, id ASC
	`
	return r.queryRecords(ctx, query, now)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectRequests = `
	SELECT r.id, r.type_id, t.code, r.flow_id, r.reference_table, r.reference_id,
	       r.requester_id, r.request_context, r.current_position, r.status,
	       r.is_urgent, r.resolution_note, r.created_at, r.completed_at, r.updated_at
	FROM approval_requests r
	JOIN approval_types t ON t.id = r.type_id`

const selectRecords = `
	SELECT id, request_id, step_id, step_name, position,
	       approver_id, is_delegate, on_behalf_of, status,
	       decided_by, decided_at, note, due_at, created_at, updated_at
	FROM approval_records`

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var ctxJSON []byte
	err := row.Scan(
		&req.ID, &req.TypeID, &req.TypeCode, &req.FlowID, &req.ReferenceTable, &req.ReferenceID,
		&req.RequesterID, &ctxJSON, &req.CurrentPosition, &req.Status,
		&req.IsUrgent, &req.ResolutionNote, &req.CreatedAt, &req.CompletedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &req.Context); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal request context")
		}
	}
	return req, nil
}

func scanRecord(row rowScanner) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.StepID, &rec.StepName, &rec.Position,
		&rec.ApproverID, &rec.IsDelegate, &rec.OnBehalfOf, &rec.Status,
		&rec.DecidedBy, &rec.DecidedAt, &rec.Note, &rec.DueAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RequestRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*ApprovalRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query approval records")
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
