package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// AuditRepository appends and reads immutable approval audit entries. The
// table has a delete-prevention trigger so append is the only mutation.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, record_id, step_id, action, actor_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		entry.ID, entry.RequestID, entry.RecordID, entry.StepID,
		entry.Action, entry.ActorID, metadataJSON,
	).Scan(&entry.CreatedAt)
}

// ListByRequestID returns a request's audit trail oldest-first.
func (r *AuditRepository) ListByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, record_id, step_id, action, actor_id, metadata, created_at
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.RecordID, &entry.StepID,
			&entry.Action, &entry.ActorID, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
