package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// NotificationPublisher publishes approval lifecycle events to NATS for
// consumption by originating modules and the notifications service.
//
// Subject convention: approvals.<event>
// Events: outcome.approved, outcome.rejected, outcome.cancelled,
// step.assigned
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval transitions. A nil connection turns the publisher into a no-op.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// OutcomeEvent is the JSON schema of the terminal-status callback an
// originating module consumes to react to its referenced record's fate.
// Published exactly once per request.
type OutcomeEvent struct {
	RequestID      string  `json:"request_id"`
	TypeCode       string  `json:"type_code"`
	ReferenceTable string  `json:"reference_table"`
	ReferenceID    string  `json:"reference_id"`
	Status         string  `json:"status"`
	ResolutionNote *string `json:"resolution_note,omitempty"`
	RequesterID    string  `json:"requester_id"`
}

// AssignmentEvent notifies approvers of freshly activated decision slots.
type AssignmentEvent struct {
	RequestID  string   `json:"request_id"`
	TypeCode   string   `json:"type_code"`
	StepName   string   `json:"step_name"`
	Recipients []string `json:"recipients"`
	IsUrgent   bool     `json:"is_urgent"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection; pass nil to disable publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishOutcome publishes the terminal status of a request.
// Subject: approvals.outcome.<status>
func (p *NotificationPublisher) PublishOutcome(ctx context.Context, req *repository.ApprovalRequest) {
	event := &OutcomeEvent{
		RequestID:      req.ID,
		TypeCode:       req.TypeCode,
		ReferenceTable: req.ReferenceTable,
		ReferenceID:    req.ReferenceID,
		Status:         string(req.Status),
		ResolutionNote: req.ResolutionNote,
		RequesterID:    req.RequesterID,
	}
	subject := fmt.Sprintf("approvals.outcome.%s", req.Status)
	p.publish(subject, req.ID, event)
}

// NotifyAssigned publishes an advisory event for newly created records.
// Subject: approvals.step.assigned
func (p *NotificationPublisher) NotifyAssigned(ctx context.Context, req *repository.ApprovalRequest, records []*repository.ApprovalRecord) {
	if len(records) == 0 {
		return
	}
	event := &AssignmentEvent{
		RequestID: req.ID,
		TypeCode:  req.TypeCode,
		StepName:  records[0].StepName,
		IsUrgent:  req.IsUrgent,
	}
	for _, rec := range records {
		event.Recipients = append(event.Recipients, rec.ApproverID)
	}
	p.publish("approvals.step.assigned", req.ID, event)
}

func (p *NotificationPublisher) publish(subject, requestID string, event any) {
	if p.conn == nil {
		p.log.Debug().Str("subject", subject).Msg("notification: publisher disabled, event dropped")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("notification: failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Msg("notification: event published")
}
