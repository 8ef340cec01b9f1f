package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// SystemActorID is the reserved identity the auto-approval sweep decides as.
const SystemActorID = "system"

// Decision is an approver's verdict on a record.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// RequestStore is the request/record persistence surface the lifecycle
// manager needs. Implemented by repository.RequestRepository; status
// mutations are compare-and-set on pending.
type RequestStore interface {
	CreateWithRecords(ctx context.Context, req *repository.ApprovalRequest, records []*repository.ApprovalRecord) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	WithRequestLock(ctx context.Context, requestID string, fn func(ctx context.Context) error) error
	SetPosition(ctx context.Context, requestID string, position int) error
	Finalize(ctx context.Context, requestID string, status repository.RequestStatus, note *string) (bool, error)

	InsertRecords(ctx context.Context, records []*repository.ApprovalRecord) error
	GetRecord(ctx context.Context, id string) (*repository.ApprovalRecord, error)
	MarkRecordDecided(ctx context.Context, id string, status repository.RecordStatus, decidedBy string, note *string) (bool, error)
	RecordsForRequest(ctx context.Context, requestID string) ([]*repository.ApprovalRecord, error)
	RecordsForStep(ctx context.Context, requestID, stepID string) ([]*repository.ApprovalRecord, error)
	CountPendingAtPosition(ctx context.Context, requestID string, position int) (int, error)
	SkipPendingRecords(ctx context.Context, requestID string) error
	SkipPendingRecordsForStep(ctx context.Context, requestID, stepID string) error
	PendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRecord, error)
	DueAutoApprovals(ctx context.Context, now time.Time) ([]*repository.ApprovalRecord, error)
}

// AuditStore appends and reads the immutable audit trail.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// OutcomeNotifier receives lifecycle events. PublishOutcome fires exactly
// once per request, with its terminal status; implementations must be
// non-fatal (errors logged, never propagated).
type OutcomeNotifier interface {
	PublishOutcome(ctx context.Context, req *repository.ApprovalRequest)
	NotifyAssigned(ctx context.Context, req *repository.ApprovalRequest, records []*repository.ApprovalRecord)
}

// ApprovalService is the request lifecycle manager: it creates requests,
// applies decisions, aggregates parallel outcomes and finalizes exactly once.
type ApprovalService struct {
	flows    *FlowService
	resolver *ApproverResolver
	requests RequestStore
	audit    AuditStore
	notifier OutcomeNotifier
	log      zerolog.Logger
	now      func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	flows *FlowService,
	resolver *ApproverResolver,
	requests RequestStore,
	audit AuditStore,
	notifier OutcomeNotifier,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		flows:    flows,
		resolver: resolver,
		requests: requests,
		audit:    audit,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// CreateRequestInput carries everything an originating module supplies when
// opening a request. Context is opaque to the engine except for condition
// evaluation.
type CreateRequestInput struct {
	TypeCode       string         `json:"type_code"`
	ReferenceTable string         `json:"reference_table"`
	ReferenceID    string         `json:"reference_id"`
	RequesterID    string         `json:"requester_id"`
	Context        map[string]any `json:"context,omitempty"`
	Urgent         bool           `json:"urgent"`
}

// ── Create ───────────────────────────────────────────────────────────────────

// CreateRequest selects a flow, activates the first applicable step and
// persists the request with its pending records. When activation runs past
// every step (all skipped) the request finalizes approved immediately. When
// it hits a non-skippable step with no resolvable approver, the request is
// persisted pending at that position and the stuck-step error is returned
// alongside it for operator remediation.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateRequestInput) (*repository.ApprovalRequest, error) {
	if in.TypeCode == "" {
		return nil, apperrors.InvalidInput("type_code", "type code is required")
	}
	if in.ReferenceTable == "" || in.ReferenceID == "" {
		return nil, apperrors.InvalidInput("reference", "reference table and id are required")
	}
	if in.RequesterID == "" {
		return nil, apperrors.InvalidInput("requester_id", "requester is required")
	}

	approvalType, flow, err := s.flows.FlowFor(ctx, in.TypeCode, in.Context)
	if err != nil {
		return nil, err
	}
	steps, err := s.flows.Steps(ctx, flow.ID)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		ID:              uuid.NewString(),
		TypeID:          approvalType.ID,
		TypeCode:        approvalType.Code,
		FlowID:          flow.ID,
		ReferenceTable:  in.ReferenceTable,
		ReferenceID:     in.ReferenceID,
		RequesterID:     in.RequesterID,
		Context:         in.Context,
		CurrentPosition: 1,
		Status:          repository.RequestPending,
		IsUrgent:        in.Urgent,
	}

	plan, err := s.planActivation(ctx, req, steps, 1)
	if err != nil {
		return nil, err
	}

	switch {
	case plan.exhausted:
		note := "approved without review: no applicable steps"
		completed := s.now()
		req.Status = repository.RequestApproved
		req.ResolutionNote = &note
		req.CompletedAt = &completed
		if err := s.requests.CreateWithRecords(ctx, req, nil); err != nil {
			return nil, err
		}
		s.auditCreated(ctx, req, flow)
		s.appendSkips(ctx, plan)
		s.appendAudit(ctx, &repository.AuditEntry{
			ID: uuid.NewString(), RequestID: req.ID,
			Action: repository.AuditRequestFinalized, ActorID: SystemActorID,
			Metadata: map[string]any{"status": req.Status},
		})
		s.notifier.PublishOutcome(ctx, req)
		return req, nil

	case plan.stuck != nil:
		req.CurrentPosition = plan.position
		if err := s.requests.CreateWithRecords(ctx, req, nil); err != nil {
			return nil, err
		}
		s.auditCreated(ctx, req, flow)
		s.appendSkips(ctx, plan)
		return req, s.reportStuck(ctx, req, plan.stuck)

	default:
		req.CurrentPosition = plan.position
		if err := s.requests.CreateWithRecords(ctx, req, plan.records); err != nil {
			return nil, err
		}
		s.auditCreated(ctx, req, flow)
		s.appendSkips(ctx, plan)
		s.log.Info().
			Str("request_id", req.ID).
			Str("type_code", req.TypeCode).
			Str("flow_id", flow.ID).
			Int("position", req.CurrentPosition).
			Int("records", len(plan.records)).
			Msg("Approval request created")
		s.notifier.NotifyAssigned(ctx, req, plan.records)
		return req, nil
	}
}

// ── Decide ───────────────────────────────────────────────────────────────────

// Decide applies one approver's verdict to a record and advances or
// finalizes the request. Stale or duplicate actions fail with CONFLICT, an
// identity that does not own the record with UNAUTHORIZED; neither changes
// state.
func (s *ApprovalService) Decide(ctx context.Context, recordID, approverID string, decision Decision, note *string) (*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, apperrors.InvalidInput("approver_id", "acting identity is required")
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperrors.InvalidInput("decision", "must be approve or reject")
	}
	return s.decide(ctx, recordID, approverID, decision, note, false)
}

func (s *ApprovalService) decide(ctx context.Context, recordID, actorID string, decision Decision, note *string, system bool) (*repository.ApprovalRequest, error) {
	rec, err := s.requests.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var (
		req        *repository.ApprovalRequest
		outcome    bool
		newRecords []*repository.ApprovalRecord
		stuck      *repository.ApprovalStep
	)

	err = s.requests.WithRequestLock(ctx, rec.RequestID, func(ctx context.Context) error {
		var err error
		req, err = s.requests.GetByID(ctx, rec.RequestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"request %s is already %s", req.ID, req.Status)
		}

		// Re-read under the lock; the first read only located the request.
		rec, err = s.requests.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != repository.RecordPending {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"record %s is already %s", rec.ID, rec.Status)
		}
		if !system && rec.ApproverID != actorID {
			s.log.Warn().
				Str("record_id", rec.ID).
				Str("actor_id", actorID).
				Str("assigned_to", rec.ApproverID).
				Msg("decision by non-assigned identity rejected")
			return apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"identity %s is not assigned to record %s", actorID, rec.ID)
		}

		status := repository.RecordApproved
		if decision == DecisionReject {
			status = repository.RecordRejected
		}
		ok, err := s.requests.MarkRecordDecided(ctx, recordID, status, actorID, note)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"record %s is already decided", recordID)
		}

		action := repository.AuditRecordDecided
		if system {
			action = repository.AuditAutoApproved
		}
		s.appendAudit(ctx, &repository.AuditEntry{
			ID: uuid.NewString(), RequestID: req.ID, RecordID: &rec.ID, StepID: &rec.StepID,
			Action: action, ActorID: actorID,
			Metadata: map[string]any{"decision": decision},
		})

		// Rejection is absorbing: one reject anywhere kills the request
		// regardless of parallelism.
		if decision == DecisionReject {
			return s.finalize(ctx, req, repository.RequestRejected, note, &outcome)
		}
		return s.advanceAfterApproval(ctx, req, rec, &outcome, &newRecords, &stuck)
	})
	if err != nil {
		return nil, err
	}

	if outcome {
		s.notifier.PublishOutcome(ctx, req)
	}
	if len(newRecords) > 0 {
		s.notifier.NotifyAssigned(ctx, req, newRecords)
	}
	if stuck != nil {
		return req, s.reportStuck(ctx, req, stuck)
	}
	return req, nil
}

// advanceAfterApproval re-evaluates the current step-instance and position
// after an approval and, once the position drains, activates the next one.
// Runs inside the request lock.
func (s *ApprovalService) advanceAfterApproval(
	ctx context.Context,
	req *repository.ApprovalRequest,
	rec *repository.ApprovalRecord,
	outcome *bool,
	newRecords *[]*repository.ApprovalRecord,
	stuck **repository.ApprovalStep,
) error {
	step, err := s.flows.Step(ctx, rec.StepID)
	if err != nil {
		return err
	}
	stepRecords, err := s.requests.RecordsForStep(ctx, req.ID, rec.StepID)
	if err != nil {
		return err
	}

	satisfied, skipSiblings := stepSatisfied(step, stepRecords)
	if skipSiblings {
		if err := s.requests.SkipPendingRecordsForStep(ctx, req.ID, rec.StepID); err != nil {
			return err
		}
	}
	if !satisfied {
		return nil
	}

	// Another step at the same position may still be open.
	pending, err := s.requests.CountPendingAtPosition(ctx, req.ID, req.CurrentPosition)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	steps, err := s.flows.Steps(ctx, req.FlowID)
	if err != nil {
		return err
	}
	plan, err := s.planActivation(ctx, req, steps, req.CurrentPosition+1)
	if err != nil {
		return err
	}

	switch {
	case plan.exhausted:
		s.appendSkips(ctx, plan)
		return s.finalize(ctx, req, repository.RequestApproved, nil, outcome)

	case plan.stuck != nil:
		if err := s.requests.SetPosition(ctx, req.ID, plan.position); err != nil {
			return err
		}
		req.CurrentPosition = plan.position
		s.appendSkips(ctx, plan)
		*stuck = plan.stuck
		return nil

	default:
		if err := s.requests.SetPosition(ctx, req.ID, plan.position); err != nil {
			return err
		}
		if err := s.requests.InsertRecords(ctx, plan.records); err != nil {
			return err
		}
		req.CurrentPosition = plan.position
		s.appendSkips(ctx, plan)
		*newRecords = plan.records
		return nil
	}
}

// stepSatisfied evaluates a step-instance purely from its record set.
// Parallel with require_all needs every slot approved; everything else is
// satisfied by the first approval, with remaining siblings to be skipped.
func stepSatisfied(step *repository.ApprovalStep, records []*repository.ApprovalRecord) (satisfied, skipSiblings bool) {
	approved, pending := 0, 0
	for _, r := range records {
		switch r.Status {
		case repository.RecordApproved:
			approved++
		case repository.RecordPending:
			pending++
		}
	}
	if step.IsParallel && step.RequireAll {
		return pending == 0 && approved == len(records), false
	}
	return approved >= 1, approved >= 1 && pending > 0
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// Cancel terminates a pending request. Only the requester (or the system
// actor) may cancel; a request that already reached a terminal state fails
// with CONFLICT, racing decisions included — whichever transaction commits
// first wins.
func (s *ApprovalService) Cancel(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	var (
		req     *repository.ApprovalRequest
		outcome bool
	)
	err := s.requests.WithRequestLock(ctx, requestID, func(ctx context.Context) error {
		var err error
		req, err = s.requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"request %s is already %s", req.ID, req.Status)
		}
		if actorID != req.RequesterID && actorID != SystemActorID {
			return apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"only the requester can cancel request %s", req.ID)
		}
		return s.finalize(ctx, req, repository.RequestCancelled, nil, &outcome)
	})
	if err != nil {
		return nil, err
	}
	if outcome {
		s.notifier.PublishOutcome(ctx, req)
	}
	return req, nil
}

// ── Auto-approval sweep ──────────────────────────────────────────────────────

// ApplyAutoApprovals decides every pending record whose auto-approval
// deadline elapsed, through the normal decision transition. Idempotent: a
// record decided since the due-query ran fails the pending check and is
// skipped. Invoked by an external scheduler; the engine owns no timer.
func (s *ApprovalService) ApplyAutoApprovals(ctx context.Context) (int, error) {
	due, err := s.requests.DueAutoApprovals(ctx, s.now())
	if err != nil {
		return 0, err
	}

	note := "auto-approved after decision deadline"
	applied := 0
	for _, rec := range due {
		_, err := s.decide(ctx, rec.ID, SystemActorID, DecisionApprove, &note, true)
		switch {
		case err == nil:
			applied++
		case apperrors.IsCode(err, apperrors.ErrCodeConflict):
			// lost a race with a human decision or another sweep; no-op
		case apperrors.IsCode(err, apperrors.ErrCodeStepUnresolvable):
			applied++ // the decision itself applied; the next step is stuck
		default:
			s.log.Error().Err(err).Str("record_id", rec.ID).
				Msg("auto-approval sweep failed for record")
		}
	}
	if applied > 0 {
		s.log.Info().Int("applied", applied).Msg("auto-approval sweep applied decisions")
	}
	return applied, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetRequest returns one request.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// PendingForApprover returns the approver's inbox.
func (s *ApprovalService) PendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRecord, error) {
	return s.requests.PendingForApprover(ctx, approverID)
}

// Timeline returns every record of a request in step order.
func (s *ApprovalService) Timeline(ctx context.Context, requestID string) ([]*repository.ApprovalRecord, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.requests.RecordsForRequest(ctx, requestID)
}

// History returns a request's audit trail.
func (s *ApprovalService) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByRequestID(ctx, requestID)
}

// ── Step activation ──────────────────────────────────────────────────────────

// activation is the outcome of scanning positions from a starting point:
// either a position activated with records, a stuck step, or exhaustion of
// the flow (every remaining step skipped or none left).
type activation struct {
	position  int
	records   []*repository.ApprovalRecord
	skips     []*repository.AuditEntry
	stuck     *repository.ApprovalStep
	exhausted bool
}

// planActivation walks positions ascending from fromPos and resolves the
// first activatable one. Steps whose condition evaluates false, or which are
// skippable with no resolvable approver, produce no records — the skip lands
// in the audit log. Resolution is read-only; callers persist the plan.
func (s *ApprovalService) planActivation(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep, fromPos int) (*activation, error) {
	plan := &activation{}

	// Steps arrive ordered position ASC, id ASC.
	i := 0
	for i < len(steps) {
		pos := steps[i].Position
		var group []*repository.ApprovalStep
		for i < len(steps) && steps[i].Position == pos {
			group = append(group, steps[i])
			i++
		}
		if pos < fromPos {
			continue
		}

		var records []*repository.ApprovalRecord
		for _, step := range group {
			if !condition.Matches(step.Condition, req.Context) {
				plan.skips = append(plan.skips, s.skipEntry(req, step, "condition_false"))
				continue
			}
			assignments, err := s.resolver.Resolve(ctx, step, req.RequesterID, req.TypeCode)
			if err != nil {
				return nil, err
			}
			if len(assignments) == 0 {
				if step.IsSkippable {
					plan.skips = append(plan.skips, s.skipEntry(req, step, "no_resolvable_approver"))
					continue
				}
				plan.position = pos
				plan.stuck = step
				return plan, nil
			}
			records = append(records, s.buildRecords(req, step, assignments)...)
		}

		if len(records) > 0 {
			plan.position = pos
			plan.records = records
			return plan, nil
		}
		// whole position skipped, keep walking
	}

	plan.exhausted = true
	return plan, nil
}

func (s *ApprovalService) buildRecords(req *repository.ApprovalRequest, step *repository.ApprovalStep, assignments []Assignment) []*repository.ApprovalRecord {
	var dueAt *time.Time
	if step.AutoApproveAfterHours != nil {
		due := s.now().Add(time.Duration(*step.AutoApproveAfterHours) * time.Hour)
		dueAt = &due
	}

	records := make([]*repository.ApprovalRecord, 0, len(assignments))
	for _, a := range assignments {
		rec := &repository.ApprovalRecord{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			StepID:     step.ID,
			StepName:   step.Name,
			Position:   step.Position,
			ApproverID: a.ApproverID,
			Status:     repository.RecordPending,
			DueAt:      dueAt,
		}
		if a.OnBehalfOf != "" {
			rec.IsDelegate = true
			onBehalf := a.OnBehalfOf
			rec.OnBehalfOf = &onBehalf
		}
		records = append(records, rec)
	}
	return records
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// finalize transitions the request to a terminal status exactly once,
// skipping every still-pending record first. Runs inside the request lock.
func (s *ApprovalService) finalize(ctx context.Context, req *repository.ApprovalRequest, status repository.RequestStatus, note *string, outcome *bool) error {
	if err := s.requests.SkipPendingRecords(ctx, req.ID); err != nil {
		return err
	}
	ok, err := s.requests.Finalize(ctx, req.ID, status, note)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"request %s was finalized concurrently", req.ID)
	}

	completed := s.now()
	req.Status = status
	req.CompletedAt = &completed
	if note != nil {
		req.ResolutionNote = note
	}
	*outcome = true

	s.appendAudit(ctx, &repository.AuditEntry{
		ID: uuid.NewString(), RequestID: req.ID,
		Action: repository.AuditRequestFinalized, ActorID: SystemActorID,
		Metadata: map[string]any{"status": status},
	})
	s.log.Info().
		Str("request_id", req.ID).
		Str("status", string(status)).
		Msg("Approval request finalized")
	return nil
}

func (s *ApprovalService) reportStuck(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep) error {
	s.appendAudit(ctx, &repository.AuditEntry{
		ID: uuid.NewString(), RequestID: req.ID, StepID: &step.ID,
		Action: repository.AuditStepUnresolvable, ActorID: SystemActorID,
		Metadata: map[string]any{"position": step.Position, "step_name": step.Name},
	})
	s.log.Warn().
		Str("request_id", req.ID).
		Str("step_id", step.ID).
		Int("position", step.Position).
		Msg("step resolves no approvers and is not skippable; request needs operator remediation")
	return apperrors.Newf(apperrors.ErrCodeStepUnresolvable,
		"step %q at position %d resolves no approvers and is not skippable", step.Name, step.Position)
}

func (s *ApprovalService) skipEntry(req *repository.ApprovalRequest, step *repository.ApprovalStep, reason string) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID: uuid.NewString(), RequestID: req.ID, StepID: &step.ID,
		Action: repository.AuditStepSkipped, ActorID: SystemActorID,
		Metadata: map[string]any{"reason": reason, "position": step.Position, "step_name": step.Name},
	}
}

func (s *ApprovalService) auditCreated(ctx context.Context, req *repository.ApprovalRequest, flow *repository.ApprovalFlow) {
	s.appendAudit(ctx, &repository.AuditEntry{
		ID: uuid.NewString(), RequestID: req.ID,
		Action: repository.AuditRequestCreated, ActorID: req.RequesterID,
		Metadata: map[string]any{
			"flow_id":   flow.ID,
			"flow_name": flow.Name,
			"reference": req.ReferenceTable + "/" + req.ReferenceID,
		},
	})
}

func (s *ApprovalService) appendSkips(ctx context.Context, plan *activation) {
	for _, entry := range plan.skips {
		s.appendAudit(ctx, entry)
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns an error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
