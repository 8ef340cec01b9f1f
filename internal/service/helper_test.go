package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/directory/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// fixedNow is the reference instant every fixture clock returns.
var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// ── In-memory flow store ─────────────────────────────────────────────────────

type fakeFlowStore struct {
	types map[string]*repository.ApprovalType
	flows map[string]*repository.ApprovalFlow
	steps map[string]*repository.ApprovalStep
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{
		types: make(map[string]*repository.ApprovalType),
		flows: make(map[string]*repository.ApprovalFlow),
		steps: make(map[string]*repository.ApprovalStep),
	}
}

func (f *fakeFlowStore) CreateType(_ context.Context, t *repository.ApprovalType) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	f.types[t.ID] = &cp
	return nil
}

func (f *fakeFlowStore) GetTypeByCode(_ context.Context, code string) (*repository.ApprovalType, error) {
	for _, t := range f.types {
		if t.Code == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("approval_type", code)
}

func (f *fakeFlowStore) ListTypes(_ context.Context) ([]*repository.ApprovalType, error) {
	var out []*repository.ApprovalType
	for _, t := range f.types {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (f *fakeFlowStore) SetDefaultFlow(_ context.Context, typeID string, flowID *string) error {
	t, ok := f.types[typeID]
	if !ok {
		return apperrors.NotFound("approval_type", typeID)
	}
	t.DefaultFlowID = flowID
	return nil
}

func (f *fakeFlowStore) CreateFlow(_ context.Context, fl *repository.ApprovalFlow) error {
	if fl.ID == "" {
		fl.ID = uuid.NewString()
	}
	cp := *fl
	f.flows[fl.ID] = &cp
	return nil
}

func (f *fakeFlowStore) UpdateFlow(_ context.Context, fl *repository.ApprovalFlow) error {
	if _, ok := f.flows[fl.ID]; !ok {
		return apperrors.NotFound("approval_flow", fl.ID)
	}
	cp := *fl
	f.flows[fl.ID] = &cp
	return nil
}

func (f *fakeFlowStore) GetFlow(_ context.Context, id string) (*repository.ApprovalFlow, error) {
	fl, ok := f.flows[id]
	if !ok {
		return nil, apperrors.NotFound("approval_flow", id)
	}
	cp := *fl
	return &cp, nil
}

func (f *fakeFlowStore) ListActiveFlows(_ context.Context, typeID string) ([]*repository.ApprovalFlow, error) {
	var out []*repository.ApprovalFlow
	for _, fl := range f.flows {
		if fl.TypeID == typeID && fl.IsActive {
			cp := *fl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeFlowStore) CreateStep(_ context.Context, s *repository.ApprovalStep) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	f.steps[s.ID] = &cp
	return nil
}

func (f *fakeFlowStore) GetStep(_ context.Context, id string) (*repository.ApprovalStep, error) {
	s, ok := f.steps[id]
	if !ok {
		return nil, apperrors.NotFound("approval_step", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeFlowStore) ListSteps(_ context.Context, flowID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, s := range f.steps {
		if s.FlowID == flowID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── In-memory request store ──────────────────────────────────────────────────

type fakeRequestStore struct {
	mu       sync.Mutex
	requests map[string]*repository.ApprovalRequest
	records  map[string]*repository.ApprovalRecord
	order    map[string]int // record id -> insertion sequence
	seq      int
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{
		requests: make(map[string]*repository.ApprovalRequest),
		records:  make(map[string]*repository.ApprovalRecord),
		order:    make(map[string]int),
	}
}

func (f *fakeRequestStore) CreateWithRecords(ctx context.Context, req *repository.ApprovalRequest, records []*repository.ApprovalRecord) error {
	f.mu.Lock()
	cp := *req
	f.requests[req.ID] = &cp
	f.mu.Unlock()
	return f.InsertRecords(ctx, records)
}

func (f *fakeRequestStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequestStore) WithRequestLock(ctx context.Context, requestID string, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	_, ok := f.requests[requestID]
	f.mu.Unlock()
	if !ok {
		return apperrors.NotFound("approval_request", requestID)
	}
	return fn(ctx)
}

func (f *fakeRequestStore) SetPosition(_ context.Context, id string, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok || req.CurrentPosition > position {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"request %s cannot move back to position %d", id, position)
	}
	req.CurrentPosition = position
	return nil
}

func (f *fakeRequestStore) Finalize(_ context.Context, id string, status repository.RequestStatus, note *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return false, apperrors.NotFound("approval_request", id)
	}
	if req.Status != repository.RequestPending {
		return false, nil
	}
	req.Status = status
	if note != nil {
		req.ResolutionNote = note
	}
	completed := fixedNow
	req.CompletedAt = &completed
	return true, nil
}

func (f *fakeRequestStore) InsertRecords(_ context.Context, records []*repository.ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		f.seq++
		f.records[rec.ID] = &cp
		f.order[rec.ID] = f.seq
	}
	return nil
}

func (f *fakeRequestStore) GetRecord(_ context.Context, id string) (*repository.ApprovalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, apperrors.NotFound("approval_record", id)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRequestStore) MarkRecordDecided(_ context.Context, id string, status repository.RecordStatus, decidedBy string, note *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return false, apperrors.NotFound("approval_record", id)
	}
	if rec.Status != repository.RecordPending {
		return false, nil
	}
	rec.Status = status
	rec.DecidedBy = &decidedBy
	decided := fixedNow
	rec.DecidedAt = &decided
	rec.Note = note
	return true, nil
}

func (f *fakeRequestStore) selectRecords(match func(*repository.ApprovalRecord) bool) []*repository.ApprovalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ApprovalRecord
	for _, rec := range f.records {
		if match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return f.order[out[i].ID] < f.order[out[j].ID]
	})
	return out
}

func (f *fakeRequestStore) RecordsForRequest(_ context.Context, requestID string) ([]*repository.ApprovalRecord, error) {
	return f.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.RequestID == requestID
	}), nil
}

func (f *fakeRequestStore) RecordsForStep(_ context.Context, requestID, stepID string) ([]*repository.ApprovalRecord, error) {
	return f.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.RequestID == requestID && r.StepID == stepID
	}), nil
}

func (f *fakeRequestStore) CountPendingAtPosition(_ context.Context, requestID string, position int) (int, error) {
	recs := f.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.RequestID == requestID && r.Position == position && r.Status == repository.RecordPending
	})
	return len(recs), nil
}

func (f *fakeRequestStore) SkipPendingRecords(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.RequestID == requestID && rec.Status == repository.RecordPending {
			rec.Status = repository.RecordSkipped
		}
	}
	return nil
}

func (f *fakeRequestStore) SkipPendingRecordsForStep(_ context.Context, requestID, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.RequestID == requestID && rec.StepID == stepID && rec.Status == repository.RecordPending {
			rec.Status = repository.RecordSkipped
		}
	}
	return nil
}

func (f *fakeRequestStore) PendingForApprover(_ context.Context, approverID string) ([]*repository.ApprovalRecord, error) {
	f.mu.Lock()
	pendingReqs := make(map[string]bool, len(f.requests))
	for id, req := range f.requests {
		pendingReqs[id] = req.Status == repository.RequestPending
	}
	f.mu.Unlock()

	out := f.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.ApproverID == approverID && r.Status == repository.RecordPending && pendingReqs[r.RequestID]
	})

	f.mu.Lock()
	urgent := make(map[string]bool, len(f.requests))
	for id, req := range f.requests {
		urgent[id] = req.IsUrgent
	}
	f.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := urgent[out[i].RequestID], urgent[out[j].RequestID]
		if ui != uj {
			return ui
		}
		di, dj := out[i].DueAt, out[j].DueAt
		switch {
		case di != nil && dj != nil && !di.Equal(*dj):
			return di.Before(*dj)
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		}
		return f.order[out[i].ID] < f.order[out[j].ID]
	})
	return out, nil
}

func (f *fakeRequestStore) DueAutoApprovals(_ context.Context, now time.Time) ([]*repository.ApprovalRecord, error) {
	return f.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.Status == repository.RecordPending && r.DueAt != nil && !r.DueAt.After(now)
	}), nil
}

// ── Audit, notifier and delegation fakes ─────────────────────────────────────

type fakeAuditStore struct {
	entries []*repository.AuditEntry
}

func (f *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeAuditStore) ListByRequestID(_ context.Context, requestID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) actions(requestID string) []string {
	var out []string
	for _, e := range f.entries {
		if e.RequestID == requestID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeNotifier struct {
	outcomes    []*repository.ApprovalRequest
	assignments [][]*repository.ApprovalRecord
}

func (f *fakeNotifier) PublishOutcome(_ context.Context, req *repository.ApprovalRequest) {
	cp := *req
	f.outcomes = append(f.outcomes, &cp)
}

func (f *fakeNotifier) NotifyAssigned(_ context.Context, _ *repository.ApprovalRequest, records []*repository.ApprovalRecord) {
	f.assignments = append(f.assignments, records)
}

type fakeDelegationLookup struct {
	delegations []*repository.Delegation
}

func (f *fakeDelegationLookup) EffectiveDelegate(_ context.Context, delegatorID, typeCode string, on time.Time) (*repository.Delegation, error) {
	// Later entries win, mirroring the registry's last-write-wins ordering.
	for i := len(f.delegations) - 1; i >= 0; i-- {
		d := f.delegations[i]
		if d.DelegatorID == delegatorID && d.EffectiveOn(on) && d.Covers(typeCode) {
			return d, nil
		}
	}
	return nil, nil
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	svc         *ApprovalService
	flows       *FlowService
	flowStore   *fakeFlowStore
	requests    *fakeRequestStore
	audit       *fakeAuditStore
	notifier    *fakeNotifier
	delegations *fakeDelegationLookup
	dir         *memory.Directory
}

func newFixture() *fixture {
	f := &fixture{
		flowStore:   newFakeFlowStore(),
		requests:    newFakeRequestStore(),
		audit:       &fakeAuditStore{},
		notifier:    &fakeNotifier{},
		delegations: &fakeDelegationLookup{},
		dir:         memory.New(),
	}
	log := zerolog.Nop()
	f.flows = NewFlowService(f.flowStore, log)
	resolver := NewApproverResolver(f.dir, f.delegations, log)
	resolver.now = func() time.Time { return fixedNow }
	f.svc = NewApprovalService(f.flows, resolver, f.requests, f.audit, f.notifier, log)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

// seedFlow registers a type with one active flow and returns the flow id.
func (f *fixture) seedFlow(typeCode string, cond condition.Condition, priority int) string {
	ctx := context.Background()
	t, err := f.flowStore.GetTypeByCode(ctx, typeCode)
	if err != nil {
		t = &repository.ApprovalType{Code: typeCode, Name: typeCode, Module: "test", IsActive: true}
		if err := f.flowStore.CreateType(ctx, t); err != nil {
			panic(err)
		}
	}
	fl := &repository.ApprovalFlow{
		TypeID:             t.ID,
		Name:               typeCode + "-flow",
		SelectionCondition: cond,
		Priority:           priority,
		IsActive:           true,
	}
	if err := f.flowStore.CreateFlow(ctx, fl); err != nil {
		panic(err)
	}
	return fl.ID
}

// seedStep adds a step to a flow and returns its id.
func (f *fixture) seedStep(flowID string, step repository.ApprovalStep) string {
	step.FlowID = flowID
	if step.Name == "" {
		step.Name = "step"
	}
	if err := f.flowStore.CreateStep(context.Background(), &step); err != nil {
		panic(err)
	}
	return step.ID
}

// pendingRecords returns a request's pending records in timeline order.
func (f *fixture) pendingRecords(requestID string) []*repository.ApprovalRecord {
	return f.requests.selectRecords(func(r *repository.ApprovalRecord) bool {
		return r.RequestID == requestID && r.Status == repository.RecordPending
	})
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
