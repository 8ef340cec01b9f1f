package repository

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/condition"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// ResolverKind is the closed set of approver-resolution strategies.
type ResolverKind string

const (
	ResolverFixedRole         ResolverKind = "fixed_role"
	ResolverFixedUser         ResolverKind = "fixed_user"
	ResolverRequesterManager  ResolverKind = "requester_manager"
	ResolverDepartmentManager ResolverKind = "department_manager"
	ResolverProjectManager    ResolverKind = "project_manager"
)

// Valid reports whether k is a known resolver kind.
func (k ResolverKind) Valid() bool {
	switch k {
	case ResolverFixedRole, ResolverFixedUser, ResolverRequesterManager,
		ResolverDepartmentManager, ResolverProjectManager:
		return true
	}
	return false
}

// NeedsParam reports whether the kind requires a resolver parameter
// (role name or user id).
func (k ResolverKind) NeedsParam() bool {
	return k == ResolverFixedRole || k == ResolverFixedUser
}

// RequestStatus is the lifecycle state of an approval request. A request is
// pending for its entire active lifetime and reaches exactly one terminal
// state exactly once.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool { return s != RequestPending }

// RecordStatus is the state of one approver's decision slot.
type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordRejected RecordStatus = "rejected"
	RecordSkipped  RecordStatus = "skipped"
)

// ── Flow definitions ─────────────────────────────────────────────────────────

// ApprovalType is a named category of approvable action ("expense",
// "purchase-request"). Immutable once referenced by requests, apart from its
// default flow pointer.
type ApprovalType struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Module        string    `json:"module"`
	DefaultFlowID *string   `json:"default_flow_id,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ApprovalFlow is one concrete step sequence for a type, selected by its
// condition against the request context. Higher priority wins; ties break by
// id ascending.
type ApprovalFlow struct {
	ID                 string              `json:"id"`
	TypeID             string              `json:"type_id"`
	Name               string              `json:"name"`
	SelectionCondition condition.Condition `json:"selection_condition,omitempty"`
	Priority           int                 `json:"priority"`
	IsActive           bool                `json:"is_active"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// ApprovalStep is one node in a flow. Steps sharing a position run together;
// positions are processed strictly ascending.
type ApprovalStep struct {
	ID                    string              `json:"id"`
	FlowID                string              `json:"flow_id"`
	Name                  string              `json:"name"`
	Position              int                 `json:"position"`
	ResolverKind          ResolverKind        `json:"resolver_kind"`
	ResolverParam         string              `json:"resolver_param,omitempty"`
	IsParallel            bool                `json:"is_parallel"`
	RequireAll            bool                `json:"require_all"`
	AutoApproveAfterHours *int                `json:"auto_approve_after_hours,omitempty"`
	IsSkippable           bool                `json:"is_skippable"`
	Condition             condition.Condition `json:"condition,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// ── Request instances ────────────────────────────────────────────────────────

// ApprovalRequest routes one referenced business record through one flow.
// The flow binding and the context attribute snapshot are fixed at creation;
// approver resolution is not.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	TypeID          string         `json:"type_id"`
	TypeCode        string         `json:"type_code"`
	FlowID          string         `json:"flow_id"`
	ReferenceTable  string         `json:"reference_table"`
	ReferenceID     string         `json:"reference_id"`
	RequesterID     string         `json:"requester_id"`
	Context         map[string]any `json:"context,omitempty"`
	CurrentPosition int            `json:"current_position"`
	Status          RequestStatus  `json:"status"`
	IsUrgent        bool           `json:"is_urgent"`
	ResolutionNote  *string        `json:"resolution_note,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ApprovalRecord is one approver's decision slot for one step-instance of
// one request. Step identity is snapshotted by id; the position copy keeps
// step-instance grouping stable across later flow edits.
type ApprovalRecord struct {
	ID         string       `json:"id"`
	RequestID  string       `json:"request_id"`
	StepID     string       `json:"step_id"`
	StepName   string       `json:"step_name"`
	Position   int          `json:"position"`
	ApproverID string       `json:"approver_id"`
	IsDelegate bool         `json:"is_delegate"`
	OnBehalfOf *string      `json:"on_behalf_of,omitempty"`
	Status     RecordStatus `json:"status"`
	DecidedBy  *string      `json:"decided_by,omitempty"`
	DecidedAt  *time.Time   `json:"decided_at,omitempty"`
	Note       *string      `json:"note,omitempty"`
	DueAt      *time.Time   `json:"due_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ── Delegations ──────────────────────────────────────────────────────────────

// Delegation transfers approval authority between two users for an inclusive
// date range, either for all approval types or an explicit list.
type Delegation struct {
	ID          string    `json:"id"`
	DelegatorID string    `json:"delegator_id"`
	DelegateID  string    `json:"delegate_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	AllTypes    bool      `json:"all_types"`
	TypeCodes   []string  `json:"type_codes,omitempty"`
	IsActive    bool      `json:"is_active"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Covers reports whether the delegation scope includes the type code.
func (d *Delegation) Covers(typeCode string) bool {
	if d.AllTypes {
		return true
	}
	for _, c := range d.TypeCodes {
		if c == typeCode {
			return true
		}
	}
	return false
}

// EffectiveOn reports whether the delegation applies on the given date:
// active and the date within [start, end] inclusive.
func (d *Delegation) EffectiveOn(on time.Time) bool {
	return d.IsActive && !on.Before(d.StartDate) && !on.After(d.EndDate)
}

// ── Audit log ────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditRequestCreated   = "request_created"
	AuditRecordDecided    = "record_decided"
	AuditStepSkipped      = "step_skipped"
	AuditStepUnresolvable = "step_unresolvable"
	AuditAutoApproved     = "auto_approved"
	AuditRequestFinalized = "request_finalized"
)

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	RecordID  *string        `json:"record_id,omitempty"`
	StepID    *string        `json:"step_id,omitempty"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
