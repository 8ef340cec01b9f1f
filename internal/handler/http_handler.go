package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/authz"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler handles HTTP requests for the approval service.
type HTTPHandler struct {
	approvals   *service.ApprovalService
	flows       *service.FlowService
	delegations *service.DelegationService
	authorizer  *authz.Authorizer
	log         zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	flows *service.FlowService,
	delegations *service.DelegationService,
	authorizer *authz.Authorizer,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:   approvals,
		flows:       flows,
		delegations: delegations,
		authorizer:  authorizer,
		log:         log,
	}
}

// actor identifies the caller.
// TODO: derive from the JWT once platform identity middleware lands; until
// then the gateway injects X-User-ID and X-User-Roles.
type actor struct {
	ID    string
	Roles []string
}

func actorFrom(r *http.Request) actor {
	a := actor{ID: r.Header.Get("X-User-ID")}
	if raw := r.Header.Get("X-User-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				a.Roles = append(a.Roles, role)
			}
		}
	}
	return a
}

// authorize resolves the actor and checks the capability, writing the error
// response itself when the check fails.
func (h *HTTPHandler) authorize(w http.ResponseWriter, r *http.Request, capability authz.Capability) (actor, bool) {
	a := actorFrom(r)
	if a.ID == "" {
		h.writeError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "missing caller identity"))
		return a, false
	}
	if !h.authorizer.Can(a.Roles, capability) {
		h.writeError(w, apperrors.Newf(apperrors.ErrCodeUnauthorized,
			"caller lacks capability %s", capability))
		return a, false
	}
	return a, true
}

// ── Requests ─────────────────────────────────────────────────────────────────

// CreateRequest opens an approval request for a referenced business record.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapRequestsCreate)
	if !ok {
		return
	}

	var in service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	in.RequesterID = a.ID

	req, err := h.approvals.CreateRequest(r.Context(), in)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeStepUnresolvable) {
		h.writeError(w, err)
		return
	}

	// A stuck first step still persists the request; report both.
	resp := map[string]any{"request": req}
	if err != nil {
		resp["warning"] = err.Error()
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetRequest returns one request by id.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapRequestsRead); !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}
	req, err := h.approvals.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Decide applies an approve/reject verdict to a record.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapRequestsDecide)
	if !ok {
		return
	}

	var body struct {
		RecordID string  `json:"record_id"`
		Decision string  `json:"decision"`
		Note     *string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.approvals.Decide(r.Context(), body.RecordID, a.ID, service.Decision(body.Decision), body.Note)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeStepUnresolvable) {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"request": req}
	if err != nil {
		resp["warning"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Cancel terminates a pending request.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapRequestsCancel)
	if !ok {
		return
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.approvals.Cancel(r.Context(), body.RequestID, a.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// PendingApprovals returns the caller's inbox of pending records.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapRequestsRead)
	if !ok {
		return
	}
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		approverID = a.ID
	}
	records, err := h.approvals.PendingForApprover(r.Context(), approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": len(records)})
}

// Timeline returns the ordered record history of a request.
func (h *HTTPHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapRequestsRead); !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}
	records, err := h.approvals.Timeline(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// History returns the audit trail of a request.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapRequestsRead); !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}
	entries, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// RunSweep triggers the auto-approval sweep on demand.
func (h *HTTPHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapSweepRun); !ok {
		return
	}
	applied, err := h.approvals.ApplyAutoApprovals(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// ── Flow administration ──────────────────────────────────────────────────────

// ListTypes returns all approval types.
func (h *HTTPHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapRequestsRead); !ok {
		return
	}
	types, err := h.flows.ListTypes(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

// CreateType registers an approval type.
func (h *HTTPHandler) CreateType(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapFlowsManage); !ok {
		return
	}
	var t repository.ApprovalType
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	t.IsActive = true
	if err := h.flows.CreateType(r.Context(), &t); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// CreateFlow registers a flow for a type.
func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapFlowsManage); !ok {
		return
	}
	var f repository.ApprovalFlow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	f.IsActive = true
	if err := h.flows.CreateFlow(r.Context(), &f); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, f)
}

// AddStep appends a step to a flow.
func (h *HTTPHandler) AddStep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapFlowsManage); !ok {
		return
	}
	var s repository.ApprovalStep
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.flows.AddStep(r.Context(), &s); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, s)
}

// SetDefaultFlow wires a type's fallback flow.
func (h *HTTPHandler) SetDefaultFlow(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, authz.CapFlowsManage); !ok {
		return
	}
	var body struct {
		TypeCode string `json:"type_code"`
		FlowID   string `json:"flow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.flows.SetDefaultFlow(r.Context(), body.TypeCode, body.FlowID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ── Delegations ──────────────────────────────────────────────────────────────

// CreateDelegation registers an authority transfer for the caller.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapDelegationsManage)
	if !ok {
		return
	}
	var in service.CreateDelegationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if in.DelegatorID == "" {
		in.DelegatorID = a.ID
	}
	d, err := h.delegations.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// ListDelegations returns the caller's delegations.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapDelegationsManage)
	if !ok {
		return
	}
	delegatorID := r.URL.Query().Get("delegator_id")
	if delegatorID == "" {
		delegatorID = a.ID
	}
	delegations, err := h.delegations.List(r.Context(), delegatorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"delegations": delegations})
}

// RevokeDelegation deactivates a delegation.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.authorize(w, r, authz.CapDelegationsManage)
	if !ok {
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.delegations.Revoke(r.Context(), body.ID, a.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ── Response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}
