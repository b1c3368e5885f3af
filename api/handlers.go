/*
handlers.go - HTTP API handlers for the approval engine

PURPOSE:
  Exposes the approval workflow and the hierarchy structure operations via
  REST. Handles HTTP request/response, JSON serialization, and delegates to
  the approval and hierarchy services.

ENDPOINTS:
  Approvals:
    GET    /api/approvals/open           Pending and under-review requests
    GET    /api/approvals/completed      Approved and rejected requests
    POST   /api/approvals                Submit a request
    GET    /api/approvals/{id}           Request with its votes
    POST   /api/approvals/{id}/review    Mark under review
    POST   /api/approvals/{id}/decide    Approve or reject

  Policies & grants:
    GET    /api/policies/resolve         Effective policy for a key at a scope
    PUT    /api/policies/{scope}         Replace a policy document ("*" = global)
    POST   /api/approvers                Grant an approver
    DELETE /api/approvers/{id}           Deactivate a grant

  Structure:
    PUT    /api/structure/{type}/{id}    Edit years/terms (direct or queued)
    POST   /api/degrees/{code}/binding   Submit a binding change
    GET    /api/degrees/{code}/periods   Derived periods

REQUEST FLOW:
  1. Parse HTTP request and the actor headers
  2. Call the service
  3. Map domain errors to a status
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: No actor on a mutating call
  - 403: Actor is not an eligible approver
  - 404: Request or object not found
  - 409: Dependency conflict (with counts), already decided, duplicates
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/academic-engine/approval"
	"github.com/warp/academic-engine/hierarchy"
	"github.com/warp/academic-engine/store/sqlite"
)

const (
	headerActorID    = "X-Actor-ID"
	headerActorRoles = "X-Actor-Roles"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Approvals *approval.Service
	Hierarchy *hierarchy.Service
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the approval and hierarchy services over store. Policy
// documents are read from namespace.
func NewHandler(store *sqlite.Store, namespace string, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dispatcher, err := approval.NewDispatcher(hierarchy.Handlers(logger))
	if err != nil {
		return nil, err
	}

	approvals := approval.NewService(store, dispatcher, hierarchy.ScopeResolver{DB: store.DB()}, logger)
	if namespace != "" {
		approvals.Policies.Namespace = namespace
	}

	return &Handler{
		Store:     store,
		Approvals: approvals,
		Hierarchy: &hierarchy.Service{Store: store, DB: store.DB(), Approvals: approvals, Logger: logger},
		Logger:    logger,
	}, nil
}

// =============================================================================
// APPROVAL ENDPOINTS
// =============================================================================

// ListOpenRequests returns pending and under-review requests.
func (h *Handler) ListOpenRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Approvals.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// ListCompletedRequests returns approved and rejected requests.
func (h *Handler) ListCompletedRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Approvals.ListCompleted(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// SubmitRequest queues a governed action for approval.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Approvals.Submit(r.Context(), approval.SubmitInput{
		ObjectType: approval.ObjectType(req.ObjectType),
		Action:     approval.Action(req.Action),
		ObjectID:   req.ObjectID,
		Requester:  actor.ID,
		ReasonNote: req.ReasonNote,
		Payload:    req.Payload,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{ID: string(id), Status: string(approval.StatusPending)})
}

// GetRequest returns a request with its votes.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := approval.RequestID(chi.URLParam(r, "id"))

	req, votes, err := h.Approvals.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RequestDetailResponse{
		Request: toRequestDTO(*req),
		Votes:   toVoteDTOs(votes),
	})
}

// MarkUnderReview flags a request as picked up by an approver.
func (h *Handler) MarkUnderReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := approval.RequestID(chi.URLParam(r, "id"))

	if err := h.Approvals.MarkUnderReview(r.Context(), id, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecideResponse{ID: string(id), Status: string(approval.StatusUnderReview)})
}

// DecideRequest approves or rejects a request.
func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := approval.RequestID(chi.URLParam(r, "id"))

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status, err := h.Approvals.Decide(r.Context(), id, actor, approval.Decision(req.Decision), req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecideResponse{ID: string(id), Status: string(status)})
}

// =============================================================================
// POLICY ENDPOINTS
// =============================================================================

// ResolvePolicy shows who could decide a key at a scope.
func (h *Handler) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	objectType := q.Get("object_type")
	action := q.Get("action")
	scope := q.Get("scope")
	if objectType == "" || action == "" {
		writeError(w, http.StatusBadRequest, "object_type and action are required", nil)
		return
	}

	p, err := h.Approvals.ResolvePolicy(r.Context(), approval.ObjectType(objectType), approval.Action(action), scope)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := PolicyDTO{
		ObjectType:     objectType,
		Action:         action,
		Scope:          scope,
		ApproverRoles:  p.ApproverRoles,
		Rule:           string(p.Rule),
		RequiresReason: p.RequiresReason,
		MinApprovers:   p.MinApprovers,
		Source:         string(p.Source),
		Approvers:      p.Approvers,
	}
	if dto.ApproverRoles == nil {
		dto.ApproverRoles = []string{}
	}
	if dto.Approvers == nil {
		dto.Approvers = []string{}
	}
	writeJSON(w, http.StatusOK, dto)
}

// SavePolicyDocument replaces the policy document for a scope.
func (h *Handler) SavePolicyDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scope := chi.URLParam(r, "scope")
	if err := h.Approvals.SavePolicyDocument(r.Context(), actor, scope, raw); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scope": scope})
}

// AssignApprover grants a person the right to decide one key.
func (h *Handler) AssignApprover(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req AssignApproverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	grant, err := h.Approvals.AssignApprover(r.Context(), actor, approval.ApproverAssignment{
		PersonID:   req.PersonID,
		ObjectType: approval.ObjectType(req.ObjectType),
		Action:     approval.Action(req.Action),
		Scope:      req.Scope,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApproverDTO(grant))
}

// DeactivateApprover ends a grant.
func (h *Handler) DeactivateApprover(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := h.Approvals.DeactivateApprover(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// STRUCTURE ENDPOINTS
// =============================================================================

// EditStructure applies or queues a (years, terms_per_year) change. Branch
// ids contain a slash and must be sent escaped ("CS%2FAI").
func (h *Handler) EditStructure(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	objectID, err := url.PathUnescape(chi.URLParam(r, "objectID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid object id", err)
		return
	}

	var req StructureEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Hierarchy.EditStructure(r.Context(), hierarchy.StructureEdit{
		ObjectType: approval.ObjectType(chi.URLParam(r, "objectType")),
		ObjectID:   objectID,
		Requester:  actor.ID,
		ReasonNote: req.ReasonNote,
		Payload: approval.StructurePayload{
			Years:        req.Years,
			TermsPerYear: req.TermsPerYear,
			LabelMode:    req.LabelMode,
			AutoRebuild:  req.AutoRebuild,
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Applied {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// ChangeBinding submits a binding change for approval.
func (h *Handler) ChangeBinding(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Hierarchy.ChangeBinding(r.Context(), chi.URLParam(r, "code"), actor.ID, req.ReasonNote,
		approval.BindingPayload{Binding: req.Binding, AutoRebuild: req.AutoRebuild})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: string(id), Status: string(approval.StatusPending)})
}

// ListPeriods returns a degree's derived periods.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Hierarchy.Periods(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if periods == nil {
		periods = []hierarchy.DerivedPeriod{}
	}
	writeJSON(w, http.StatusOK, periods)
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom reads the acting principal from the identity headers.
func actorFrom(r *http.Request) approval.Actor {
	actor := approval.Actor{ID: strings.TrimSpace(r.Header.Get(headerActorID))}
	for _, role := range strings.Split(r.Header.Get(headerActorRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor
}

func requireActor(w http.ResponseWriter, r *http.Request) (approval.Actor, bool) {
	actor := actorFrom(r)
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+headerActorID+" header", nil)
		return approval.Actor{}, false
	}
	return actor, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors to a status.
func writeDomainError(w http.ResponseWriter, err error) {
	var dep *approval.DependencyConflictError
	switch {
	case errors.As(err, &dep):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Dependent records block delete",
			Details: err.Error(),
			Counts:  dep.Counts,
		})
	case approval.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, approval.ErrAuthorization):
		writeError(w, http.StatusForbidden, "Not allowed", err)
	case approval.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case approval.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, approval.ErrHandlerNotFound):
		writeError(w, http.StatusInternalServerError, "No handler registered for action", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
