/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the approval and hierarchy types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/academic-engine/approval"
)

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

// SubmitRequest is the body of POST /api/approvals.
type SubmitRequest struct {
	ObjectType string          `json:"object_type"`
	Action     string          `json:"action"`
	ObjectID   string          `json:"object_id"`
	ReasonNote string          `json:"reason_note"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SubmitResponse returns the new request id.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RequestDTO represents an approval request in API responses.
type RequestDTO struct {
	ID         string          `json:"id"`
	ObjectType string          `json:"object_type"`
	ObjectID   string          `json:"object_id"`
	Action     string          `json:"action"`
	Scope      string          `json:"scope,omitempty"`
	Requester  string          `json:"requester"`
	Payload    json.RawMessage `json:"payload"`
	ReasonNote string          `json:"reason_note,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  string          `json:"created_at"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	DecidedAt  string          `json:"decided_at,omitempty"`
}

// VoteDTO represents one recorded vote.
type VoteDTO struct {
	Voter      string   `json:"voter"`
	VoterRoles []string `json:"voter_roles"`
	Decision   string   `json:"decision"`
	Note       string   `json:"note,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// RequestDetailResponse is a request with its votes.
type RequestDetailResponse struct {
	Request RequestDTO `json:"request"`
	Votes   []VoteDTO  `json:"votes"`
}

// DecideRequest is the body of POST /api/approvals/{id}/decide.
type DecideRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// DecideResponse reports the status after the decision.
type DecideResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// =============================================================================
// POLICIES & GRANTS
// =============================================================================

// PolicyDTO is a resolved policy.
type PolicyDTO struct {
	ObjectType     string   `json:"object_type"`
	Action         string   `json:"action"`
	Scope          string   `json:"scope"`
	ApproverRoles  []string `json:"approver_roles"`
	Rule           string   `json:"rule"`
	RequiresReason bool     `json:"requires_reason"`
	MinApprovers   int      `json:"min_approvers,omitempty"`
	Source         string   `json:"source"`
	Approvers      []string `json:"approvers"`
}

// AssignApproverRequest is the body of POST /api/approvers.
type AssignApproverRequest struct {
	PersonID   string `json:"person_id"`
	ObjectType string `json:"object_type"`
	Action     string `json:"action"`
	Scope      string `json:"scope"`
}

// ApproverDTO is an explicit approver grant.
type ApproverDTO struct {
	ID          string `json:"id"`
	PersonID    string `json:"person_id"`
	ObjectType  string `json:"object_type"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	Active      bool   `json:"active"`
	ActivatedBy string `json:"activated_by"`
	ActivatedAt string `json:"activated_at"`
}

// =============================================================================
// STRUCTURE
// =============================================================================

// StructureEditRequest is the body of PUT /api/structure/{type}/{id}.
type StructureEditRequest struct {
	Years        int    `json:"years"`
	TermsPerYear int    `json:"terms_per_year"`
	LabelMode    string `json:"label_mode"`
	AutoRebuild  bool   `json:"auto_rebuild"`
	ReasonNote   string `json:"reason_note"`
}

// BindingRequest is the body of POST /api/degrees/{code}/binding.
type BindingRequest struct {
	Binding     string `json:"binding"`
	AutoRebuild bool   `json:"auto_rebuild"`
	ReasonNote  string `json:"reason_note"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all errors. Counts is set for dependency
// conflicts.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details string         `json:"details,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRequestDTO(r approval.Request) RequestDTO {
	dto := RequestDTO{
		ID:         string(r.ID),
		ObjectType: string(r.ObjectType),
		ObjectID:   r.ObjectID,
		Action:     string(r.Action),
		Scope:      r.Scope,
		Requester:  r.Requester,
		Payload:    r.Payload,
		ReasonNote: r.ReasonNote,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
		DecidedBy:  r.DecidedBy,
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func toRequestDTOs(reqs []approval.Request) []RequestDTO {
	out := make([]RequestDTO, len(reqs))
	for i, r := range reqs {
		out[i] = toRequestDTO(r)
	}
	return out
}

func toVoteDTOs(votes []approval.Vote) []VoteDTO {
	out := make([]VoteDTO, len(votes))
	for i, v := range votes {
		out[i] = VoteDTO{
			Voter:      v.Voter,
			VoterRoles: v.VoterRoles,
			Decision:   string(v.Decision),
			Note:       v.Note,
			CreatedAt:  v.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func toApproverDTO(a approval.ApproverAssignment) ApproverDTO {
	return ApproverDTO{
		ID:          a.ID,
		PersonID:    a.PersonID,
		ObjectType:  string(a.ObjectType),
		Action:      string(a.Action),
		Scope:       a.Scope,
		Active:      a.Active,
		ActivatedBy: a.ActivatedBy,
		ActivatedAt: a.ActivatedAt.Format(time.RFC3339),
	}
}
