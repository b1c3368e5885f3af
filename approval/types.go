/*
Package approval provides the governance engine for high-risk mutations.

PURPOSE:
  Deletions, structural edits and binding changes on the institution
  hierarchy are not applied when they are asked for. They are submitted as
  approval requests, reviewed by eligible approvers, and only applied (by a
  registered handler) inside the same transaction that records the approval.

KEY CONCEPTS IN THIS FILE (types.go):
  - ActionKey: (object_type, action) pair from the closed catalog
  - Request: an approval request and its lifecycle status
  - Vote: one approver's decision, append-only
  - Actor: the acting principal, passed explicitly into every call
  - ApproverAssignment: explicit per-person approval grant

LIFECYCLE:
  pending ──▶ under_review ──▶ approved | rejected
     └──────────────────────────▶ approved | rejected

  under_review is advisory. approved and rejected are terminal and are
  never revisited.

SEE ALSO:
  - policy.go: who may decide a request
  - request.go: the lifecycle service
  - dispatch.go: how an approved request is applied
*/
package approval

import (
	"encoding/json"
	"time"
)

// =============================================================================
// ACTION KEYS
// =============================================================================

type ObjectType string

type Action string

// ActionKey identifies one governed (object_type, action) pair.
type ActionKey struct {
	ObjectType ObjectType
	Action     Action
}

// Key builds an ActionKey from raw strings.
func Key(objectType, action string) ActionKey {
	return ActionKey{ObjectType: ObjectType(objectType), Action: Action(action)}
}

// String returns the policy document form, e.g. "program.delete".
func (k ActionKey) String() string {
	return string(k.ObjectType) + "." + string(k.Action)
}

// =============================================================================
// REQUEST
// =============================================================================

type RequestID string

type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// OpenStatuses are the non-terminal states.
var OpenStatuses = []Status{StatusPending, StatusUnderReview}

// CompletedStatuses are the terminal states.
var CompletedStatuses = []Status{StatusApproved, StatusRejected}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request is a governed mutation waiting for, or holding, a decision.
type Request struct {
	ID         RequestID
	ObjectType ObjectType
	ObjectID   string
	Action     Action

	// Scope is the owning degree code captured at submission ("" if unknown).
	// Policy is still resolved at decision time against this scope.
	Scope string

	Requester  string
	Payload    json.RawMessage
	ReasonNote string

	Status    Status
	CreatedAt time.Time

	DecidedBy string
	DecidedAt *time.Time
}

// Key returns the request's action key.
func (r Request) Key() ActionKey {
	return ActionKey{ObjectType: r.ObjectType, Action: r.Action}
}

// Vote is one approver's recorded decision. Unique per (request, voter).
type Vote struct {
	ID         string
	RequestID  RequestID
	Voter      string
	VoterRoles []string
	Decision   Decision
	Note       string
	CreatedAt  time.Time
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the acting principal as supplied by the identity layer.
type Actor struct {
	ID    string
	Roles []string
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range a.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// APPROVER ASSIGNMENTS - explicit grants on top of role policy
// =============================================================================

// ApproverAssignment grants PersonID the right to decide requests for one
// action key at Scope ("*" for every scope).
type ApproverAssignment struct {
	ID         string
	PersonID   string
	ObjectType ObjectType
	Action     Action
	Scope      string
	Active     bool

	ActivatedBy   string
	ActivatedAt   time.Time
	DeactivatedBy string
	DeactivatedAt *time.Time
}

// Key returns the assignment's action key.
func (a ApproverAssignment) Key() ActionKey {
	return ActionKey{ObjectType: a.ObjectType, Action: a.Action}
}
