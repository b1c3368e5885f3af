/*
request.go - Approval request lifecycle

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Submit ──▶ pending ──▶ MarkUnderReview (optional) ──▶ Decide    │
  │                                                          │       │
  │                       ┌──────────────────────────────────┤       │
  │                       ▼                                  ▼       │
  │                 ┌──────────┐                      ┌──────────┐   │
  │                 │ Approved │ ◀── handler ran      │ Rejected │   │
  │                 └──────────┘     in same tx       └──────────┘   │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

DECISION TRANSACTION:
  Everything below happens in one Store.WithTx call:
  1. Re-read the request; a terminal request is AlreadyDecidedError
  2. Resolve policy now (not at submission) for the request's scope
  3. Check eligibility (roles or an explicit grant)
  4. Require a note if the policy says so
  5. approve: dispatch the handler, insert the vote, move to approved
     reject:  insert the vote, move to rejected
  6. The status write is guarded (WHERE status IN open). If another
     decision got there first, the whole transaction rolls back.

  A handler error rolls back the vote and status too. The request stays
  exactly as it was and the handler's error is returned unchanged.

RULE "all":
  Approve votes accumulate while the request sits in under_review. The vote
  that completes the quorum dispatches and finalizes. A reject from any
  eligible approver finalizes immediately.

  Quorum has two parts. Every approver role must be covered by the roles of
  some approving voter, and the number of distinct approving voters must
  reach min_approvers. An explicit grant makes a person eligible to vote and
  counts toward min_approvers, but it covers no role.
*/
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/academic-engine/metrics"
)

// ObjectRef is a governed object in canonical form with the scope its policy
// lives at (the owning degree code).
type ObjectRef struct {
	ObjectID string
	Scope    string
}

// ScopeResolver canonicalizes a governed object's id and finds its scope.
// Every accepted spelling of one object must map to the same ObjectID. It
// returns ErrObjectNotFound for unknown objects.
type ScopeResolver interface {
	Resolve(ctx context.Context, objectType ObjectType, objectID string) (ObjectRef, error)
}

// =============================================================================
// REQUEST SERVICE
// =============================================================================

type Service struct {
	Store      TxStore
	Policies   *PolicyResolver
	Dispatcher *Dispatcher
	Scopes     ScopeResolver
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewService wires a lifecycle service with the compiled-in policy defaults.
func NewService(store TxStore, dispatcher *Dispatcher, scopes ScopeResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:      store,
		Policies:   NewPolicyResolver(logger),
		Dispatcher: dispatcher,
		Scopes:     scopes,
		Logger:     logger,
		Now:        time.Now,
	}
}

// SubmitInput is everything a submitter provides.
type SubmitInput struct {
	ObjectType ObjectType
	Action     Action
	ObjectID   string
	Requester  string
	ReasonNote string
	Payload    json.RawMessage
}

// Submit records a new pending request.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (RequestID, error) {
	objectID := strings.TrimSpace(in.ObjectID)
	if objectID == "" {
		return "", &ValidationError{Field: "object_id", Message: "required"}
	}

	key := ActionKey{ObjectType: in.ObjectType, Action: in.Action}
	if !Governed(key) {
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("%s is not a governed action", key)}
	}

	// Reject payloads the handler could never decode.
	if _, err := DecodePayload(key, in.Payload); err != nil {
		return "", err
	}

	// Dedupe on the canonical id; unknown objects keep the id as given.
	scope := ""
	if s.Scopes != nil {
		ref, err := s.Scopes.Resolve(ctx, key.ObjectType, objectID)
		switch {
		case errors.Is(err, ErrObjectNotFound):
		case err != nil:
			return "", fmt.Errorf("failed to resolve scope: %w", err)
		default:
			scope = ref.Scope
			if ref.ObjectID != "" {
				objectID = ref.ObjectID
			}
		}
	}

	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req := Request{
		ID:         RequestID(uuid.NewString()),
		ObjectType: key.ObjectType,
		ObjectID:   objectID,
		Action:     key.Action,
		Scope:      scope,
		Requester:  in.Requester,
		Payload:    payload,
		ReasonNote: in.ReasonNote,
		Status:     StatusPending,
		CreatedAt:  s.now(),
	}

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.FindOpenRequest(ctx, key, objectID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicateRequestError{Existing: existing.ID, Key: key, ObjectID: objectID}
		}
		return tx.CreateRequest(ctx, req)
	})
	if err != nil {
		return "", err
	}

	metrics.RecordSubmission(key.String())
	s.Logger.InfoContext(ctx, "approval request submitted",
		slog.String("request_id", string(req.ID)),
		slog.String("action_key", key.String()),
		slog.String("object_id", objectID),
		slog.String("scope", scope),
		slog.String("requester", in.Requester))

	return req.ID, nil
}

// ListOpen returns pending and under-review requests.
func (s *Service) ListOpen(ctx context.Context) ([]Request, error) {
	return s.Store.ListRequests(ctx, OpenStatuses...)
}

// ListCompleted returns approved and rejected requests.
func (s *Service) ListCompleted(ctx context.Context) ([]Request, error) {
	return s.Store.ListRequests(ctx, CompletedStatuses...)
}

// Get returns a request with its votes.
func (s *Service) Get(ctx context.Context, id RequestID) (*Request, []Vote, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	votes, err := s.Store.ListVotes(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return req, votes, nil
}

// MarkUnderReview signals that an eligible approver has picked the request
// up. It changes status only.
func (s *Service) MarkUnderReview(ctx context.Context, id RequestID, actor Actor) error {
	return s.Store.WithTx(ctx, func(tx Tx) error {
		req, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return &AlreadyDecidedError{RequestID: id, Status: req.Status}
		}

		policy, err := s.Policies.Resolve(ctx, tx, req.Key(), req.Scope)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, actor, req, policy); err != nil {
			return err
		}

		if req.Status == StatusUnderReview {
			return nil
		}
		return s.transition(ctx, tx, req, []Status{StatusPending}, StatusUnderReview, "", nil)
	})
}

// Decide records actor's decision and, on approval, applies the request.
// It returns the request's status after the decision.
func (s *Service) Decide(ctx context.Context, id RequestID, actor Actor, decision Decision, note string) (Status, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return "", &ValidationError{Field: "decision", Message: fmt.Sprintf("must be %q or %q", DecisionApprove, DecisionReject)}
	}

	var (
		key   ActionKey
		final Status
	)
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		req, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		key = req.Key()

		if req.Status.IsTerminal() {
			return &AlreadyDecidedError{RequestID: id, Status: req.Status}
		}

		policy, err := s.Policies.Resolve(ctx, tx, key, req.Scope)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, actor, req, policy); err != nil {
			return err
		}
		if policy.RequiresReason && strings.TrimSpace(note) == "" {
			return &ValidationError{Field: "note", Message: "a reason is required to decide " + key.String()}
		}

		now := s.now()
		vote := Vote{
			ID:         uuid.NewString(),
			RequestID:  id,
			Voter:      actor.ID,
			VoterRoles: append([]string(nil), actor.Roles...),
			Decision:   decision,
			Note:       note,
			CreatedAt:  now,
		}

		if decision == DecisionReject {
			if err := tx.InsertVote(ctx, vote); err != nil {
				return err
			}
			final = StatusRejected
			return s.transition(ctx, tx, req, OpenStatuses, StatusRejected, actor.ID, &now)
		}

		if policy.Rule == RuleAll {
			votes, err := tx.ListVotes(ctx, id)
			if err != nil {
				return err
			}
			for _, v := range votes {
				if v.Voter == actor.ID {
					return fmt.Errorf("%w: %s on %s", ErrDuplicateVote, actor.ID, id)
				}
			}
			if !quorumReached(policy, append(votes, vote)) {
				if err := tx.InsertVote(ctx, vote); err != nil {
					return err
				}
				final = StatusUnderReview
				if req.Status == StatusUnderReview {
					return nil
				}
				return s.transition(ctx, tx, req, []Status{StatusPending}, StatusUnderReview, "", nil)
			}
		}

		if err := s.Dispatcher.Dispatch(ctx, tx, *req); err != nil {
			metrics.RecordDispatchFailure(key.String())
			return err
		}
		if err := tx.InsertVote(ctx, vote); err != nil {
			return err
		}
		final = StatusApproved
		return s.transition(ctx, tx, req, OpenStatuses, StatusApproved, actor.ID, &now)
	})
	if err != nil {
		metrics.RecordDecision(key.String(), "error")
		s.Logger.WarnContext(ctx, "decision refused",
			slog.String("request_id", string(id)),
			slog.String("actor", actor.ID),
			slog.String("decision", string(decision)),
			slog.Any("error", err))
		return "", err
	}

	metrics.RecordDecision(key.String(), string(final))
	s.Logger.InfoContext(ctx, "decision recorded",
		slog.String("request_id", string(id)),
		slog.String("action_key", key.String()),
		slog.String("actor", actor.ID),
		slog.String("status", string(final)))
	return final, nil
}

// =============================================================================
// POLICY & GRANTS
// =============================================================================

// ResolvedPolicy is a policy plus the people explicitly granted the key.
type ResolvedPolicy struct {
	Policy
	Approvers []string
}

// ResolvePolicy shows, before submission, who could decide a request.
func (s *Service) ResolvePolicy(ctx context.Context, objectType ObjectType, action Action, scope string) (ResolvedPolicy, error) {
	key := ActionKey{ObjectType: objectType, Action: action}
	p, err := s.Policies.Resolve(ctx, s.Store, key, scope)
	if err != nil {
		return ResolvedPolicy{}, err
	}

	grants, err := s.Store.ListActiveApprovers(ctx, key, scope)
	if err != nil {
		return ResolvedPolicy{}, err
	}
	rp := ResolvedPolicy{Policy: p}
	for _, g := range grants {
		rp.Approvers = append(rp.Approvers, g.PersonID)
	}
	return rp, nil
}

// SavePolicyDocument validates raw and stores it for scope ("" means the
// global scope). Only admins may change policy.
func (s *Service) SavePolicyDocument(ctx context.Context, actor Actor, scope string, raw []byte) error {
	if scope == "" {
		scope = WildcardScope
	}
	if !actor.HasAnyRole([]string{RoleAdmin}) {
		return &AuthorizationError{ActorID: actor.ID, Scope: scope}
	}
	if _, err := ParsePolicyDocument(raw); err != nil {
		return &ValidationError{Field: "document", Message: err.Error()}
	}

	if err := s.Store.SavePolicyDocument(ctx, scope, s.Policies.namespace(), raw); err != nil {
		return err
	}
	s.Logger.InfoContext(ctx, "policy document saved",
		slog.String("scope", scope),
		slog.String("namespace", s.Policies.namespace()),
		slog.String("by", actor.ID))
	return nil
}

// AssignApprover records an explicit grant. Only admins may grant.
func (s *Service) AssignApprover(ctx context.Context, actor Actor, a ApproverAssignment) (ApproverAssignment, error) {
	key := a.Key()
	if !actor.HasAnyRole([]string{RoleAdmin}) {
		return ApproverAssignment{}, &AuthorizationError{ActorID: actor.ID, Key: key, Scope: a.Scope}
	}
	if !Governed(key) {
		return ApproverAssignment{}, &ValidationError{Field: "action", Message: fmt.Sprintf("%s is not a governed action", key)}
	}
	if strings.TrimSpace(a.PersonID) == "" {
		return ApproverAssignment{}, &ValidationError{Field: "person_id", Message: "required"}
	}
	if a.Scope == "" {
		a.Scope = WildcardScope
	}

	a.ID = uuid.NewString()
	a.Active = true
	a.ActivatedBy = actor.ID
	a.ActivatedAt = s.now()
	a.DeactivatedBy = ""
	a.DeactivatedAt = nil

	if err := s.Store.SaveApproverAssignment(ctx, a); err != nil {
		return ApproverAssignment{}, err
	}
	s.Logger.InfoContext(ctx, "approver granted",
		slog.String("grant_id", a.ID),
		slog.String("person_id", a.PersonID),
		slog.String("action_key", key.String()),
		slog.String("scope", a.Scope),
		slog.String("by", actor.ID))
	return a, nil
}

// DeactivateApprover ends a grant, keeping it for audit.
func (s *Service) DeactivateApprover(ctx context.Context, actor Actor, id string) error {
	if !actor.HasAnyRole([]string{RoleAdmin}) {
		return &AuthorizationError{ActorID: actor.ID}
	}
	if err := s.Store.DeactivateApproverAssignment(ctx, id, actor.ID, s.now()); err != nil {
		return err
	}
	s.Logger.InfoContext(ctx, "approver grant deactivated",
		slog.String("grant_id", id),
		slog.String("by", actor.ID))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) load(ctx context.Context, tx Tx, id RequestID) (*Request, error) {
	req, err := tx.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return req, nil
}

func (s *Service) authorize(ctx context.Context, tx Tx, actor Actor, req *Request, policy Policy) error {
	deny := &AuthorizationError{ActorID: actor.ID, Key: req.Key(), Scope: req.Scope}
	if actor.ID == "" {
		return deny
	}
	if actor.HasAnyRole(policy.ApproverRoles) {
		return nil
	}

	grants, err := tx.ListActiveApprovers(ctx, req.Key(), req.Scope)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if g.PersonID == actor.ID {
			return nil
		}
	}
	return deny
}

// transition performs the guarded status write. A guard miss means someone
// else moved the request first.
func (s *Service) transition(ctx context.Context, tx Tx, req *Request, from []Status, to Status, decidedBy string, at *time.Time) error {
	err := tx.UpdateStatus(ctx, req.ID, from, to, decidedBy, at)
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}

	status := req.Status
	if current, gerr := tx.GetRequest(ctx, req.ID); gerr == nil && current != nil {
		status = current.Status
	}
	return &AlreadyDecidedError{RequestID: req.ID, Status: status}
}

func quorumReached(p Policy, votes []Vote) bool {
	approvers := make(map[string]bool)
	covered := make(map[string]bool)
	for _, v := range votes {
		if v.Decision != DecisionApprove {
			continue
		}
		approvers[v.Voter] = true
		for _, r := range v.VoterRoles {
			covered[r] = true
		}
	}

	for _, role := range p.ApproverRoles {
		if !covered[role] {
			return false
		}
	}

	need := p.MinApprovers
	if need < 1 {
		need = 1
	}
	return len(approvers) >= need
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
