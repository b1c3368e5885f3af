package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/academic-engine/approval"
	memstore "github.com/warp/academic-engine/approval/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// recorder is a handler for every catalog key that counts its calls and can
// be told to fail.
type recorder struct {
	mu    sync.Mutex
	calls []approval.Dispatch
	fail  error
}

func (r *recorder) Handle(ctx context.Context, tx approval.Tx, d approval.Dispatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, d)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixedScope string

func (s fixedScope) Resolve(_ context.Context, _ approval.ObjectType, id string) (approval.ObjectRef, error) {
	return approval.ObjectRef{ObjectID: id, Scope: string(s)}, nil
}

type testService struct {
	*approval.Service
	store   *memstore.Memory
	handler *recorder
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	rec := &recorder{}
	handlers := make(map[approval.ActionKey]approval.Handler)
	for key := range approval.Catalog {
		handlers[key] = rec
	}
	dispatcher, err := approval.NewDispatcher(handlers)
	require.NoError(t, err)

	store := memstore.NewMemory()
	svc := approval.NewService(store, dispatcher, fixedScope("BTECH"), quietLogger())
	clock := time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return &testService{Service: svc, store: store, handler: rec}
}

var (
	admin     = approval.Actor{ID: "admin-1", Roles: []string{approval.RoleAdmin}}
	registrar = approval.Actor{ID: "reg-1", Roles: []string{approval.RoleRegistrar}}
	staff     = approval.Actor{ID: "staff-1", Roles: []string{"staff"}}
)

func submitDelete(t *testing.T, svc *testService, objectID string) approval.RequestID {
	t.Helper()
	id, err := svc.Submit(context.Background(), approval.SubmitInput{
		ObjectType: approval.ObjectProgram,
		Action:     approval.ActionDelete,
		ObjectID:   objectID,
		Requester:  staff.ID,
		Payload:    json.RawMessage(`{"cascade": false}`),
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmit_AppearsOnceInOpenList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id := submitDelete(t, svc, "CS")

	open, err := svc.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)
	assert.Equal(t, approval.StatusPending, open[0].Status)
	assert.Equal(t, "BTECH", open[0].Scope)

	completed, err := svc.ListCompleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestSubmit_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   approval.SubmitInput
	}{
		{"empty object id", approval.SubmitInput{ObjectType: "program", Action: "delete", ObjectID: "  "}},
		{"ungoverned action", approval.SubmitInput{ObjectType: "subject", Action: "edit_binding", ObjectID: "CS/CS101"}},
		{"unknown object type", approval.SubmitInput{ObjectType: "course", Action: "delete", ObjectID: "X"}},
		{"unknown payload field", approval.SubmitInput{ObjectType: "program", Action: "delete", ObjectID: "CS",
			Payload: json.RawMessage(`{"cascade": true, "force": true}`)}},
		{"wrong payload type", approval.SubmitInput{ObjectType: "degree", Action: "edit_structure", ObjectID: "BTECH",
			Payload: json.RawMessage(`{"years": "three"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.in)
			assert.ErrorIs(t, err, approval.ErrValidation)
		})
	}

	open, err := svc.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSubmit_OneOpenRequestPerObjectAction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := submitDelete(t, svc, "CS")

	_, err := svc.Submit(ctx, approval.SubmitInput{ObjectType: "program", Action: "delete", ObjectID: "CS"})
	var dup *approval.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.Existing)

	// A different action on the same object is fine.
	_, err = svc.Submit(ctx, approval.SubmitInput{ObjectType: "program", Action: "edit", ObjectID: "CS",
		Payload: json.RawMessage(`{"fields": {"name": "CSE"}}`)})
	require.NoError(t, err)

	// Once the first is terminal, a new one may be opened.
	_, err = svc.Decide(ctx, first, admin, approval.DecisionReject, "not now")
	require.NoError(t, err)
	submitDelete(t, svc, "CS")
}

// =============================================================================
// DECISIONS
// =============================================================================

func TestDecide_ApproveDispatchesOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	status, err := svc.Decide(ctx, id, admin, approval.DecisionApprove, "program retired")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
	require.Equal(t, 1, svc.handler.count())

	d := svc.handler.calls[0]
	assert.Equal(t, approval.Key("program", "delete"), d.Key)
	assert.Equal(t, "CS", d.ObjectID)
	assert.Equal(t, approval.DeletePayload{Cascade: false}, d.Payload)

	req, votes, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, req.DecidedBy)
	require.NotNil(t, req.DecidedAt)
	require.Len(t, votes, 1)
	assert.Equal(t, approval.DecisionApprove, votes[0].Decision)
	assert.Equal(t, []string{approval.RoleAdmin}, votes[0].VoterRoles)

	// Deciding again never re-runs the handler.
	_, err = svc.Decide(ctx, id, registrar, approval.DecisionApprove, "again")
	var decided *approval.AlreadyDecidedError
	require.ErrorAs(t, err, &decided)
	assert.Equal(t, approval.StatusApproved, decided.Status)
	assert.Equal(t, 1, svc.handler.count())
}

func TestDecide_RejectDoesNotDispatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	status, err := svc.Decide(ctx, id, registrar, approval.DecisionReject, "still enrolling")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, status)
	assert.Equal(t, 0, svc.handler.count())

	completed, err := svc.ListCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, approval.StatusRejected, completed[0].Status)
}

func TestDecide_HandlerErrorRollsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	boom := errors.New("disk full")
	svc.handler.fail = boom

	_, err := svc.Decide(ctx, id, admin, approval.DecisionApprove, "program retired")
	assert.Same(t, boom, err)

	req, votes, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Empty(t, req.DecidedBy)
	assert.Empty(t, votes)

	// The request stays actionable.
	svc.handler.fail = nil
	status, err := svc.Decide(ctx, id, admin, approval.DecisionApprove, "program retired")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
}

func TestDecide_Refusals(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	_, err := svc.Decide(ctx, id, staff, approval.DecisionApprove, "looks fine")
	assert.ErrorIs(t, err, approval.ErrAuthorization)

	_, err = svc.Decide(ctx, id, approval.Actor{Roles: []string{approval.RoleAdmin}}, approval.DecisionApprove, "anon")
	assert.ErrorIs(t, err, approval.ErrAuthorization, "an actor without an id is never eligible")

	_, err = svc.Decide(ctx, id, admin, approval.DecisionApprove, "   ")
	assert.ErrorIs(t, err, approval.ErrValidation, "program.delete requires a reason")

	_, err = svc.Decide(ctx, id, admin, "abstain", "")
	assert.ErrorIs(t, err, approval.ErrValidation)

	_, err = svc.Decide(ctx, "missing", admin, approval.DecisionApprove, "x")
	assert.ErrorIs(t, err, approval.ErrRequestNotFound)

	req, votes, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Empty(t, votes)
	assert.Equal(t, 0, svc.handler.count())
}

func TestDecide_PolicyReadAtDecisionTime(t *testing.T) {
	// GIVEN: a request submitted under the default policy
	// WHEN: a scoped override removes registrar before the decision
	// THEN: registrar is refused
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	require.NoError(t, svc.store.SavePolicyDocument(ctx, "BTECH", approval.DefaultNamespace,
		[]byte(`{"program.delete": {"approver_roles": ["dean"], "requires_reason": true}}`)))

	_, err := svc.Decide(ctx, id, registrar, approval.DecisionApprove, "ok")
	assert.ErrorIs(t, err, approval.ErrAuthorization)

	dean := approval.Actor{ID: "dean-1", Roles: []string{approval.RoleDean}}
	status, err := svc.Decide(ctx, id, dean, approval.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
}

func TestDecide_UngovernedStoredRequestIsHandlerNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// A stale row whose key was removed from the catalog.
	require.NoError(t, svc.store.CreateRequest(ctx, approval.Request{
		ID: "stale-1", ObjectType: "course", ObjectID: "C1", Action: "archive",
		Scope: "BTECH", Payload: json.RawMessage(`{}`), Status: approval.StatusPending,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, svc.store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace,
		[]byte(`{"course.archive": {"approver_roles": ["admin"]}}`)))

	_, err := svc.Decide(ctx, "stale-1", admin, approval.DecisionApprove, "")
	var nf *approval.HandlerNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "course.archive", nf.Key.String())

	req, _, err := svc.Get(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
}

// =============================================================================
// REVIEW
// =============================================================================

func TestMarkUnderReview(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := submitDelete(t, svc, "CS")

	assert.ErrorIs(t, svc.MarkUnderReview(ctx, id, staff), approval.ErrAuthorization)

	require.NoError(t, svc.MarkUnderReview(ctx, id, registrar))
	require.NoError(t, svc.MarkUnderReview(ctx, id, admin), "already under review is a no-op")

	req, votes, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusUnderReview, req.Status)
	assert.Empty(t, votes)

	status, err := svc.Decide(ctx, id, registrar, approval.DecisionApprove, "done")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	assert.ErrorIs(t, svc.MarkUnderReview(ctx, id, admin), approval.ErrAlreadyDecided)
}

// =============================================================================
// RULE "all"
// =============================================================================

func TestDecide_RuleAllAccumulatesVotes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace, []byte(`{
		"program.delete": {"approver_roles": ["admin", "registrar"], "rule": "all", "min_approvers": 2}
	}`)))
	id := submitDelete(t, svc, "CS")

	status, err := svc.Decide(ctx, id, admin, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusUnderReview, status)
	assert.Equal(t, 0, svc.handler.count())

	// Same voter twice: refused, nothing changes.
	_, err = svc.Decide(ctx, id, admin, approval.DecisionApprove, "")
	assert.ErrorIs(t, err, approval.ErrDuplicateVote)

	req, votes, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusUnderReview, req.Status)
	assert.Len(t, votes, 1)

	status, err = svc.Decide(ctx, id, registrar, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
	assert.Equal(t, 1, svc.handler.count())

	_, votes, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, votes, 2)
}

func TestDecide_RuleAllNeedsEveryRole(t *testing.T) {
	// Two admins cover only one of the two roles.
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.store.SavePolicyDocument(ctx, "BTECH", approval.DefaultNamespace, []byte(`{
		"program.delete": {"approver_roles": ["admin", "registrar"], "rule": "all"}
	}`)))
	id := submitDelete(t, svc, "CS")

	for _, a := range []approval.Actor{admin, {ID: "admin-2", Roles: []string{approval.RoleAdmin}}} {
		status, err := svc.Decide(ctx, id, a, approval.DecisionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, approval.StatusUnderReview, status)
	}
	assert.Equal(t, 0, svc.handler.count())

	// Any eligible reject finalizes.
	status, err := svc.Decide(ctx, id, registrar, approval.DecisionReject, "no")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, status)
	assert.Equal(t, 0, svc.handler.count())
}

func TestDecide_RuleAllGrantsCountVotersNotRoles(t *testing.T) {
	// GIVEN: rule "all" over admin + registrar and a grant for a role-less person
	// WHEN: the admin and the grant holder approve
	// THEN: the voter count is met but registrar is uncovered, so it waits
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace, []byte(`{
		"program.delete": {"approver_roles": ["admin", "registrar"], "rule": "all", "min_approvers": 2}
	}`)))
	_, err := svc.AssignApprover(ctx, admin, approval.ApproverAssignment{
		PersonID: staff.ID, ObjectType: "program", Action: "delete", Scope: "BTECH",
	})
	require.NoError(t, err)
	id := submitDelete(t, svc, "CS")

	for _, a := range []approval.Actor{admin, staff} {
		status, err := svc.Decide(ctx, id, a, approval.DecisionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, approval.StatusUnderReview, status)
	}
	assert.Equal(t, 0, svc.handler.count())

	status, err := svc.Decide(ctx, id, registrar, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
	assert.Equal(t, 1, svc.handler.count())
}

// =============================================================================
// APPROVER GRANTS
// =============================================================================

func TestApproverGrants(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant := approval.ApproverAssignment{PersonID: staff.ID, ObjectType: "program", Action: "delete", Scope: "BTECH"}

	_, err := svc.AssignApprover(ctx, registrar, grant)
	assert.ErrorIs(t, err, approval.ErrAuthorization, "only admins grant")

	saved, err := svc.AssignApprover(ctx, admin, grant)
	require.NoError(t, err)
	assert.True(t, saved.Active)
	assert.Equal(t, admin.ID, saved.ActivatedBy)
	assert.NotEmpty(t, saved.ID)

	rp, err := svc.ResolvePolicy(ctx, "program", "delete", "BTECH")
	require.NoError(t, err)
	assert.Equal(t, []string{staff.ID}, rp.Approvers)
	assert.Equal(t, []string{approval.RoleAdmin, approval.RoleRegistrar}, rp.ApproverRoles)

	// The grant makes a role-less actor eligible.
	first := submitDelete(t, svc, "CS")
	status, err := svc.Decide(ctx, first, staff, approval.DecisionApprove, "granted")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	require.NoError(t, svc.DeactivateApprover(ctx, admin, saved.ID))
	assert.ErrorIs(t, svc.DeactivateApprover(ctx, admin, saved.ID), approval.ErrObjectNotFound)

	second := submitDelete(t, svc, "EE")
	_, err = svc.Decide(ctx, second, staff, approval.DecisionApprove, "granted")
	assert.ErrorIs(t, err, approval.ErrAuthorization)
}

func TestAssignApprover_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AssignApprover(ctx, admin, approval.ApproverAssignment{PersonID: "p", ObjectType: "course", Action: "delete"})
	assert.ErrorIs(t, err, approval.ErrValidation)

	_, err = svc.AssignApprover(ctx, admin, approval.ApproverAssignment{ObjectType: "program", Action: "delete"})
	assert.ErrorIs(t, err, approval.ErrValidation)

	saved, err := svc.AssignApprover(ctx, admin, approval.ApproverAssignment{PersonID: "p", ObjectType: "program", Action: "delete"})
	require.NoError(t, err)
	assert.Equal(t, approval.WildcardScope, saved.Scope)
}

func TestSavePolicyDocument_AdminOnlyAndValidated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	doc := []byte(`{"program.delete": {"approver_roles": ["dean"]}}`)

	err := svc.SavePolicyDocument(ctx, registrar, "BTECH", doc)
	assert.ErrorIs(t, err, approval.ErrAuthorization)

	err = svc.SavePolicyDocument(ctx, admin, "BTECH", []byte(`{"program.delete": {"approver_roles": ["dean"], "rule": "majority"}}`))
	assert.ErrorIs(t, err, approval.ErrValidation)

	require.NoError(t, svc.SavePolicyDocument(ctx, admin, "BTECH", doc))

	p, err := svc.ResolvePolicy(ctx, "program", "delete", "BTECH")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceScoped, p.Source)
	assert.Equal(t, []string{"dean"}, p.ApproverRoles)

	// Empty scope means the global document.
	require.NoError(t, svc.SavePolicyDocument(ctx, admin, "", doc))
	raw, found, err := svc.store.LoadPolicyDocument(ctx, approval.WildcardScope, approval.DefaultNamespace)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, string(doc), string(raw))
}
