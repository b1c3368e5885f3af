package sqlite_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/academic-engine/approval"
	"github.com/warp/academic-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func pendingRequest(id, objectID string) approval.Request {
	return approval.Request{
		ID:         approval.RequestID(id),
		ObjectType: approval.ObjectProgram,
		ObjectID:   objectID,
		Action:     approval.ActionDelete,
		Scope:      "BTECH",
		Requester:  "staff-1",
		Payload:    json.RawMessage(`{"cascade":true}`),
		Status:     approval.StatusPending,
		CreatedAt:  time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC),
	}
}

func TestRequests_RoundTripAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CS", got.ObjectID)
	assert.Equal(t, "BTECH", got.Scope)
	assert.JSONEq(t, `{"cascade":true}`, string(got.Payload))
	assert.Nil(t, got.DecidedAt)

	missing, err := store.GetRequest(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	open, err := store.ListRequests(ctx, approval.OpenStatuses...)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	done, err := store.ListRequests(ctx, approval.CompletedStatuses...)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestRequests_OneOpenPerObjectAction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))
	err := store.CreateRequest(ctx, pendingRequest("r2", "CS"))
	assert.ErrorIs(t, err, approval.ErrDuplicateRequest)

	found, err := store.FindOpenRequest(ctx, approval.Key("program", "delete"), "CS")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, approval.RequestID("r1"), found.ID)

	// Terminal requests do not count.
	now := time.Now()
	require.NoError(t, store.UpdateStatus(ctx, "r1", approval.OpenStatuses, approval.StatusRejected, "admin-1", &now))
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r2", "CS")))
}

func TestUpdateStatus_Guard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))

	now := time.Now()
	require.NoError(t, store.UpdateStatus(ctx, "r1", approval.OpenStatuses, approval.StatusApproved, "admin-1", &now))

	// A second decision loses the race.
	err := store.UpdateStatus(ctx, "r1", approval.OpenStatuses, approval.StatusRejected, "reg-1", &now)
	assert.ErrorIs(t, err, approval.ErrConcurrentModification)

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "admin-1", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)
}

func TestVotes_UniqueAndAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))

	vote := approval.Vote{
		ID: "v1", RequestID: "r1", Voter: "admin-1", VoterRoles: []string{"admin"},
		Decision: approval.DecisionApprove, Note: "ok", CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertVote(ctx, vote))

	vote.ID = "v2"
	err := store.InsertVote(ctx, vote)
	assert.ErrorIs(t, err, approval.ErrDuplicateVote)

	votes, err := store.ListVotes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, []string{"admin"}, votes[0].VoterRoles)

	_, err = store.DB().Exec("UPDATE approval_votes SET decision = 'reject'")
	assert.Error(t, err)
	_, err = store.DB().Exec("DELETE FROM approval_votes")
	assert.Error(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sentinel := assert.AnError
	err := store.WithTx(ctx, func(tx approval.Tx) error {
		require.NoError(t, tx.CreateRequest(ctx, pendingRequest("r1", "CS")))
		require.NotNil(t, tx.Querier())
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPolicyDocuments_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.LoadPolicyDocument(ctx, "*", "approvals")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SavePolicyDocument(ctx, "*", "approvals", []byte(`{"a.b":{"approver_roles":["x"]}}`)))
	require.NoError(t, store.SavePolicyDocument(ctx, "*", "approvals", []byte(`{"a.b":{"approver_roles":["y"]}}`)))

	doc, found, err := store.LoadPolicyDocument(ctx, "*", "approvals")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"a.b":{"approver_roles":["y"]}}`, string(doc))
}

func TestApproverAssignments_ScopeAndDeactivation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := approval.Key("program", "delete")
	now := time.Now()

	for _, a := range []approval.ApproverAssignment{
		{ID: "g1", PersonID: "p1", ObjectType: "program", Action: "delete", Scope: "BTECH", Active: true, ActivatedBy: "admin-1", ActivatedAt: now},
		{ID: "g2", PersonID: "p2", ObjectType: "program", Action: "delete", Scope: "*", Active: true, ActivatedBy: "admin-1", ActivatedAt: now},
		{ID: "g3", PersonID: "p3", ObjectType: "program", Action: "delete", Scope: "MBA", Active: true, ActivatedBy: "admin-1", ActivatedAt: now},
	} {
		require.NoError(t, store.SaveApproverAssignment(ctx, a))
	}

	active, err := store.ListActiveApprovers(ctx, key, "BTECH")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].PersonID)
	assert.Equal(t, "p2", active[1].PersonID)

	require.NoError(t, store.DeactivateApproverAssignment(ctx, "g1", "admin-2", now))
	assert.ErrorIs(t, store.DeactivateApproverAssignment(ctx, "g1", "admin-2", now), approval.ErrObjectNotFound)

	active, err = store.ListActiveApprovers(ctx, key, "BTECH")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p2", active[0].PersonID)
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))
	require.NoError(t, store.InsertVote(ctx, approval.Vote{ID: "v1", RequestID: "r1", Voter: "a", Decision: approval.DecisionReject, CreatedAt: time.Now()}))

	require.NoError(t, store.Reset(ctx))

	all, err := store.ListRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// Append-only protection is back after the reset.
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r2", "EE")))
	require.NoError(t, store.InsertVote(ctx, approval.Vote{ID: "v2", RequestID: "r2", Voter: "a", Decision: approval.DecisionReject, CreatedAt: time.Now()}))
	_, err = store.DB().Exec("DELETE FROM approval_votes")
	assert.Error(t, err)
}

// =============================================================================
// SQLMOCK - statement shape of the status guard
// =============================================================================

func TestUpdateStatus_GuardStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := sqlite.NewWithDB(sqlx.NewDb(db, "sqlite3"))
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status IN (?, ?)")).
		WithArgs("approved", "admin-1", sqlmock.AnyArg(), "r1", "pending", "under_review").
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	err = store.UpdateStatus(ctx, "r1", approval.OpenStatuses, approval.StatusApproved, "admin-1", &now)
	assert.ErrorIs(t, err, approval.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrdering_SubSecondTimestamps(t *testing.T) {
	// GIVEN: two requests and two votes 20ms apart within one second
	// WHEN: listing them
	// THEN: the oldest comes first
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 3, 10, 0, 5, 0, time.UTC)

	older := pendingRequest("r-older", "CS")
	older.CreatedAt = base.Add(100 * time.Millisecond)
	newer := pendingRequest("r-newer", "EE")
	newer.CreatedAt = base.Add(120 * time.Millisecond)
	require.NoError(t, store.CreateRequest(ctx, newer))
	require.NoError(t, store.CreateRequest(ctx, older))

	open, err := store.ListRequests(ctx, approval.OpenStatuses...)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, approval.RequestID("r-older"), open[0].ID)
	assert.True(t, open[0].CreatedAt.Equal(older.CreatedAt))

	for _, v := range []approval.Vote{
		{ID: "a", RequestID: "r-older", Voter: "hr-1", Decision: approval.DecisionApprove, CreatedAt: base.Add(120 * time.Millisecond)},
		{ID: "b", RequestID: "r-older", Voter: "admin-1", Decision: approval.DecisionApprove, CreatedAt: base.Add(100 * time.Millisecond)},
	} {
		require.NoError(t, store.InsertVote(ctx, v))
	}
	votes, err := store.ListVotes(ctx, "r-older")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "admin-1", votes[0].Voter)
}

func TestListVotes_CorruptRolesIsAnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, pendingRequest("r1", "CS")))

	_, err := store.DB().Exec(`
		INSERT INTO approval_votes (id, request_id, voter, voter_roles, decision, note, created_at)
		VALUES ('v1', 'r1', 'admin-1', 'not-json', 'approve', '', '2025-03-03T10:00:00.000000000Z')`)
	require.NoError(t, err)

	_, err = store.ListVotes(ctx, "r1")
	assert.ErrorContains(t, err, "failed to decode roles of vote v1")
}
