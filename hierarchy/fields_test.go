package hierarchy_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/academic-engine/approval"
	"github.com/warp/academic-engine/hierarchy"
)

func TestFilterFields_DropsFieldsOutsideAllowList(t *testing.T) {
	fields, dropped, err := hierarchy.FilterFields(approval.ObjectProgram, map[string]any{
		"name":          "  Computer Engineering ",
		"total_credits": json.Number("162.50"),
		"degree_code":   "MTECH",
		"id":            json.Number("7"),
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"name":          "Computer Engineering",
		"total_credits": "162.5",
	}, fields)
	assert.Equal(t, []string{"degree_code", "id"}, dropped)
}

func TestFilterFields_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		object approval.ObjectType
		fields map[string]any
	}{
		{"negative credits", approval.ObjectSubject, map[string]any{"credits": json.Number("-1")}},
		{"credits not a number", approval.ObjectSubject, map[string]any{"credits": "four"}},
		{"empty name", approval.ObjectBranch, map[string]any{"name": "   "}},
		{"active not bool", approval.ObjectBranch, map[string]any{"active": "yes"}},
		{"email not string", approval.ObjectFaculty, map[string]any{"email": json.Number("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := hierarchy.FilterFields(tt.object, tt.fields)
			assert.ErrorIs(t, err, approval.ErrValidation)
		})
	}
}

func TestAllowedFields(t *testing.T) {
	assert.Equal(t, []string{"active", "name", "total_credits"}, hierarchy.AllowedFields(approval.ObjectProgram))
	assert.Equal(t, []string{"designation", "email", "name"}, hierarchy.AllowedFields(approval.ObjectFaculty))
}

func TestFieldEdit_AppliesOnlyAllowedSubset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCS(t, env, hierarchy.BindDegree)

	id, err := env.approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: approval.ObjectSubject,
		Action:     approval.ActionEdit,
		ObjectID:   "CS/CS101",
		Requester:  clerk.ID,
		Payload:    json.RawMessage(`{"fields": {"credits": 3.5, "program_id": 99}}`),
	})
	require.NoError(t, err)

	status, err := env.approvals.Decide(ctx, id, admin, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	var row struct {
		Credits   string `db:"credits"`
		ProgramID int64  `db:"program_id"`
	}
	require.NoError(t, env.store.DB().Get(&row, "SELECT credits, program_id FROM subjects WHERE code = 'CS101'"))
	assert.Equal(t, "3.5", row.Credits)
	assert.NotEqual(t, int64(99), row.ProgramID)
}

func TestFieldEdit_NothingAllowedIsValidationError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCS(t, env, hierarchy.BindDegree)

	id, err := env.approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: approval.ObjectDegree,
		Action:     approval.ActionEdit,
		ObjectID:   "BTECH",
		Payload:    json.RawMessage(`{"fields": {"binding_mode": "branch"}}`),
	})
	require.NoError(t, err)

	_, err = env.approvals.Decide(ctx, id, admin, approval.DecisionApprove, "")
	assert.ErrorIs(t, err, approval.ErrValidation)

	degree, err := hierarchy.GetDegree(ctx, env.store.DB(), "BTECH")
	require.NoError(t, err)
	assert.Equal(t, hierarchy.BindDegree, degree.BindingMode)

	req, _, err := env.approvals.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
}
