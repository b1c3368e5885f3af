package approval_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/academic-engine/approval"
)

func noop() approval.Handler {
	return approval.HandlerFunc(func(context.Context, approval.Tx, approval.Dispatch) error { return nil })
}

func fullTable() map[approval.ActionKey]approval.Handler {
	table := make(map[approval.ActionKey]approval.Handler)
	for key := range approval.Catalog {
		table[key] = noop()
	}
	return table
}

func TestNewDispatcher_RequiresExactCatalog(t *testing.T) {
	_, err := approval.NewDispatcher(fullTable())
	require.NoError(t, err)

	missing := fullTable()
	delete(missing, approval.Key("branch", "edit_structure"))
	_, err = approval.NewDispatcher(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch.edit_structure")

	extra := fullTable()
	extra[approval.Key("subject", "edit_binding")] = noop()
	_, err = approval.NewDispatcher(extra)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject.edit_binding")

	nilHandler := fullTable()
	nilHandler[approval.Key("degree", "delete")] = nil
	_, err = approval.NewDispatcher(nilHandler)
	assert.Error(t, err)
}

func TestDispatch_DecodesVariantForKey(t *testing.T) {
	var got approval.Dispatch
	table := fullTable()
	table[approval.Key("degree", "edit_binding")] = approval.HandlerFunc(
		func(_ context.Context, _ approval.Tx, d approval.Dispatch) error {
			got = d
			return nil
		})
	d, err := approval.NewDispatcher(table)
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), nil, approval.Request{
		ID: "r1", ObjectType: "degree", Action: "edit_binding", ObjectID: "BTECH", Scope: "BTECH",
		Payload: json.RawMessage(`{"binding": "program", "auto_rebuild": true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, approval.BindingPayload{Binding: "program", AutoRebuild: true}, got.Payload)
	assert.Equal(t, "BTECH", got.Scope)

	err = d.Dispatch(context.Background(), nil, approval.Request{
		ID: "r2", ObjectType: "degree", Action: "edit_binding", ObjectID: "BTECH",
		Payload: json.RawMessage(`{"binding": "program", "rebuild": true}`),
	})
	assert.ErrorIs(t, err, approval.ErrValidation)
}

func TestDecodePayload_EmptyBody(t *testing.T) {
	p, err := approval.DecodePayload(approval.Key("program", "delete"), nil)
	require.NoError(t, err)
	assert.Equal(t, approval.DeletePayload{}, p)

	p, err = approval.DecodePayload(approval.Key("program", "edit"), json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, approval.KindFieldEdit, p.Kind())
}
