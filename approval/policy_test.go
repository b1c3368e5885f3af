package approval_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/academic-engine/approval"
	memstore "github.com/warp/academic-engine/approval/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_DefaultsCoverCatalog(t *testing.T) {
	store := memstore.NewMemory()
	resolver := approval.NewPolicyResolver(quietLogger())
	ctx := context.Background()

	for key := range approval.Catalog {
		p, err := resolver.Resolve(ctx, store, key, "BTECH")
		require.NoError(t, err)
		assert.Equal(t, approval.SourceDefault, p.Source, key.String())
		assert.False(t, p.IsEmpty(), key.String())
	}
}

func TestResolve_NoEscalationWithoutOverride(t *testing.T) {
	// Fallback through empty tiers must never widen the default role set.
	store := memstore.NewMemory()
	resolver := approval.NewPolicyResolver(quietLogger())
	defaults := approval.DefaultPolicies()
	ctx := context.Background()

	// Documents exist but only for unrelated keys.
	require.NoError(t, store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace,
		[]byte(`{"subject.edit": {"approver_roles": ["dean"]}}`)))
	require.NoError(t, store.SavePolicyDocument(ctx, "BTECH", approval.DefaultNamespace,
		[]byte(`{"faculty.edit": {"approver_roles": ["dean"]}}`)))

	for key, def := range defaults {
		if key.String() == "subject.edit" || key.String() == "faculty.edit" {
			continue
		}
		p, err := resolver.Resolve(ctx, store, key, "BTECH")
		require.NoError(t, err)
		assert.Subset(t, def.ApproverRoles, p.ApproverRoles, key.String())
	}
}

func TestResolve_ScopedBeatsGlobalBeatsDefault(t *testing.T) {
	store := memstore.NewMemory()
	resolver := approval.NewPolicyResolver(quietLogger())
	ctx := context.Background()
	key := approval.Key("program", "delete")

	require.NoError(t, store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace,
		[]byte(`{"program.delete": {"approver_roles": ["dean"], "requires_reason": false}}`)))
	require.NoError(t, store.SavePolicyDocument(ctx, "BTECH", approval.DefaultNamespace,
		[]byte(`{"program.delete": {"approver_roles": ["registrar", "dean"], "rule": "all", "min_approvers": 2}}`)))

	p, err := resolver.Resolve(ctx, store, key, "BTECH")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceScoped, p.Source)
	assert.Equal(t, approval.RuleAll, p.Rule)
	assert.Equal(t, 2, p.MinApprovers)

	p, err = resolver.Resolve(ctx, store, key, "MBA")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceGlobal, p.Source)
	assert.Equal(t, []string{"dean"}, p.ApproverRoles)
	assert.Equal(t, approval.RuleEitherOne, p.Rule)

	p, err = resolver.Resolve(ctx, store, approval.Key("branch", "delete"), "BTECH")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceDefault, p.Source)
}

func TestResolve_MalformedDocumentFallsThrough(t *testing.T) {
	store := memstore.NewMemory()
	resolver := approval.NewPolicyResolver(quietLogger())
	ctx := context.Background()
	key := approval.Key("program", "delete")

	require.NoError(t, store.SavePolicyDocument(ctx, "*", approval.DefaultNamespace,
		[]byte(`{"program.delete": {"approver_roles": ["dean"]}}`)))

	malformed := []string{
		`{not json`,
		`{"program.delete": {"approver_roles": ["registrar"], "rule": "majority"}}`,
		`{"program.delete": {"approver_roles": ["registrar"], "auto_approve_after_hours": 48}}`,
		`{"program.delete": {"approver_roles": ["registrar"], "min_approvers": 2}}`,
		`{"program.delete": {"approver_roles": ["registrar"], "escalate_to": "dean"}}`,
		`{"program.delete": {"approver_roles": [""]}}`,
		`{"programdelete": {"approver_roles": ["registrar"]}}`,
		`null`,
	}
	for _, doc := range malformed {
		t.Run(doc, func(t *testing.T) {
			require.NoError(t, store.SavePolicyDocument(ctx, "BTECH", approval.DefaultNamespace, []byte(doc)))

			p, err := resolver.Resolve(ctx, store, key, "BTECH")
			require.NoError(t, err)
			assert.Equal(t, approval.SourceGlobal, p.Source)
			assert.Equal(t, []string{"dean"}, p.ApproverRoles)
		})
	}
}

func TestResolve_UngovernedKeyIsEmpty(t *testing.T) {
	resolver := approval.NewPolicyResolver(quietLogger())

	p, err := resolver.Resolve(context.Background(), memstore.NewMemory(), approval.Key("course", "archive"), "")
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
	assert.Equal(t, approval.SourceNone, p.Source)
}

func TestResolve_NamespaceIsolation(t *testing.T) {
	store := memstore.NewMemory()
	resolver := approval.NewPolicyResolver(quietLogger())
	ctx := context.Background()

	require.NoError(t, store.SavePolicyDocument(ctx, "*", "staging",
		[]byte(`{"program.delete": {"approver_roles": ["dean"]}}`)))

	p, err := resolver.Resolve(ctx, store, approval.Key("program", "delete"), "")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceDefault, p.Source)

	resolver.Namespace = "staging"
	p, err = resolver.Resolve(ctx, store, approval.Key("program", "delete"), "")
	require.NoError(t, err)
	assert.Equal(t, approval.SourceGlobal, p.Source)
}

func TestParsePolicyDocument_Valid(t *testing.T) {
	doc, err := approval.ParsePolicyDocument([]byte(`{
		"degree.edit_binding": {"approver_roles": ["registrar", "dean"], "rule": "all", "min_approvers": 2, "requires_reason": true}
	}`))
	require.NoError(t, err)

	entry := doc["degree.edit_binding"]
	assert.Equal(t, approval.RuleAll, entry.Rule)
	assert.Equal(t, 2, entry.MinApprovers)
	assert.True(t, entry.RequiresReason)
}
