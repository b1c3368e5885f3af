/*
policy.go - Approval policy resolution

PURPOSE:
  Answers "who may decide this action, how many of them, and must they give
  a reason?" for a governed action key at a scope.

RESOLUTION ORDER:
  1. Scoped document   policy_documents(scope=<degree code>, namespace)
  2. Global document   policy_documents(scope="*", namespace)
  3. Compiled default  Defaults[key]
  4. Empty policy      no approvers; nobody can decide (fails closed)

  Each tier is consulted per action key: a scoped document without an entry
  for the key falls through to the global document, and so on.

MALFORMED DOCUMENTS:
  A document that does not parse is treated as absent for every key, so a
  corrupt override cannot take review offline. The failure is logged as a
  PolicyResolutionError; the scope then falls through to the next tier.

DOCUMENT FORMAT:
  {
    "program.delete": {
      "approver_roles": ["registrar", "dean"],
      "rule": "either_one",
      "requires_reason": true
    },
    "degree.edit_binding": {
      "approver_roles": ["registrar", "dean"],
      "rule": "all",
      "min_approvers": 2
    }
  }

UNSUPPORTED FIELDS:
  auto_approve_after_hours has no enforcing code path. A document that sets
  it is malformed rather than accepted and ignored.
*/
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// WildcardScope is the global policy scope.
	WildcardScope = "*"

	// DefaultNamespace is the namespace policy documents are read from.
	DefaultNamespace = "approvals"
)

// =============================================================================
// POLICY
// =============================================================================

type Rule string

const (
	// RuleEitherOne finalizes on the first vote from an eligible approver.
	RuleEitherOne Rule = "either_one"

	// RuleAll requires every approver role to be covered by an approving
	// voter, and at least MinApprovers distinct approvers.
	RuleAll Rule = "all"
)

type PolicySource string

const (
	SourceScoped  PolicySource = "scoped"
	SourceGlobal  PolicySource = "global"
	SourceDefault PolicySource = "default"
	SourceNone    PolicySource = "none"
)

// Policy is the resolved approval policy for one key at one scope.
type Policy struct {
	ApproverRoles  []string
	Rule           Rule
	RequiresReason bool
	MinApprovers   int
	Source         PolicySource
}

// IsEmpty reports whether nobody can decide under this policy by role.
func (p Policy) IsEmpty() bool {
	return len(p.ApproverRoles) == 0
}

func (p Policy) clone() Policy {
	p.ApproverRoles = append([]string(nil), p.ApproverRoles...)
	return p
}

// =============================================================================
// POLICY DOCUMENT - JSON form stored per (scope, namespace)
// =============================================================================

// PolicyEntry is one action key's entry in a policy document.
type PolicyEntry struct {
	ApproverRoles         []string `json:"approver_roles"`
	Rule                  Rule     `json:"rule,omitempty"`
	RequiresReason        bool     `json:"requires_reason,omitempty"`
	MinApprovers          int      `json:"min_approvers,omitempty"`
	AutoApproveAfterHours *float64 `json:"auto_approve_after_hours,omitempty"`
}

// PolicyDocument maps action keys ("program.delete") to entries.
type PolicyDocument map[string]PolicyEntry

// ParsePolicyDocument decodes and validates a stored document.
func ParsePolicyDocument(raw []byte) (PolicyDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc PolicyDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if doc == nil {
		return nil, errors.New("document must be a JSON object")
	}

	for key, entry := range doc {
		if err := validateEntry(key, entry); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func validateEntry(key string, e PolicyEntry) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("%q: action key must be <object_type>.<action>", key)
	}
	switch e.Rule {
	case "", RuleEitherOne, RuleAll:
	default:
		return fmt.Errorf("%q: unknown rule %q", key, e.Rule)
	}
	for _, role := range e.ApproverRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%q: empty approver role", key)
		}
	}
	if e.MinApprovers < 0 {
		return fmt.Errorf("%q: min_approvers must not be negative", key)
	}
	if e.MinApprovers > 1 && e.Rule != RuleAll {
		return fmt.Errorf("%q: min_approvers requires rule %q", key, RuleAll)
	}
	if e.AutoApproveAfterHours != nil {
		return fmt.Errorf("%q: auto_approve_after_hours is not supported", key)
	}
	return nil
}

func (e PolicyEntry) toPolicy(source PolicySource) Policy {
	rule := e.Rule
	if rule == "" {
		rule = RuleEitherOne
	}
	return Policy{
		ApproverRoles:  append([]string(nil), e.ApproverRoles...),
		Rule:           rule,
		RequiresReason: e.RequiresReason,
		MinApprovers:   e.MinApprovers,
		Source:         source,
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

// PolicyReader is the slice of Store the resolver needs.
type PolicyReader interface {
	LoadPolicyDocument(ctx context.Context, scope, namespace string) ([]byte, bool, error)
}

// PolicyResolver resolves policies through the scoped → global → default
// tiers.
type PolicyResolver struct {
	Namespace string
	Defaults  map[ActionKey]Policy
	Logger    *slog.Logger
}

// NewPolicyResolver returns a resolver over the compiled-in defaults.
func NewPolicyResolver(logger *slog.Logger) *PolicyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyResolver{
		Namespace: DefaultNamespace,
		Defaults:  DefaultPolicies(),
		Logger:    logger,
	}
}

// Resolve returns the effective policy for key at scope. Storage failures
// are returned; malformed documents are not.
func (r *PolicyResolver) Resolve(ctx context.Context, reader PolicyReader, key ActionKey, scope string) (Policy, error) {
	if scope != "" && scope != WildcardScope {
		p, ok, err := r.fromDocument(ctx, reader, key, scope, SourceScoped)
		if err != nil || ok {
			return p, err
		}
	}

	p, ok, err := r.fromDocument(ctx, reader, key, WildcardScope, SourceGlobal)
	if err != nil || ok {
		return p, err
	}

	if def, ok := r.Defaults[key]; ok {
		def = def.clone()
		def.Source = SourceDefault
		return def, nil
	}

	return Policy{Rule: RuleEitherOne, Source: SourceNone}, nil
}

func (r *PolicyResolver) fromDocument(ctx context.Context, reader PolicyReader, key ActionKey, scope string, source PolicySource) (Policy, bool, error) {
	raw, found, err := reader.LoadPolicyDocument(ctx, scope, r.namespace())
	if err != nil {
		return Policy{}, false, fmt.Errorf("failed to load policy document %q: %w", scope, err)
	}
	if !found {
		return Policy{}, false, nil
	}

	doc, err := ParsePolicyDocument(raw)
	if err != nil {
		perr := &PolicyResolutionError{Scope: scope, Namespace: r.namespace(), Err: err}
		r.Logger.WarnContext(ctx, "ignoring malformed policy document",
			slog.String("scope", scope),
			slog.String("namespace", r.namespace()),
			slog.Any("error", perr))
		return Policy{}, false, nil
	}

	entry, ok := doc[key.String()]
	if !ok {
		return Policy{}, false, nil
	}
	return entry.toPolicy(source), true, nil
}

func (r *PolicyResolver) namespace() string {
	if r.Namespace == "" {
		return DefaultNamespace
	}
	return r.Namespace
}
