package approval

// Role names used by the compiled-in defaults.
const (
	RoleAdmin     = "admin"
	RoleRegistrar = "registrar"
	RoleDean      = "dean"
	RoleHR        = "hr"
)

// DefaultPolicies returns the compiled-in policy for every catalog key.
// The map is freshly allocated on each call.
func DefaultPolicies() map[ActionKey]Policy {
	deletes := Policy{ApproverRoles: []string{RoleAdmin, RoleRegistrar}, Rule: RuleEitherOne, RequiresReason: true}
	edits := Policy{ApproverRoles: []string{RoleAdmin, RoleRegistrar}, Rule: RuleEitherOne}
	structure := Policy{ApproverRoles: []string{RoleAdmin, RoleRegistrar}, Rule: RuleEitherOne, RequiresReason: true}

	defaults := map[ActionKey]Policy{
		{ObjectDegree, ActionEditBinding}: {ApproverRoles: []string{RoleAdmin}, Rule: RuleEitherOne, RequiresReason: true},

		{ObjectFaculty, ActionDelete}: {ApproverRoles: []string{RoleAdmin, RoleHR}, Rule: RuleEitherOne, RequiresReason: true},
		{ObjectFaculty, ActionEdit}:   {ApproverRoles: []string{RoleAdmin, RoleHR}, Rule: RuleEitherOne},
	}

	for key, kind := range Catalog {
		if _, ok := defaults[key]; ok {
			continue
		}
		switch kind {
		case KindDelete:
			defaults[key] = deletes.clone()
		case KindFieldEdit:
			defaults[key] = edits.clone()
		case KindStructure:
			defaults[key] = structure.clone()
		}
	}
	return defaults
}
