package access

import (
	"regexp"
	"strings"
)

// Action is a canonical permission verb such as VIEW or UPDATE.
type Action string

// Role is a canonical role identifier such as SUPER_ADMIN.
type Role string

const (
	ActionView            Action = "VIEW"
	ActionCreate          Action = "CREATE"
	ActionUpdate          Action = "UPDATE"
	ActionDeactivate      Action = "DEACTIVATE"
	ActionApprove         Action = "APPROVE"
	ActionReject          Action = "REJECT"
	ActionRequestMoreInfo Action = "REQUEST_MORE_INFO"
	ActionResetPassword   Action = "RESET_PASSWORD"

	// ActionAny grants every action on a resource.
	ActionAny Action = "*"
)

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleOrgAdmin   Role = "ORG_ADMIN"
	RoleMandiAdmin Role = "MANDI_ADMIN"
	RoleAuditor    Role = "AUDITOR"
)

var actionSynonyms = map[string]Action{
	"ADD":         ActionCreate,
	"INSERT":      ActionCreate,
	"EDIT":        ActionUpdate,
	"DELETE":      ActionDeactivate,
	"DISABLE":     ActionDeactivate,
	"REMOVE":      ActionDeactivate,
	"TOGGLE":      ActionDeactivate,
	"DETAIL":      ActionView,
	"VIEW_DETAIL": ActionView,
	"ALL":         ActionAny,
}

// keyAliases maps legacy first segments to their canonical spelling.
// No target may appear as a source.
var keyAliases = map[string]string{
	"org_mandi":         "org_mandi_mappings",
	"org_mandis":        "org_mandi_mappings",
	"org_mandi_mapping": "org_mandi_mappings",
	"admin_user":        "admin_users",
	"payment_log":       "payments_log",
}

var tokenSeparators = regexp.MustCompile(`[\s-]+`)

// CanonicalKey normalises a resource key. Segment case is preserved; legacy
// first segments are rewritten through the alias table. Blank input yields "".
func CanonicalKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	head, rest, found := strings.Cut(key, ".")
	if target, ok := keyAliases[head]; ok {
		head = target
	}
	if !found {
		return head
	}
	return head + "." + rest
}

// CanonicalAction upper-cases an action token, folds separators to underscores
// and maps synonyms to their canonical verb.
func CanonicalAction(raw string) Action {
	token := foldToken(raw)
	if token == "" {
		return ""
	}
	if a, ok := actionSynonyms[token]; ok {
		return a
	}
	return Action(token)
}

// CanonicalRole normalises a role name the same way action tokens are folded.
func CanonicalRole(raw string) Role {
	return Role(foldToken(raw))
}

// KeyAliases returns a copy of the legacy alias table.
func KeyAliases() map[string]string {
	out := make(map[string]string, len(keyAliases))
	for k, v := range keyAliases {
		out[k] = v
	}
	return out
}

func foldToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	token = tokenSeparators.ReplaceAllString(strings.ToUpper(token), "_")
	return token
}
