package access

import "encoding/json"

// UIType classifies a UI surface.
type UIType string

const (
	UITypeMenu   UIType = "MENU"
	UITypeTable  UIType = "TABLE"
	UITypeButton UIType = "BUTTON"
	UITypeForm   UIType = "FORM"
	UITypeTab    UIType = "TAB"
)

// UIResource is one addressable UI surface declared by the server-side UI configuration.
type UIResource struct {
	ResourceKey       string   `json:"resource_key"`
	UIType            UIType   `json:"ui_type,omitempty"`
	Route             string   `json:"route,omitempty"`
	ParentResourceKey string   `json:"parent_resource_key,omitempty"`
	AllowedActions    []string `json:"allowed_actions,omitempty"`
	IsActive          bool     `json:"is_active"`
}

// PermissionEntry is one row of the caller's effective grant for a resource.
type PermissionEntry struct {
	ResourceKey string   `json:"resource_key"`
	Actions     []string `json:"actions"`
}

// AdminScope identifies the caller's administrative boundary.
type AdminScope struct {
	OrgCode    string   `json:"org_code,omitempty"`
	OrgID      string   `json:"org_id,omitempty"`
	MandiCodes []string `json:"mandi_codes,omitempty"`
	RoleScope  string   `json:"role_scope,omitempty"`
}

// AuthContext is the caller view used for record-level decisions.
type AuthContext struct {
	IsSuper bool
	Scope   AdminScope
}

// NewAuthContext derives the record-lock view of a session from its role and scope.
func NewAuthContext(role Role, scope AdminScope) AuthContext {
	return AuthContext{IsSuper: CanonicalRole(string(role)) == RoleSuperAdmin, Scope: scope}
}

// UIConfig is the server-side configuration fetched for one identity. Permissions
// is kept raw because its shape varies between API versions; see DecodePermissions.
type UIConfig struct {
	Role        string          `json:"role"`
	Scope       AdminScope      `json:"scope"`
	Resources   []UIResource    `json:"ui_resources"`
	Permissions json.RawMessage `json:"permissions"`
}
