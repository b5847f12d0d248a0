package access

import (
	"fmt"
	"strconv"
	"strings"
)

// Lock reasons.
const (
	ReasonProtectedOrGlobal = "protected_or_global"
	ReasonOrgMismatch       = "org_mismatch"
)

const (
	scopeGlobal     = "GLOBAL"
	scopeOrg        = "ORG"
	ownerTypeSystem = "SYSTEM"
)

// RecordAttributes are the ownership fields a domain record may expose.
// Every field is optional.
type RecordAttributes struct {
	OrgScope    string `json:"org_scope,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	OwnerType   string `json:"owner_type,omitempty"`
	OwnerOrgID  string `json:"owner_org_id,omitempty"`
	IsProtected string `json:"is_protected,omitempty"`
}

// LockResult is the outcome of a record-lock evaluation.
type LockResult struct {
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"`
}

// IsLocked decides whether rec is locked against mutation for the caller,
// independently of action-level permission. Rules apply in order; first match wins.
func IsLocked(rec *RecordAttributes, auth AuthContext) LockResult {
	if rec == nil {
		return LockResult{}
	}
	if strings.EqualFold(strings.TrimSpace(rec.IsProtected), "Y") ||
		strings.EqualFold(strings.TrimSpace(rec.OrgScope), scopeGlobal) ||
		strings.EqualFold(strings.TrimSpace(rec.OwnerType), ownerTypeSystem) {
		if auth.IsSuper {
			return LockResult{}
		}
		return LockResult{Locked: true, Reason: ReasonProtectedOrGlobal}
	}
	if strings.EqualFold(strings.TrimSpace(rec.OrgScope), scopeOrg) {
		recOrg := strings.TrimSpace(rec.OrgID)
		callerOrg := strings.TrimSpace(auth.Scope.OrgID)
		if (recOrg == "" || callerOrg == "" || recOrg != callerOrg) && !auth.IsSuper {
			return LockResult{Locked: true, Reason: ReasonOrgMismatch}
		}
	}
	return LockResult{}
}

// RecordFromMap reads lock attributes from a decoded JSON record. Numeric ids are
// stringified so they compare as strings; unknown fields are ignored.
func RecordFromMap(m map[string]any) *RecordAttributes {
	if m == nil {
		return nil
	}
	return &RecordAttributes{
		OrgScope:    stringField(m, "org_scope"),
		OrgID:       stringField(m, "org_id"),
		OwnerType:   stringField(m, "owner_type"),
		OwnerOrgID:  stringField(m, "owner_org_id"),
		IsProtected: stringField(m, "is_protected"),
	}
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "Y"
		}
		return "N"
	default:
		return fmt.Sprint(t)
	}
}
