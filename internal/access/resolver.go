package access

// Resolver answers permission questions for one session.
type Resolver struct {
	index Index
	role  Role
}

// NewResolver builds the base index from entries and layers the role's legacy grants on top.
func NewResolver(entries []PermissionEntry, role Role) *Resolver {
	role = CanonicalRole(string(role))
	return &Resolver{index: BuildIndex(entries).Augment(role), role: role}
}

// Role returns the canonical role the resolver was built for.
func (r *Resolver) Role() Role {
	if r == nil {
		return ""
	}
	return r.role
}

// IsSuper reports whether the session carries the super role.
func (r *Resolver) IsSuper() bool {
	return r.Role() == RoleSuperAdmin
}

// Index exposes the augmented index.
func (r *Resolver) Index() Index {
	if r == nil {
		return Index{}
	}
	return r.index
}

// Can reports whether the session may perform action on key. A nil resolver denies.
func (r *Resolver) Can(key, action string) bool {
	if r == nil {
		return false
	}
	return Can(r.index, r.role, key, action)
}

// Can evaluates a permission against a built index.
//
// A key present with no actions is unrestricted. The super role is not special
// here: the server payload stays authoritative for it.
func Can(idx Index, _ Role, key, action string) bool {
	k := CanonicalKey(key)
	a := CanonicalAction(action)
	if k == "" || a == "" {
		return false
	}
	set, ok := idx.lookup(k)
	if !ok {
		return false
	}
	if len(set) == 0 {
		return true
	}
	if _, ok := set[ActionAny]; ok {
		return true
	}
	_, ok = set[a]
	return ok
}
