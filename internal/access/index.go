package access

import "sort"

// Index maps canonical resource keys to the set of canonical actions granted on them.
// An Index is immutable once built; Augment returns a new value.
type Index struct {
	grants map[string]map[Action]struct{}
}

// roleGrant is an unconditional grant layered on top of the server payload for a legacy role.
type roleGrant struct {
	key     string
	actions []Action
}

// legacyRoleGrants carries the keys older role payloads never enumerated.
var legacyRoleGrants = map[Role][]roleGrant{
	RoleOrgAdmin: {
		{key: "org_mandi_mappings.menu", actions: []Action{ActionView}},
		{key: "org_mandi_mappings.list", actions: []Action{ActionView}},
		{key: "gates.list", actions: []Action{ActionView}},
	},
	RoleMandiAdmin: {
		{key: "gates.list", actions: []Action{ActionView}},
		{key: "auctions.list", actions: []Action{ActionView}},
		{key: "farmers.list", actions: []Action{ActionView, ActionCreate}},
	},
	RoleAuditor: {
		{key: "payments_log.list", actions: []Action{ActionView}},
	},
}

// BuildIndex folds raw grants into an Index. Entries whose key canonicalises to
// "" are dropped, as are blank actions. Repeated keys are merged.
func BuildIndex(entries []PermissionEntry) Index {
	idx := Index{grants: make(map[string]map[Action]struct{}, len(entries))}
	for _, e := range entries {
		key := CanonicalKey(e.ResourceKey)
		if key == "" {
			continue
		}
		set, ok := idx.grants[key]
		if !ok {
			set = make(map[Action]struct{}, len(e.Actions))
			idx.grants[key] = set
		}
		for _, raw := range e.Actions {
			if a := CanonicalAction(raw); a != "" {
				set[a] = struct{}{}
			}
		}
	}
	return idx
}

// Augment returns a copy of the index with the role's legacy grants ensured.
// It only ever adds actions.
func (idx Index) Augment(role Role) Index {
	grants := legacyRoleGrants[CanonicalRole(string(role))]
	out := idx.clone()
	for _, g := range grants {
		out.ensure(g.key, g.actions)
	}
	return out
}

// Has reports whether the key is present, including with an empty action set.
func (idx Index) Has(key string) bool {
	_, ok := idx.grants[CanonicalKey(key)]
	return ok
}

// Actions returns the sorted actions granted on key and whether the key is present.
func (idx Index) Actions(key string) ([]Action, bool) {
	set, ok := idx.grants[CanonicalKey(key)]
	if !ok {
		return nil, false
	}
	out := make([]Action, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

// Keys returns the indexed resource keys in sorted order.
func (idx Index) Keys() []string {
	keys := make([]string, 0, len(idx.grants))
	for k := range idx.grants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of indexed keys.
func (idx Index) Len() int { return len(idx.grants) }

func (idx Index) lookup(key string) (map[Action]struct{}, bool) {
	set, ok := idx.grants[key]
	return set, ok
}

func (idx Index) clone() Index {
	out := Index{grants: make(map[string]map[Action]struct{}, len(idx.grants))}
	for k, set := range idx.grants {
		cp := make(map[Action]struct{}, len(set))
		for a := range set {
			cp[a] = struct{}{}
		}
		out.grants[k] = cp
	}
	return out
}

func (idx Index) ensure(key string, actions []Action) {
	key = CanonicalKey(key)
	if key == "" || len(actions) == 0 {
		return
	}
	set, ok := idx.grants[key]
	if ok && len(set) == 0 {
		// already unrestricted
		return
	}
	if !ok {
		set = make(map[Action]struct{}, len(actions))
		idx.grants[key] = set
	}
	for _, a := range actions {
		set[a] = struct{}{}
	}
}
