package access

import "strings"

// stepUpSiblingSuffixes are probed, in order, when a .menu key is not itself locked.
var stepUpSiblingSuffixes = []string{".list", ".view", ".detail", ".create", ".edit", ".deactivate"}

const menuSuffix = ".menu"

// builtinResources are compatibility entries the server does not return.
var builtinResources = []UIResource{
	{ResourceKey: "org_mandi_mappings.menu", UIType: UITypeMenu, Route: "/org-mandi", IsActive: true},
	{ResourceKey: "org_mandi_mappings.list", UIType: UITypeTable, Route: "/org-mandi/list", ParentResourceKey: "org_mandi_mappings.menu", IsActive: true},
	{ResourceKey: "stepup.enroll", UIType: UITypeForm, Route: "/security/enroll", IsActive: true},
}

// NormalizePath strips the query string, turns backslashes into slashes and
// drops a trailing slash. The root stays "/".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.ReplaceAll(p, `\`, "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// ResolveResourceKey maps a navigation path to the governing resource key. An exact
// route match wins; otherwise the first pattern match in list order.
func ResolveResourceKey(path string, resources []UIResource) (string, bool) {
	target := NormalizePath(path)
	for _, r := range resources {
		if strings.TrimSpace(r.Route) == "" {
			continue
		}
		if NormalizePath(r.Route) == target {
			if key := CanonicalKey(r.ResourceKey); key != "" {
				return key, true
			}
		}
	}
	for _, r := range resources {
		if strings.TrimSpace(r.Route) == "" {
			continue
		}
		if routeMatches(NormalizePath(r.Route), target) {
			if key := CanonicalKey(r.ResourceKey); key != "" {
				return key, true
			}
		}
	}
	return "", false
}

// routeMatches implements prefix-boundary and parameterised matching. The
// parameterised form requires equal segment counts, so /a/:id never matches /a/1/edit
// unless the prefix form applies.
func routeMatches(route, path string) bool {
	if route != "/" && strings.HasPrefix(path, route+"/") {
		return true
	}
	rs := strings.Split(strings.Trim(route, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	if len(rs) != len(ps) {
		return false
	}
	for i, seg := range rs {
		if strings.HasPrefix(seg, ":") {
			if ps[i] == "" {
				return false
			}
			continue
		}
		if seg != ps[i] {
			return false
		}
	}
	return true
}

// ResolveStepUpVariant picks the key that governs step-up for a resolved key: the
// key itself when locked, else the first locked sibling of a .menu key. The
// search never runs from a child back up to its menu.
func ResolveStepUpVariant(key string, isLocked func(string) bool) (string, bool) {
	key = CanonicalKey(key)
	if key == "" || isLocked == nil {
		return "", false
	}
	if isLocked(key) {
		return key, true
	}
	if !strings.HasSuffix(key, menuSuffix) {
		return "", false
	}
	base := strings.TrimSuffix(key, menuSuffix)
	for _, suffix := range stepUpSiblingSuffixes {
		if sibling := base + suffix; isLocked(sibling) {
			return sibling, true
		}
	}
	return "", false
}

// DedupeResources canonicalises keys, drops empty ones and later duplicates, then
// appends built-in resources the server did not declare.
func DedupeResources(resources []UIResource) []UIResource {
	seen := make(map[string]struct{}, len(resources)+len(builtinResources))
	out := make([]UIResource, 0, len(resources)+len(builtinResources))
	add := func(r UIResource) {
		key := CanonicalKey(r.ResourceKey)
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		r.ResourceKey = key
		r.ParentResourceKey = CanonicalKey(r.ParentResourceKey)
		out = append(out, r)
	}
	for _, r := range resources {
		add(r)
	}
	for _, r := range builtinResources {
		add(r)
	}
	return out
}
