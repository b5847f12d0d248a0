package access

import "sort"

// RegistryEntry is one row of the canonical permission taxonomy curated by administrators.
type RegistryEntry struct {
	ResourceKey    string   `json:"resource_key"`
	AllowedActions []string `json:"allowed_actions"`
	Aliases        []string `json:"aliases,omitempty"`
	IsActive       bool     `json:"is_active"`
}

// AliasConflict records a registry alias that canonicalises to a different key than its owner.
type AliasConflict struct {
	ResourceKey string `json:"resource_key"`
	Alias       string `json:"alias"`
	Resolved    string `json:"resolved"`
}

// Report is the difference between the registry and the UI-declared resources.
type Report struct {
	MissingFromRegistry []string        `json:"missing_from_registry"`
	Undeclared          []string        `json:"undeclared"`
	InactiveButDeclared []string        `json:"inactive_but_declared"`
	AliasConflicts      []AliasConflict `json:"alias_conflicts"`
}

// Clean reports whether the two sides agree.
func (r Report) Clean() bool {
	return len(r.MissingFromRegistry) == 0 && len(r.Undeclared) == 0 &&
		len(r.InactiveButDeclared) == 0 && len(r.AliasConflicts) == 0
}

// Reconcile diffs registry rows against declared UI resources by canonical key.
func Reconcile(registry []RegistryEntry, declared []UIResource) Report {
	reg := make(map[string]RegistryEntry, len(registry))
	var report Report
	for _, e := range registry {
		key := CanonicalKey(e.ResourceKey)
		if key == "" {
			continue
		}
		if _, dup := reg[key]; dup {
			continue
		}
		reg[key] = e
		for _, alias := range e.Aliases {
			if resolved := CanonicalKey(alias); resolved != "" && resolved != key {
				report.AliasConflicts = append(report.AliasConflicts, AliasConflict{
					ResourceKey: key,
					Alias:       alias,
					Resolved:    resolved,
				})
			}
		}
	}

	decl := make(map[string]struct{}, len(declared))
	for _, r := range declared {
		key := CanonicalKey(r.ResourceKey)
		if key == "" {
			continue
		}
		decl[key] = struct{}{}
	}

	for key := range decl {
		e, ok := reg[key]
		switch {
		case !ok:
			report.MissingFromRegistry = append(report.MissingFromRegistry, key)
		case !e.IsActive:
			report.InactiveButDeclared = append(report.InactiveButDeclared, key)
		}
	}
	for key := range reg {
		if _, ok := decl[key]; !ok {
			report.Undeclared = append(report.Undeclared, key)
		}
	}
	sort.Strings(report.MissingFromRegistry)
	sort.Strings(report.Undeclared)
	sort.Strings(report.InactiveButDeclared)
	sort.Slice(report.AliasConflicts, func(i, j int) bool {
		if report.AliasConflicts[i].ResourceKey != report.AliasConflicts[j].ResourceKey {
			return report.AliasConflicts[i].ResourceKey < report.AliasConflicts[j].ResourceKey
		}
		return report.AliasConflicts[i].Alias < report.AliasConflicts[j].Alias
	})
	return report
}
