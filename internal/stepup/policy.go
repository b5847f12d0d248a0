package stepup

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"mandi.org/internal/access"
	"mandi.org/internal/obs"
)

// Match types for rule-derived policies.
const (
	MatchResourceKeyPrefix = "RESOURCE_KEY_PREFIX"
	MatchResourceKeyIn     = "RESOURCE_KEY_IN"
	MatchExact             = "EXACT"
)

// Match selects screens by their resource key.
type Match struct {
	Type   string   `json:"type"`
	Values []string `json:"values"`
}

// Policy is the server declaration of which resource keys need step-up. When
// Selected is non-nil (even empty) it is authoritative; otherwise the set is
// derived from Screens, Match and LockedDefaults.
type Policy struct {
	Selected       []string `json:"selected"`
	Screens        []string `json:"screens,omitempty"`
	Match          Match    `json:"match"`
	LockedDefaults []string `json:"locked_defaults,omitempty"`
}

// LockedKeys derives the canonical set of step-up keys.
func (p Policy) LockedKeys() map[string]struct{} {
	out := make(map[string]struct{})
	add := func(raw string) {
		if k := access.CanonicalKey(raw); k != "" {
			out[k] = struct{}{}
		}
	}
	if p.Selected != nil {
		for _, s := range p.Selected {
			add(s)
		}
		return out
	}

	values := make([]string, 0, len(p.Match.Values))
	for _, v := range p.Match.Values {
		if k := access.CanonicalKey(v); k != "" {
			values = append(values, k)
		}
	}
	exact := false
	switch strings.ToUpper(strings.TrimSpace(p.Match.Type)) {
	case MatchResourceKeyIn, MatchExact:
		exact = true
	}
	for _, screen := range p.Screens {
		key := access.CanonicalKey(screen)
		if key == "" {
			continue
		}
		for _, v := range values {
			if (exact && key == v) || (!exact && strings.HasPrefix(key, v)) {
				out[key] = struct{}{}
				break
			}
		}
	}
	for _, d := range p.LockedDefaults {
		add(d)
	}
	return out
}

// PolicySource fetches the step-up policy for an identity.
type PolicySource interface {
	FetchStepUpPolicy(ctx context.Context, identity string) (Policy, error)
}

// PolicyCache memoises the locked key set for one session. Concurrent loads share
// a single fetch. A failed fetch caches the empty set until Invalidate.
type PolicyCache struct {
	source PolicySource
	group  singleflight.Group

	mu       sync.RWMutex
	locked   map[string]struct{}
	identity string
	loaded   bool
	gen      uint64
}

// NewPolicyCache returns an empty cache backed by source.
func NewPolicyCache(source PolicySource) *PolicyCache {
	return &PolicyCache{source: source}
}

// Load returns the locked key set for identity, fetching it at most once per
// generation. The returned error is only ever the caller's context error.
func (c *PolicyCache) Load(ctx context.Context, identity string) (map[string]struct{}, error) {
	identity = strings.TrimSpace(identity)
	c.mu.RLock()
	if c.loaded && c.identity == identity {
		snap := copySet(c.locked)
		c.mu.RUnlock()
		return snap, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	flightKey := strconv.FormatUint(gen, 10) + "|" + identity
	ch := c.group.DoChan(flightKey, func() (any, error) {
		set := c.fetch(context.WithoutCancel(ctx), identity)
		c.mu.Lock()
		if c.gen == gen {
			c.locked = set
			c.identity = identity
			c.loaded = true
		}
		c.mu.Unlock()
		return set, nil
	})
	select {
	case res := <-ch:
		set, _ := res.Val.(map[string]struct{})
		return copySet(set), nil
	case <-ctx.Done():
		return map[string]struct{}{}, ctx.Err()
	}
}

func (c *PolicyCache) fetch(ctx context.Context, identity string) map[string]struct{} {
	if c.source == nil {
		obs.PolicyLoads.WithLabelValues("no_source").Inc()
		return map[string]struct{}{}
	}
	policy, err := c.source.FetchStepUpPolicy(ctx, identity)
	if err != nil {
		obs.PolicyLoads.WithLabelValues("error").Inc()
		obs.Warn("stepup_policy_load_failed", map[string]any{"identity": identity, "error": err.Error()})
		return map[string]struct{}{}
	}
	obs.PolicyLoads.WithLabelValues("ok").Inc()
	return policy.LockedKeys()
}

// IsLocked reports whether key requires step-up in the current snapshot.
func (c *PolicyCache) IsLocked(key string) bool {
	key = access.CanonicalKey(key)
	if key == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locked[key]
	return ok
}

// Loaded reports whether a snapshot is cached.
func (c *PolicyCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Snapshot returns the cached keys in sorted order.
func (c *PolicyCache) Snapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.locked))
	for k := range c.locked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invalidate clears the snapshot. A load already in flight completes for its
// waiters but does not repopulate the cache; the next Load fetches again.
func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.locked = nil
	c.identity = ""
	c.loaded = false
	c.mu.Unlock()
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
