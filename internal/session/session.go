package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"mandi.org/internal/access"
	"mandi.org/internal/audit"
	"mandi.org/internal/obs"
	"mandi.org/internal/stepup"
)

var (
	ErrNoIdentity   = errors.New("session: identity is required")
	ErrNoConfig     = errors.New("session: config source is required")
	ErrConfigFailed = errors.New("session: ui config unavailable")
)

// ConfigSource fetches the UI configuration of an identity.
type ConfigSource interface {
	FetchUIConfig(ctx context.Context, identity string) (access.UIConfig, error)
}

// Deps are the collaborators of a session. Prompter defaults to a Broker owned by
// the session; Storage defaults to nothing being persisted. OnPrompt observes the
// prompts of the owned Broker.
type Deps struct {
	Config   ConfigSource
	Policy   stepup.PolicySource
	Gate     stepup.Gate
	Storage  Storage
	Prompter stepup.Prompter
	Notifier stepup.Notifier
	StepUp   []stepup.Option
	OnPrompt func(identity string, ch stepup.Challenge, open bool)
}

// Session is the engine state of one signed-in admin: the UI config, the
// permission resolver built from it, the step-up policy cache and controller.
type Session struct {
	deps   Deps
	broker *stepup.Broker
	policy *stepup.PolicyCache
	group  singleflight.Group

	mu         sync.RWMutex
	identity   string
	controller *stepup.Controller
	tokens     *tokenStore
	cfg        access.UIConfig
	resources  []access.UIResource
	resolver   *access.Resolver
	loaded     bool
	loadErr    error
	gen        uint64
}

// New builds an unloaded session for identity.
func New(identity string, deps Deps) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrNoIdentity
	}
	if deps.Config == nil {
		return nil, ErrNoConfig
	}
	if deps.Storage == nil {
		deps.Storage = nopStorage{}
	}
	s := &Session{
		deps:     deps,
		policy:   stepup.NewPolicyCache(deps.Policy),
		resolver: access.NewResolver(nil, ""),
	}
	if deps.Prompter == nil {
		var opts []stepup.BrokerOption
		if deps.OnPrompt != nil {
			opts = append(opts, stepup.WithPromptHook(func(ch stepup.Challenge, open bool) {
				deps.OnPrompt(s.Identity(), ch, open)
			}))
		}
		s.broker = stepup.NewBroker(opts...)
		s.deps.Prompter = s.broker
	}
	if err := s.bind(identity); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) bind(identity string) error {
	tokens := &tokenStore{storage: s.deps.Storage, key: TokenKey(identity)}
	opts := s.deps.StepUp
	if s.deps.Notifier != nil {
		opts = append(append([]stepup.Option(nil), opts...), stepup.WithNotifier(s.deps.Notifier))
	}
	ctrl, err := stepup.NewController(stepup.Subject{UserID: identity}, s.policy, s.deps.Gate, tokens, s.deps.Prompter, opts...)
	if err != nil {
		return err
	}
	s.identity = identity
	s.tokens = tokens
	s.controller = ctrl
	return nil
}

// Identity returns the user this session belongs to.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Broker returns the session-owned prompt broker, or nil when a Prompter was supplied.
func (s *Session) Broker() *stepup.Broker { return s.broker }

// Policy returns the step-up policy cache.
func (s *Session) Policy() *stepup.PolicyCache { return s.policy }

// Load fetches the UI config at most once. Concurrent callers share one fetch.
// On failure the session stays empty and every check denies.
func (s *Session) Load(ctx context.Context) error {
	s.mu.RLock()
	if s.loaded {
		err := s.loadErr
		s.mu.RUnlock()
		return err
	}
	gen, identity := s.gen, s.identity
	s.mu.RUnlock()

	ch := s.group.DoChan(strconv.FormatUint(gen, 10)+"|"+identity, func() (any, error) {
		cfg, err := s.loadConfig(context.WithoutCancel(ctx), identity)
		s.apply(gen, cfg, err)
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loadConfig(ctx context.Context, identity string) (access.UIConfig, error) {
	key := ConfigKey(identity)
	if raw, ok, err := s.deps.Storage.Get(ctx, key); err != nil {
		obs.Warn("ui_config_cache_read_failed", map[string]any{"user_id": identity, "error": err.Error()})
	} else if ok {
		var cached cachedConfig
		if err := json.Unmarshal([]byte(raw), &cached); err == nil && cached.Version == ConfigVersion && cached.UserID == identity {
			obs.ConfigLoads.WithLabelValues("storage").Inc()
			return cached.Config, nil
		}
		_ = s.deps.Storage.Delete(ctx, key)
	}

	cfg, err := s.deps.Config.FetchUIConfig(ctx, identity)
	if err != nil {
		obs.ConfigLoads.WithLabelValues("error").Inc()
		obs.Warn("ui_config_load_failed", map[string]any{"user_id": identity, "error": err.Error()})
		return access.UIConfig{}, fmt.Errorf("%w: %v", ErrConfigFailed, err)
	}
	obs.ConfigLoads.WithLabelValues("remote").Inc()
	if data, err := json.Marshal(cachedConfig{Version: ConfigVersion, UserID: identity, Config: cfg}); err == nil {
		if err := s.deps.Storage.Set(ctx, key, string(data)); err != nil {
			obs.Warn("ui_config_cache_write_failed", map[string]any{"user_id": identity, "error": err.Error()})
		}
	}
	return cfg, nil
}

func (s *Session) apply(gen uint64, cfg access.UIConfig, loadErr error) {
	var entries []access.PermissionEntry
	if loadErr == nil {
		var err error
		entries, err = access.DecodePermissions(cfg.Permissions)
		if err != nil {
			obs.Warn("permission_payload_invalid", map[string]any{"error": err.Error()})
			entries = nil
		}
	}
	resolver := access.NewResolver(entries, access.Role(cfg.Role))
	resources := access.DedupeResources(cfg.Resources)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.cfg = cfg
	s.resources = resources
	s.resolver = resolver
	s.loaded = true
	s.loadErr = loadErr
}

// Loaded reports whether a load (successful or not) has completed.
func (s *Session) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Role returns the canonical role of the loaded config.
func (s *Session) Role() access.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.Role()
}

// Scope returns the admin scope of the loaded config.
func (s *Session) Scope() access.AdminScope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Scope
}

// Resources returns the deduplicated UI resources.
func (s *Session) Resources() []access.UIResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]access.UIResource(nil), s.resources...)
}

// Resolver returns the permission resolver of the current load.
func (s *Session) Resolver() *access.Resolver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver
}

// AuthContext returns the record-lock view of the session.
func (s *Session) AuthContext() access.AuthContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return access.NewAuthContext(s.resolver.Role(), s.cfg.Scope)
}

// Can reports whether the session may perform action on key.
func (s *Session) Can(key, action string) bool {
	ok := s.Resolver().Can(key, action)
	obs.AuthzChecks.WithLabelValues("permission", obs.BoolLabel(ok)).Inc()
	return ok
}

// IsLocked evaluates the record-level lock for this session.
func (s *Session) IsLocked(rec *access.RecordAttributes) access.LockResult {
	res := access.IsLocked(rec, s.AuthContext())
	obs.AuthzChecks.WithLabelValues("record_lock", obs.BoolLabel(!res.Locked)).Inc()
	return res
}

// ResolveRoute maps a UI path to its resource key.
func (s *Session) ResolveRoute(path string) (string, bool) {
	s.mu.RLock()
	resources := s.resources
	s.mu.RUnlock()
	return access.ResolveResourceKey(path, resources)
}

// EnsureStepUp runs the step-up flow for key.
func (s *Session) EnsureStepUp(ctx context.Context, key, action string) stepup.Result {
	return s.currentController().Check(ctx, key, action)
}

// EnsureStepUpForPath resolves path to a resource key, picks the step-up variant
// of that key and runs the flow for it. Paths no resource claims pass.
func (s *Session) EnsureStepUpForPath(ctx context.Context, path, action string) stepup.Result {
	key, ok := s.ResolveRoute(path)
	if !ok {
		return stepup.Result{Allowed: true, Path: []stepup.State{stepup.StateIdle}}
	}
	if _, err := s.policy.Load(ctx, s.Identity()); err != nil {
		return stepup.Result{ResourceKey: key, Path: []stepup.State{stepup.StateIdle}, Err: err}
	}
	variant, ok := access.ResolveStepUpVariant(key, s.policy.IsLocked)
	if !ok {
		return stepup.Result{Allowed: true, ResourceKey: key, Path: []stepup.State{stepup.StateIdle}}
	}
	return s.EnsureStepUp(ctx, variant, action)
}

// PendingChallenge returns the open verification prompt, if any.
func (s *Session) PendingChallenge() (stepup.Challenge, bool) {
	return s.currentController().Pending()
}

func (s *Session) currentController() *stepup.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// StepUpToken returns the held step-up session token, if any.
func (s *Session) StepUpToken(ctx context.Context) (string, bool) {
	s.mu.RLock()
	tokens := s.tokens
	s.mu.RUnlock()
	tok, ok, err := tokens.LoadToken(ctx)
	if err != nil || !ok {
		return "", false
	}
	return tok.Value, true
}

// Refresh drops the cached config and step-up policy and loads again.
func (s *Session) Refresh(ctx context.Context) error {
	return s.IdentityChanged(ctx, s.Identity())
}

// IdentityChanged rebinds the session to identity. The UI config and policy are
// dropped and reloaded; an identity switch also forgets the held step-up token.
func (s *Session) IdentityChanged(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrNoIdentity
	}
	s.mu.Lock()
	previous := s.identity
	if identity != previous {
		if err := s.bind(identity); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.reset()
	s.mu.Unlock()

	_ = s.deps.Storage.Delete(ctx, ConfigKey(previous))
	if identity != previous {
		_ = s.deps.Storage.Delete(ctx, TokenKey(previous))
	}
	s.policy.Invalidate()
	_ = audit.LogEvent(ctx, audit.EventSessionRefreshed, map[string]any{"user_id": identity, "previous_user_id": previous})
	return s.Load(ctx)
}

// Logout forgets the held step-up token and every cache. The session stays
// usable; the next Load fetches from scratch.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	identity := s.identity
	tokens := s.tokens
	s.reset()
	s.mu.Unlock()

	s.policy.Invalidate()
	var errs []error
	if err := tokens.ClearToken(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.Storage.Delete(ctx, ConfigKey(identity)); err != nil {
		errs = append(errs, err)
	}
	_ = audit.LogEvent(ctx, audit.EventSessionLogout, map[string]any{"user_id": identity})
	return errors.Join(errs...)
}

// reset must be called with mu held.
func (s *Session) reset() {
	s.gen++
	s.cfg = access.UIConfig{}
	s.resources = nil
	s.resolver = access.NewResolver(nil, "")
	s.loaded = false
	s.loadErr = nil
}

type nopStorage struct{}

func (nopStorage) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (nopStorage) Set(context.Context, string, string) error { return nil }
func (nopStorage) Delete(context.Context, string) error { return nil }
