package stepup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mandi.org/internal/access"
	"mandi.org/internal/audit"
	"mandi.org/internal/ids"
	"mandi.org/internal/obs"
)

// Verdict is the server answer to a step-up inquiry.
type Verdict string

const (
	VerdictClear           Verdict = "CLEAR"
	VerdictEnrollMandatory Verdict = "ENROLL_MANDATORY"
	VerdictOTPRequired     Verdict = "OTP_REQUIRED"
)

// State is a node of the per-check state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateChecking       State = "CHECKING"
	StatePassed         State = "PASSED"
	StateEnrollRequired State = "ENROLL_REQUIRED"
	StateOTPPending     State = "OTP_PENDING"
	StateResolved       State = "RESOLVED"
)

const (
	defaultEnrollRoute   = "/security/enroll"
	defaultPromptTimeout = 5 * time.Minute
)

// InquiryRequest asks the server whether a gated action needs verification.
type InquiryRequest struct {
	UserID       string `json:"user_id"`
	TargetUserID string `json:"target_user_id,omitempty"`
	ResourceKey  string `json:"resource_key"`
	Action       string `json:"action"`
	SessionToken string `json:"session_token,omitempty"`
}

// InquiryResponse carries the server verdict.
type InquiryResponse struct {
	Mode    Verdict `json:"mode"`
	Message string  `json:"message,omitempty"`
}

// VerifyRequest submits a code for the identity.
type VerifyRequest struct {
	UserID     string `json:"user_id"`
	OTP        string `json:"otp,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// VerifyResponse carries the session token issued on success.
type VerifyResponse struct {
	SessionToken string `json:"session_token"`
}

// Gate is the remote step-up inquiry and verification API.
type Gate interface {
	Inquire(ctx context.Context, req InquiryRequest) (InquiryResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error)
}

// Token is a verified step-up session.
type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenStore persists the step-up session for one identity.
type TokenStore interface {
	LoadToken(ctx context.Context) (Token, bool, error)
	SaveToken(ctx context.Context, tok Token) error
	ClearToken(ctx context.Context) error
}

// Notifier surfaces outcomes the human must see.
type Notifier interface {
	Warn(ctx context.Context, msg string)
	Redirect(ctx context.Context, route string)
	Report(ctx context.Context, err error)
}

// Subject identifies who is acting and on whose behalf.
type Subject struct {
	UserID       string
	TargetUserID string
}

// Result describes how one check ended. Path lists the states visited.
type Result struct {
	Allowed     bool
	ResourceKey string
	Verdict     Verdict
	Path        []State
	Err         error
}

// Controller runs step-up checks for one session. At most one verification
// prompt is open at a time; concurrent checks share its resolution.
type Controller struct {
	subject       Subject
	policy        *PolicyCache
	gate          Gate
	tokens        TokenStore
	prompter      Prompter
	notifier      Notifier
	enrollRoute   string
	promptTimeout time.Duration
	now           func() time.Time

	mu      sync.Mutex
	pending *verification
}

type verification struct {
	challenge Challenge
	done      chan struct{}
	ok        bool
	err       error
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier overrides the default log notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithEnrollRoute sets where ENROLL_MANDATORY redirects.
func WithEnrollRoute(route string) Option {
	return func(c *Controller) {
		if route = strings.TrimSpace(route); route != "" {
			c.enrollRoute = route
		}
	}
}

// WithPromptTimeout bounds how long an unanswered prompt stays open.
func WithPromptTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.promptTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewController wires a controller. policy, gate, tokens and prompter are required.
func NewController(subject Subject, policy *PolicyCache, gate Gate, tokens TokenStore, prompter Prompter, opts ...Option) (*Controller, error) {
	subject.UserID = strings.TrimSpace(subject.UserID)
	if subject.UserID == "" {
		return nil, errors.New("stepup: user id is required")
	}
	if subject.TargetUserID = strings.TrimSpace(subject.TargetUserID); subject.TargetUserID == "" {
		subject.TargetUserID = subject.UserID
	}
	if policy == nil || gate == nil || tokens == nil || prompter == nil {
		return nil, errors.New("stepup: policy, gate, token store and prompter are required")
	}
	c := &Controller{
		subject:       subject,
		policy:        policy,
		gate:          gate,
		tokens:        tokens,
		prompter:      prompter,
		notifier:      logNotifier{},
		enrollRoute:   defaultEnrollRoute,
		promptTimeout: defaultPromptTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EnsureStepUp reports whether the action may proceed.
func (c *Controller) EnsureStepUp(ctx context.Context, resourceKey, action string) bool {
	return c.Check(ctx, resourceKey, action).Allowed
}

// Check runs the state machine for one gated action.
func (c *Controller) Check(ctx context.Context, resourceKey, action string) Result {
	res := Result{ResourceKey: access.CanonicalKey(resourceKey), Path: []State{StateIdle}}
	if res.ResourceKey == "" {
		res.Allowed = true
		return res
	}
	if _, err := c.policy.Load(ctx, c.subject.UserID); err != nil {
		return c.finish(res, "cancelled", err)
	}
	if !c.policy.IsLocked(res.ResourceKey) {
		res.Allowed = true
		obs.StepUpOutcomes.WithLabelValues("not_gated").Inc()
		return res
	}

	res.Path = append(res.Path, StateChecking)
	canonAction := string(access.CanonicalAction(action))
	req := InquiryRequest{
		UserID:       c.subject.UserID,
		TargetUserID: c.subject.TargetUserID,
		ResourceKey:  res.ResourceKey,
		Action:       canonAction,
	}
	if tok, ok, err := c.tokens.LoadToken(ctx); err != nil {
		obs.Warn("stepup_token_load_failed", map[string]any{"user_id": c.subject.UserID, "error": err.Error()})
	} else if ok {
		req.SessionToken = tok.Value
	}

	resp, err := c.gate.Inquire(ctx, req)
	if err != nil {
		c.notifier.Report(ctx, fmt.Errorf("step-up check failed: %w", err))
		c.audit(ctx, audit.EventStepUpInquiryFailed, res.ResourceKey, canonAction, err)
		return c.finish(res, "inquiry_failed", err)
	}
	res.Verdict = normalizeVerdict(resp.Mode)

	switch res.Verdict {
	case VerdictClear:
		res.Path = append(res.Path, StatePassed, StateResolved)
		res.Allowed = true
		c.audit(ctx, audit.EventStepUpPassed, res.ResourceKey, canonAction, nil)
		return c.finish(res, "clear", nil)
	case VerdictEnrollMandatory:
		res.Path = append(res.Path, StateEnrollRequired, StateResolved)
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = "Security enrollment is required before continuing."
		}
		c.notifier.Warn(ctx, msg)
		c.notifier.Redirect(ctx, c.enrollRoute)
		c.audit(ctx, audit.EventStepUpEnrollRequired, res.ResourceKey, canonAction, nil)
		return c.finish(res, "enroll_required", ErrEnrollRequired)
	case VerdictOTPRequired:
		res.Path = append(res.Path, StateOTPPending)
		ok, err := c.awaitVerification(ctx, res.ResourceKey, canonAction)
		res.Path = append(res.Path, StateResolved)
		res.Allowed = ok
		if ok {
			return c.finish(res, "verified", nil)
		}
		return c.finish(res, "verify_failed", err)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownVerdict, resp.Mode)
		c.notifier.Report(ctx, err)
		res.Path = append(res.Path, StateResolved)
		return c.finish(res, "invalid_verdict", err)
	}
}

// Pending returns the challenge of the open prompt, if any.
func (c *Controller) Pending() (Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Challenge{}, false
	}
	return c.pending.challenge, true
}

// Forget drops the held step-up session.
func (c *Controller) Forget(ctx context.Context) error {
	return c.tokens.ClearToken(ctx)
}

// awaitVerification joins the open prompt or opens one. The prompt runs detached
// from ctx so one caller going away does not fail the others.
func (c *Controller) awaitVerification(ctx context.Context, key, action string) (bool, error) {
	c.mu.Lock()
	v := c.pending
	if v == nil {
		v = &verification{
			challenge: Challenge{ID: ids.Prefixed("stepup"), ResourceKey: key, Action: action, IssuedAt: c.now().UTC()},
			done:      make(chan struct{}),
		}
		c.pending = v
		go c.runVerification(context.WithoutCancel(ctx), v)
	}
	c.mu.Unlock()

	select {
	case <-v.done:
		return v.ok, v.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Controller) runVerification(ctx context.Context, v *verification) {
	ctx, cancel := context.WithTimeout(ctx, c.promptTimeout)
	defer cancel()

	err := c.verify(ctx, v.challenge)
	if err != nil {
		c.notifier.Report(ctx, err)
		c.audit(ctx, audit.EventStepUpVerifyFailed, v.challenge.ResourceKey, v.challenge.Action, err)
	} else {
		c.audit(ctx, audit.EventStepUpVerified, v.challenge.ResourceKey, v.challenge.Action, nil)
	}

	c.mu.Lock()
	v.ok = err == nil
	v.err = err
	c.pending = nil
	c.mu.Unlock()
	close(v.done)
}

func (c *Controller) verify(ctx context.Context, ch Challenge) error {
	code, err := c.prompter.Prompt(ctx, ch)
	if err != nil {
		return err
	}
	if code.Empty() {
		return ErrEmptyCode
	}
	resp, err := c.gate.Verify(ctx, VerifyRequest{
		UserID:     c.subject.UserID,
		OTP:        strings.TrimSpace(code.OTP),
		BackupCode: strings.TrimSpace(code.BackupCode),
	})
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	token := strings.TrimSpace(resp.SessionToken)
	if token == "" {
		return ErrNoSessionToken
	}
	if err := c.tokens.SaveToken(ctx, Token{Value: token, IssuedAt: c.now().UTC()}); err != nil {
		return fmt.Errorf("persist step-up session: %w", err)
	}
	return nil
}

func (c *Controller) finish(res Result, outcome string, err error) Result {
	res.Err = err
	obs.StepUpOutcomes.WithLabelValues(outcome).Inc()
	return res
}

func (c *Controller) audit(ctx context.Context, event, key, action string, err error) {
	fields := map[string]any{
		"resource_key":   key,
		"action":         action,
		"target_user_id": c.subject.TargetUserID,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func normalizeVerdict(v Verdict) Verdict {
	switch s := Verdict(strings.ToUpper(strings.TrimSpace(string(v)))); s {
	case "", "NONE":
		return VerdictClear
	default:
		return s
	}
}

type logNotifier struct{}

func (logNotifier) Warn(_ context.Context, msg string) {
	obs.Warn("stepup_warning", map[string]any{"message": msg})
}

func (logNotifier) Redirect(_ context.Context, route string) {
	obs.Info("stepup_redirect", map[string]any{"route": route})
}

func (logNotifier) Report(_ context.Context, err error) {
	if err == nil {
		return
	}
	obs.Error("stepup_error", map[string]any{"error": err.Error()})
}
