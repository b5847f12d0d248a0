package stepup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeGate struct {
	mu        sync.Mutex
	inquiries atomic.Int32
	verifies  atomic.Int32
	mode      Verdict
	message   string
	inqErr    error
	validOTP  string
	token     string
	lastToken string
}

func (g *fakeGate) Inquire(_ context.Context, req InquiryRequest) (InquiryResponse, error) {
	g.inquiries.Add(1)
	g.mu.Lock()
	g.lastToken = req.SessionToken
	g.mu.Unlock()
	if g.inqErr != nil {
		return InquiryResponse{}, g.inqErr
	}
	return InquiryResponse{Mode: g.mode, Message: g.message}, nil
}

func (g *fakeGate) Verify(_ context.Context, req VerifyRequest) (VerifyResponse, error) {
	g.verifies.Add(1)
	if req.OTP != g.validOTP && req.BackupCode != g.validOTP {
		return VerifyResponse{}, errors.New("invalid code")
	}
	return VerifyResponse{SessionToken: g.token}, nil
}

type memTokens struct {
	mu  sync.Mutex
	tok *Token
}

func (m *memTokens) LoadToken(context.Context) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return Token{}, false, nil
	}
	return *m.tok, true, nil
}

func (m *memTokens) SaveToken(_ context.Context, tok Token) error {
	m.mu.Lock()
	m.tok = &tok
	m.mu.Unlock()
	return nil
}

func (m *memTokens) ClearToken(context.Context) error {
	m.mu.Lock()
	m.tok = nil
	m.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	warnings  []string
	redirects []string
	reports   []error
}

func (n *recordingNotifier) Warn(_ context.Context, msg string) {
	n.mu.Lock()
	n.warnings = append(n.warnings, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Redirect(_ context.Context, route string) {
	n.mu.Lock()
	n.redirects = append(n.redirects, route)
	n.mu.Unlock()
}

func (n *recordingNotifier) Report(_ context.Context, err error) {
	n.mu.Lock()
	n.reports = append(n.reports, err)
	n.mu.Unlock()
}

func fixedCode(otp string) Prompter {
	return PrompterFunc(func(context.Context, Challenge) (Code, error) { return Code{OTP: otp}, nil })
}

func newTestController(t *testing.T, gate Gate, tokens TokenStore, p Prompter, n Notifier, locked ...string) *Controller {
	t.Helper()
	src := &fakeSource{policy: Policy{Selected: locked}}
	c, err := NewController(Subject{UserID: "u1"}, NewPolicyCache(src), gate, tokens, p, WithNotifier(n))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func TestNewControllerValidates(t *testing.T) {
	if _, err := NewController(Subject{}, NewPolicyCache(nil), &fakeGate{}, &memTokens{}, fixedCode("1")); err == nil {
		t.Fatalf("expected error for empty user id")
	}
	if _, err := NewController(Subject{UserID: "u1"}, nil, &fakeGate{}, &memTokens{}, fixedCode("1")); err == nil {
		t.Fatalf("expected error for missing policy cache")
	}
}

func TestEnsureStepUpEmptyKey(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	if !c.EnsureStepUp(context.Background(), "  ", "UPDATE") {
		t.Fatalf("empty key must pass")
	}
	if gate.inquiries.Load() != 0 {
		t.Fatalf("empty key must not reach the server")
	}
}

func TestEnsureStepUpUnlockedKeySkipsServer(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	res := c.Check(context.Background(), "gates.list", "VIEW")
	if !res.Allowed {
		t.Fatalf("unlocked key must pass: %+v", res)
	}
	if gate.inquiries.Load() != 0 {
		t.Fatalf("unlocked key must not reach the server")
	}
}

func TestEnsureStepUpClear(t *testing.T) {
	gate := &fakeGate{mode: VerdictClear}
	tokens := &memTokens{tok: &Token{Value: "held"}}
	c := newTestController(t, gate, tokens, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	res := c.Check(context.Background(), "admin_user.edit", "edit")
	if !res.Allowed || res.Verdict != VerdictClear {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []State{StateIdle, StateChecking, StatePassed, StateResolved}
	if len(res.Path) != len(want) {
		t.Fatalf("path %v, want %v", res.Path, want)
	}
	for i := range want {
		if res.Path[i] != want[i] {
			t.Fatalf("path %v, want %v", res.Path, want)
		}
	}
	if gate.lastToken != "held" {
		t.Fatalf("held session token must accompany the inquiry, got %q", gate.lastToken)
	}
}

func TestEnsureStepUpEnrollMandatory(t *testing.T) {
	gate := &fakeGate{mode: VerdictEnrollMandatory, message: "enroll first"}
	n := &recordingNotifier{}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), n, "admin_users.edit")
	res := c.Check(context.Background(), "admin_users.edit", "UPDATE")
	if res.Allowed || !errors.Is(res.Err, ErrEnrollRequired) {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(n.warnings) != 1 || n.warnings[0] != "enroll first" {
		t.Fatalf("warnings %v", n.warnings)
	}
	if len(n.redirects) != 1 || n.redirects[0] != "/security/enroll" {
		t.Fatalf("redirects %v", n.redirects)
	}
	if gate.verifies.Load() != 0 {
		t.Fatalf("enrollment must not prompt for a code")
	}
}

func TestEnsureStepUpOTPSuccessPersistsToken(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "123456", token: "sess-1"}
	tokens := &memTokens{}
	c := newTestController(t, gate, tokens, fixedCode("123456"), &recordingNotifier{}, "admin_users.edit")
	if !c.EnsureStepUp(context.Background(), "admin_users.edit", "UPDATE") {
		t.Fatalf("expected verified step-up to pass")
	}
	tok, ok, _ := tokens.LoadToken(context.Background())
	if !ok || tok.Value != "sess-1" {
		t.Fatalf("expected token to be persisted, got %+v %v", tok, ok)
	}
	if _, ok := c.Pending(); ok {
		t.Fatalf("no prompt may remain open")
	}
}

func TestEnsureStepUpWrongCode(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "123456", token: "sess-1"}
	tokens := &memTokens{}
	n := &recordingNotifier{}
	c := newTestController(t, gate, tokens, fixedCode("000000"), n, "admin_users.edit")
	if c.EnsureStepUp(context.Background(), "admin_users.edit", "UPDATE") {
		t.Fatalf("wrong code must fail")
	}
	if _, ok, _ := tokens.LoadToken(context.Background()); ok {
		t.Fatalf("failed verification must not persist a token")
	}
	if len(n.reports) != 1 {
		t.Fatalf("expected failure to be reported, got %v", n.reports)
	}
}

func TestEnsureStepUpMissingSessionToken(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "1"}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	res := c.Check(context.Background(), "admin_users.edit", "UPDATE")
	if res.Allowed || !errors.Is(res.Err, ErrNoSessionToken) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEnsureStepUpInquiryError(t *testing.T) {
	gate := &fakeGate{inqErr: errors.New("server down")}
	n := &recordingNotifier{}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), n, "admin_users.edit")
	if c.EnsureStepUp(context.Background(), "admin_users.edit", "UPDATE") {
		t.Fatalf("inquiry failure must deny")
	}
	if len(n.reports) != 1 {
		t.Fatalf("expected inquiry failure to be reported")
	}
}

func TestEnsureStepUpUnknownVerdict(t *testing.T) {
	gate := &fakeGate{mode: "MAYBE"}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	res := c.Check(context.Background(), "admin_users.edit", "UPDATE")
	if res.Allowed || !errors.Is(res.Err, ErrUnknownVerdict) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEnsureStepUpEmptyVerdictIsClear(t *testing.T) {
	gate := &fakeGate{mode: ""}
	c := newTestController(t, gate, &memTokens{}, fixedCode("1"), &recordingNotifier{}, "admin_users.edit")
	if !c.EnsureStepUp(context.Background(), "admin_users.edit", "UPDATE") {
		t.Fatalf("empty verdict must pass")
	}
}

func TestEnsureStepUpConcurrentCallersShareOnePrompt(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "123456", token: "sess-1"}
	var prompts atomic.Int32
	release := make(chan struct{})
	p := PrompterFunc(func(ctx context.Context, _ Challenge) (Code, error) {
		prompts.Add(1)
		select {
		case <-release:
			return Code{OTP: "123456"}, nil
		case <-ctx.Done():
			return Code{}, ctx.Err()
		}
	})
	c := newTestController(t, gate, &memTokens{}, p, &recordingNotifier{}, "admin_users.edit", "gates.edit")

	const callers = 4
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "admin_users.edit"
			if i%2 == 1 {
				key = "gates.edit"
			}
			results[i] = c.EnsureStepUp(context.Background(), key, "UPDATE")
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for gate.inquiries.Load() < callers {
		if time.Now().After(deadline) {
			t.Fatalf("callers never reached the server")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Pending(); !ok {
		t.Fatalf("expected an open prompt")
	}
	close(release)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("caller %d denied", i)
		}
	}
	if n := prompts.Load(); n != 1 {
		t.Fatalf("expected one prompt, got %d", n)
	}
	if n := gate.verifies.Load(); n != 1 {
		t.Fatalf("expected one verification, got %d", n)
	}
}

func TestEnsureStepUpWaiterCancel(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "1", token: "s"}
	b := NewBroker()
	c := newTestController(t, gate, &memTokens{}, b, &recordingNotifier{}, "admin_users.edit")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Result, 1)
	go func() { out <- c.Check(ctx, "admin_users.edit", "UPDATE") }()
	ch := waitPending(t, b)
	cancel()
	res := <-out
	if res.Allowed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("unexpected result %+v", res)
	}

	// the prompt outlives the cancelled caller and can still be answered
	if err := b.Submit(ch.ID, Code{OTP: "1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Pending(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("verification never resolved")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if gate.verifies.Load() != 1 {
		t.Fatalf("expected the detached verification to complete")
	}
}

func TestEnsureStepUpBrokerFlow(t *testing.T) {
	gate := &fakeGate{mode: VerdictOTPRequired, validOTP: "BACKUP-1", token: "s"}
	b := NewBroker()
	c := newTestController(t, gate, &memTokens{}, b, &recordingNotifier{}, "admin_users.edit")

	out := make(chan bool, 1)
	go func() { out <- c.EnsureStepUp(context.Background(), "admin_users.edit", "UPDATE") }()
	ch := waitPending(t, b)
	if ch.ResourceKey != "admin_users.edit" || ch.Action != "UPDATE" {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if pending, ok := c.Pending(); !ok || pending.ID != ch.ID {
		t.Fatalf("controller and broker disagree: %+v", pending)
	}
	if err := b.Submit(ch.ID, Code{BackupCode: "BACKUP-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !<-out {
		t.Fatalf("backup code must verify")
	}
}
