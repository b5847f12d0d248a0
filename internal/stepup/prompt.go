package stepup

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Challenge describes an open verification prompt.
type Challenge struct {
	ID          string    `json:"id"`
	ResourceKey string    `json:"resource_key"`
	Action      string    `json:"action"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Code is what the human supplies: a one-time code or a backup code.
type Code struct {
	OTP        string `json:"otp,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// Empty reports whether neither code was supplied.
func (c Code) Empty() bool {
	return strings.TrimSpace(c.OTP) == "" && strings.TrimSpace(c.BackupCode) == ""
}

// Prompter obtains a code from the human. Prompt blocks until a code is
// supplied, the prompt is dismissed, or ctx ends.
type Prompter interface {
	Prompt(ctx context.Context, ch Challenge) (Code, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, ch Challenge) (Code, error)

func (f PrompterFunc) Prompt(ctx context.Context, ch Challenge) (Code, error) { return f(ctx, ch) }

// Broker is a Prompter driven by messages: Prompt publishes a challenge and
// waits, while another goroutine (an HTTP handler) calls Submit or Dismiss.
type Broker struct {
	hook func(ch Challenge, open bool)

	mu      sync.Mutex
	current *brokerPrompt
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithPromptHook calls fn when a prompt opens and again when it closes.
func WithPromptHook(fn func(ch Challenge, open bool)) BrokerOption {
	return func(b *Broker) { b.hook = fn }
}

type brokerPrompt struct {
	challenge Challenge
	reply     chan Code
	dismissed chan struct{}
	once      sync.Once
}

// NewBroker returns a broker with no open prompt.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Prompt implements Prompter. Only one prompt may be open at a time.
func (b *Broker) Prompt(ctx context.Context, ch Challenge) (Code, error) {
	p := &brokerPrompt{challenge: ch, reply: make(chan Code, 1), dismissed: make(chan struct{})}
	b.mu.Lock()
	if b.current != nil {
		b.mu.Unlock()
		return Code{}, ErrPromptBusy
	}
	b.current = p
	b.mu.Unlock()
	b.notify(ch, true)

	defer func() {
		b.mu.Lock()
		if b.current == p {
			b.current = nil
		}
		b.mu.Unlock()
		b.notify(ch, false)
	}()

	select {
	case code := <-p.reply:
		return code, nil
	case <-p.dismissed:
		return Code{}, ErrPromptDismissed
	case <-ctx.Done():
		return Code{}, ctx.Err()
	}
}

// Pending returns the open challenge, if any.
func (b *Broker) Pending() (Challenge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Challenge{}, false
	}
	return b.current.challenge, true
}

// Submit answers the open prompt. An empty id matches whatever prompt is open.
func (b *Broker) Submit(id string, code Code) error {
	if code.Empty() {
		return ErrEmptyCode
	}
	p, err := b.lookup(id)
	if err != nil {
		return err
	}
	select {
	case p.reply <- code:
		return nil
	default:
		return ErrPromptAnswered
	}
}

// Dismiss closes the open prompt without a code.
func (b *Broker) Dismiss(id string) error {
	p, err := b.lookup(id)
	if err != nil {
		return err
	}
	p.once.Do(func() { close(p.dismissed) })
	return nil
}

func (b *Broker) notify(ch Challenge, open bool) {
	if b.hook != nil {
		b.hook(ch, open)
	}
}

func (b *Broker) lookup(id string) (*brokerPrompt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.current
	if p == nil {
		return nil, ErrNoPrompt
	}
	if id = strings.TrimSpace(id); id != "" && id != p.challenge.ID {
		return nil, ErrPromptMismatch
	}
	return p, nil
}
