package stepup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitPending(t *testing.T, b *Broker) Challenge {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if ch, ok := b.Pending(); ok {
			return ch
		}
		if time.Now().After(deadline) {
			t.Fatalf("prompt never opened")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBrokerSubmit(t *testing.T) {
	b := NewBroker()
	if _, ok := b.Pending(); ok {
		t.Fatalf("new broker must have no prompt")
	}
	if err := b.Submit("", Code{OTP: "1"}); !errors.Is(err, ErrNoPrompt) {
		t.Fatalf("expected ErrNoPrompt, got %v", err)
	}

	type result struct {
		code Code
		err  error
	}
	out := make(chan result, 1)
	go func() {
		code, err := b.Prompt(context.Background(), Challenge{ID: "stepup_1"})
		out <- result{code, err}
	}()
	ch := waitPending(t, b)
	if ch.ID != "stepup_1" {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if _, err := b.Prompt(context.Background(), Challenge{ID: "stepup_2"}); !errors.Is(err, ErrPromptBusy) {
		t.Fatalf("expected ErrPromptBusy, got %v", err)
	}
	if err := b.Submit("stepup_1", Code{}); !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("expected ErrEmptyCode, got %v", err)
	}
	if err := b.Submit("other", Code{OTP: "123456"}); !errors.Is(err, ErrPromptMismatch) {
		t.Fatalf("expected ErrPromptMismatch, got %v", err)
	}
	if err := b.Submit("stepup_1", Code{OTP: "123456"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := <-out
	if res.err != nil || res.code.OTP != "123456" {
		t.Fatalf("Prompt()=(%+v,%v)", res.code, res.err)
	}
	if _, ok := b.Pending(); ok {
		t.Fatalf("prompt must close after an answer")
	}
}

func TestBrokerDismiss(t *testing.T) {
	b := NewBroker()
	errc := make(chan error, 1)
	go func() {
		_, err := b.Prompt(context.Background(), Challenge{ID: "stepup_1"})
		errc <- err
	}()
	waitPending(t, b)
	if err := b.Dismiss(""); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrPromptDismissed) {
		t.Fatalf("expected ErrPromptDismissed, got %v", err)
	}
}

func TestBrokerContextCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Prompt(ctx, Challenge{ID: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, ok := b.Pending(); ok {
		t.Fatalf("expired prompt must be cleared")
	}
}

func TestBrokerPromptHook(t *testing.T) {
	events := make(chan bool, 2)
	b := NewBroker(WithPromptHook(func(ch Challenge, open bool) {
		if ch.ID == "stepup_9" {
			events <- open
		}
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Prompt(context.Background(), Challenge{ID: "stepup_9"})
	}()
	waitPending(t, b)
	if err := b.Dismiss("stepup_9"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	<-done
	if open := <-events; !open {
		t.Fatalf("expected open event first")
	}
	if open := <-events; open {
		t.Fatalf("expected close event second")
	}
}
