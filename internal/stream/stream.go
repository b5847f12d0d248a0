package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"mandi.org/internal/stepup"
)

// Event types.
const (
	PromptOpened = "prompt_opened"
	PromptClosed = "prompt_closed"
)

// Event is a change of a user's verification prompt.
type Event struct {
	Type      string           `json:"type"`
	UserID    string           `json:"user_id"`
	Prompt    stepup.Challenge `json:"prompt"`
	Timestamp time.Time        `json:"timestamp"`
}

type subscriber struct {
	userID string
	ch     chan Event
}

// Stream fans prompt events out to the subscribers of each user (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	now  func() time.Time
}

// New returns a stream with no subscribers.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber), now: time.Now}
}

// Subscribe registers a subscriber for userID. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, userID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{userID: strings.TrimSpace(userID), ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber of evt.UserID.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.userID != evt.UserID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// PromptHook adapts the stream to the session prompt callback.
func (s *Stream) PromptHook() func(userID string, ch stepup.Challenge, open bool) {
	return func(userID string, ch stepup.Challenge, open bool) {
		typ := PromptClosed
		if open {
			typ = PromptOpened
		}
		s.Publish(Event{Type: typ, UserID: userID, Prompt: ch})
	}
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
