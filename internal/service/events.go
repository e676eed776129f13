package service

import (
	"sync"
	"time"
)

// EventType identifies a session notification.
type EventType string

const (
	EventTick         EventType = "tick"
	EventSaved        EventType = "saved"
	EventSaveFailed   EventType = "save_failed"
	EventSubmitted    EventType = "submitted"
	EventSubmitFailed EventType = "submit_failed"
	EventClosed       EventType = "closed"
)

// Event is pushed to subscribers of a session.
type Event struct {
	Type             EventType `json:"type"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	RemainingDisplay string    `json:"remaining_display,omitempty"`
	Revision         int64     `json:"revision,omitempty"`
	Result           *Result   `json:"result,omitempty"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

const subscriberBuffer = 16

// broadcaster fans events out to subscribers. A slow subscriber loses its oldest
// buffered event rather than stall the session.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		deliver(ch, ev)
	}
}

func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// close publishes ev as the last event and closes every subscriber channel.
func (b *broadcaster) close(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		deliver(ch, ev)
		close(ch)
		delete(b.subs, ch)
	}
}
