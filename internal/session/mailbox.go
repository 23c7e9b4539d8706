package session

import (
	"sync"

	"github.com/srg/rblink/internal/link"
)

// mailbox is an unbounded event inbox. put never blocks; wake carries at most
// one pending signal, which is enough because take empties the inbox.
type mailbox struct {
	mu     sync.Mutex
	events []link.Event
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (b *mailbox) put(ev link.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []link.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
