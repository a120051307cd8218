package backends

import (
	"context"
	"sync"
)

// Locmem is an in-memory backend for use during test sessions. Sent
// deliveries accumulate in an outbox instead of going out on the wire.
type Locmem struct {
	mu     sync.Mutex
	outbox []Delivery
	fail   *SendError
}

// NewLocmem constructs an empty in-memory backend.
func NewLocmem() *Locmem {
	return &Locmem{}
}

// FailWith makes every subsequent Send return the given error.
func (l *Locmem) FailWith(err *SendError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// Send records the delivery in the outbox.
func (l *Locmem) Send(ctx context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.outbox = append(l.outbox, d)
	return nil
}

// Outbox returns a copy of the captured deliveries.
func (l *Locmem) Outbox() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.outbox))
	copy(out, l.outbox)
	return out
}

// Reset clears the outbox.
func (l *Locmem) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outbox = nil
	l.fail = nil
}
