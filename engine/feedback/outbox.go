package feedback

import "sync"

// outbox hands finished outcomes from the writer to the persist goroutine.
// push never blocks, so a slow store cannot stall measurement.
type outbox struct {
	mu     sync.Mutex
	queue  []Outcome
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (b *outbox) push(o Outcome) {
	b.mu.Lock()
	b.queue = append(b.queue, o)
	b.mu.Unlock()
	b.signal()
}

func (b *outbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *outbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *outbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// take blocks until outcomes are queued and returns all of them. It
// returns false once the outbox is closed and empty.
func (b *outbox) take() ([]Outcome, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			q := b.queue
			b.queue = nil
			b.mu.Unlock()
			return q, true
		}
		if b.closed {
			b.mu.Unlock()
			return nil, false
		}
		b.mu.Unlock()
		<-b.wake
	}
}
