package pipeline

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/curiousagents/traffic-core/engine/bus"
)

// replayWindow is how many sequence numbers below the newest one a stream
// still tracks individually.
const replayWindow = 64

type stream struct {
	topic    bus.Topic
	producer string
	segment  string
}

// seen is the newest sequence of a stream plus a bitmap of the
// replayWindow numbers below it; bit i is set when high-i was accepted.
type seen struct {
	high uint64
	mask uint64
}

// orderGuard drops envelopes whose (topic, producer, segment, seq) was
// already accepted. Concurrent producers may publish a stream's sequence
// numbers out of order, so a late but unseen number is still accepted as
// long as it falls inside the window.
type orderGuard struct {
	mu   sync.Mutex
	last *lru.Cache[stream, seen]
}

func newOrderGuard(size int) (*orderGuard, error) {
	c, err := lru.New[stream, seen](size)
	if err != nil {
		return nil, fmt.Errorf("order guard: %w", err)
	}
	return &orderGuard{last: c}, nil
}

func (g *orderGuard) accept(env bus.Envelope) bool {
	if env.Seq == 0 {
		return true
	}
	k := stream{env.Topic, env.Producer, env.PartitionKey()}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.last.Get(k)
	if !ok {
		g.last.Add(k, seen{high: env.Seq, mask: 1})
		return true
	}
	if env.Seq > s.high {
		shift := env.Seq - s.high
		if shift >= replayWindow {
			s.mask = 0
		} else {
			s.mask <<= shift
		}
		s.high = env.Seq
		s.mask |= 1
		g.last.Add(k, s)
		return true
	}
	back := s.high - env.Seq
	if back >= replayWindow || s.mask&(1<<back) != 0 {
		return false
	}
	s.mask |= 1 << back
	g.last.Add(k, s)
	return true
}
