package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("bus: closed")

// Memory is an in-process Bus. Each subscription drains its own buffered
// queue on one goroutine, so delivery order per subscription equals publish
// order. Within a group, a partition key always maps to the same member.
// A full queue blocks Publish.
type Memory struct {
	mu     sync.RWMutex
	log    *slog.Logger
	buffer int
	groups map[Topic]map[string]*memGroup
	closed bool
	wg     sync.WaitGroup
}

type memGroup struct {
	members []*memSub
}

type memSub struct {
	bus   *Memory
	topic Topic
	group string
	h     Handler
	ch    chan queued
	done  chan struct{}
	once  sync.Once
}

type queued struct {
	ctx context.Context
	env Envelope
}

// NewMemory creates an in-process bus with per-subscription queues of the given size.
func NewMemory(buffer int, log *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{log: log.With("component", "bus"), buffer: buffer, groups: make(map[Topic]map[string]*memGroup)}
}

func (m *Memory) Subscribe(topic Topic, group string, h Handler) (Subscription, error) {
	if !topic.Valid() {
		return nil, ErrUnknownTopic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memSub{bus: m, topic: topic, group: group, h: h, ch: make(chan queued, m.buffer), done: make(chan struct{})}
	if m.groups[topic] == nil {
		m.groups[topic] = make(map[string]*memGroup)
	}
	// an empty group is a private fan-out subscription
	name := group
	if name == "" {
		name = fmt.Sprintf("\x00%p", s)
	}
	g := m.groups[topic][name]
	if g == nil {
		g = &memGroup{}
		m.groups[topic][name] = g
	}
	g.members = append(g.members, s)
	m.wg.Add(1)
	go s.run()
	return s, nil
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memSub
	for _, g := range m.groups[env.Topic] {
		if len(g.members) == 0 {
			continue
		}
		targets = append(targets, g.members[pick(env.PartitionKey(), len(g.members))])
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- queued{ctx: context.WithoutCancel(ctx), env: env}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting messages, drains queued ones and waits for handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memSub
	for _, gs := range m.groups {
		for _, g := range gs {
			subs = append(subs, g.members...)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	m.wg.Wait()
	return nil
}

func (s *memSub) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case q := <-s.ch:
			s.deliver(q)
		case <-s.done:
			for {
				select {
				case q := <-s.ch:
					s.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (s *memSub) deliver(q queued) {
	if err := s.h(q.ctx, q.env); err != nil {
		s.bus.log.Warn("handler failed", "topic", s.topic, "group", s.group, "key", q.env.Key.String(), "error", err)
	}
}

func (s *memSub) stop() { s.once.Do(func() { close(s.done) }) }

func (s *memSub) Unsubscribe() error {
	m := s.bus
	m.mu.Lock()
	for name, g := range m.groups[s.topic] {
		for i, member := range g.members {
			if member == s {
				g.members = append(g.members[:i], g.members[i+1:]...)
				if len(g.members) == 0 {
					delete(m.groups[s.topic], name)
				}
				break
			}
		}
	}
	m.mu.Unlock()
	s.stop()
	return nil
}

func pick(key string, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
