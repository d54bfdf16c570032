package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

var ErrPoolClosed = errors.New("pipeline: pool closed")

type task struct {
	ctx context.Context
	f   func(context.Context)
}

// KeyedPool runs tasks on a fixed set of workers. Tasks submitted with the
// same key always land on the same worker and run in submission order.
// In-flight work is bounded by workers*queue; Submit blocks beyond that.
type KeyedPool struct {
	mu     sync.RWMutex
	closed bool
	shards []chan task
	wg     sync.WaitGroup
}

func NewKeyedPool(workers, queue int) *KeyedPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	p := &KeyedPool{shards: make([]chan task, workers)}
	for i := range p.shards {
		ch := make(chan task, queue)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range ch {
				t.f(t.ctx)
			}
		}()
	}
	return p
}

// Submit queues f for key.
func (p *KeyedPool) Submit(ctx context.Context, key string, f func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.shards[shard(key, len(p.shards))] <- task{ctx: ctx, f: f}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *KeyedPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *KeyedPool) Workers() int { return len(p.shards) }

func shard(key string, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
