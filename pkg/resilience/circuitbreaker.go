// Package resilience guards calls to external collaborators with circuit breakers.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/curiousagents/traffic-core/pkg/fn"
)

// Circuit breaker states.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, reject calls
	StateHalfOpen              // allowing a trial call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open after the first trip.
	Timeout time.Duration
	// MaxTimeout caps the open period; each failed trial doubles it.
	MaxTimeout time.Duration
	// HalfOpenMax is the number of trial calls allowed in half-open state.
	HalfOpenMax int
	// IsFailure decides which errors count against the breaker. Nil counts all
	// errors except the caller's own cancellation.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerOpts suit a context lookup provider.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       10 * time.Second,
	MaxTimeout:    5 * time.Minute,
	HalfOpenMax:   1,
}

// Breaker implements a circuit breaker with closed/open/half-open states
// and exponential backoff of the open period.
type Breaker struct {
	name          string
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	openFor       time.Duration
	halfOpenCount int
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(name string, opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.MaxTimeout < opts.Timeout {
		opts.MaxTimeout = opts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{name: name, opts: opts, openFor: opts.Timeout, now: time.Now}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	st := b.currentState()
	b.mu.Unlock()
	b.notify(from, st)
	return st
}

// OpenFor is the current open period.
func (b *Breaker) OpenFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openFor
}

// currentState transitions open→half-open once the open period elapsed. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
	}
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.opts.IsFailure != nil {
		return b.opts.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// admit reserves a slot for a call, or reports that the breaker is open.
func (b *Breaker) admit() error {
	b.mu.Lock()
	from := b.state
	st := b.currentState()
	var err error
	switch st {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			b.halfOpenCount++
		}
	}
	b.mu.Unlock()
	b.notify(from, st)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	if b.isFailure(err) {
		b.failures++
		if b.state == StateHalfOpen {
			// failed trial: back off further
			b.openFor *= 2
			if b.openFor > b.opts.MaxTimeout {
				b.openFor = b.opts.MaxTimeout
			}
			b.trip()
		} else if b.failures >= b.opts.FailThreshold {
			b.trip()
		}
	} else if err == nil {
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.openFor = b.opts.Timeout
		}
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// trip opens the breaker. Must hold mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.halfOpenCount = 0
}

// Call executes f through the circuit breaker.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := f(ctx)
	b.record(err)
	return err
}

// CallResult is a generic version of Call that works with fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.admit(); err != nil {
		return fn.Err[T](err)
	}
	result := f(ctx)
	b.record(result.Error())
	return result
}

// Breakers hands out one breaker per collaborator name.
type Breakers struct {
	mu   sync.Mutex
	opts BreakerOpts
	m    map[string]*Breaker
}

func NewBreakers(opts BreakerOpts) *Breakers {
	return &Breakers{opts: opts, m: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[name]
	if !ok {
		b = NewBreaker(name, r.opts)
		r.m[name] = b
	}
	return b
}

// States snapshots every breaker's state.
func (r *Breakers) States() map[string]State {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()
	out := make(map[string]State, len(bs))
	for _, b := range bs {
		out[b.name] = b.State()
	}
	return out
}
