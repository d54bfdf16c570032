package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler processes one envelope. Returned errors are logged by the
// transport; they never stop delivery.
type Handler func(context.Context, Envelope) error

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport capability the pipeline depends on.
type Bus interface {
	// Publish delivers a stamped envelope.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h for topic. Subscribers sharing a non-empty group
	// split the stream; messages with the same partition key go to the same
	// member where the transport supports it.
	Subscribe(topic Topic, group string, h Handler) (Subscription, error)
	Close() error
}

// Producer stamps envelopes with producer id, per-stream sequence and
// publish time before handing them to the bus.
type Producer struct {
	bus Bus
	id  string
	seq *Sequencer
	now func() time.Time
}

// NewProducer creates a producer. An empty id gets a random one so that
// sequence numbers from a restarted process never collide with old ones.
func NewProducer(b Bus, id string) *Producer {
	if id == "" {
		id = uuid.NewString()
	}
	return &Producer{bus: b, id: id, seq: NewSequencer(), now: time.Now}
}

func (p *Producer) ID() string { return p.id }

// Emit validates, stamps and publishes env.
func (p *Producer) Emit(ctx context.Context, env Envelope) error {
	env.Producer = p.id
	env.Seq = p.seq.Next(env.Topic, env.PartitionKey())
	env.PublishedAt = p.now().UTC()
	if err := env.Validate(); err != nil {
		return err
	}
	return p.bus.Publish(ctx, env)
}
