package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/curiousagents/traffic-core/pkg/natsutil"
)

// SubjectPrefix is the root of every subject used by the pipeline.
const SubjectPrefix = "traffic"

// Subject returns "traffic.<topic>.<segment>" with the segment id reduced
// to a single valid subject token.
func Subject(t Topic, segmentID string) string {
	return SubjectPrefix + "." + string(t) + "." + subjectToken(segmentID)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// NATS is a Bus over core NATS subjects. Queue groups spread a topic over
// several processes; per-key ordering inside a process is enforced by the
// pipeline's keyed pool.
type NATS struct {
	nc  *nats.Conn
	log *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS wraps an established connection. Close does not close nc.
func NewNATS(nc *nats.Conn, log *slog.Logger) *NATS {
	if log == nil {
		log = slog.Default()
	}
	return &NATS{nc: nc, log: log.With("component", "bus", "transport", "nats")}
}

func (b *NATS) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	err := natsutil.Publish(ctx, b.nc, Subject(env.Topic, env.PartitionKey()), env,
		natsutil.WithMsgID(env.MsgID()),
		natsutil.WithPartitionKey(env.PartitionKey()),
		natsutil.WithHeader(natsutil.HeaderKind, string(env.Topic)),
	)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", env.Topic, err)
	}
	return nil
}

func (b *NATS) Subscribe(topic Topic, group string, h Handler) (Subscription, error) {
	if !topic.Valid() {
		return nil, ErrUnknownTopic
	}
	subject := SubjectPrefix + "." + string(topic) + ".>"
	sub, err := natsutil.Subscribe(b.nc, subject, group,
		func(ctx context.Context, _ *nats.Msg, env Envelope) {
			if err := env.Validate(); err != nil {
				b.log.Warn("invalid envelope", "subject", subject, "error", err)
				return
			}
			if err := h(ctx, env); err != nil {
				b.log.Warn("handler failed", "topic", topic, "group", group, "key", env.Key.String(), "error", err)
			}
		},
		func(msg *nats.Msg, err error) {
			b.log.Warn("malformed message", "subject", msg.Subject, "error", err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close drains every subscription made through this bus.
func (b *NATS) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var first error
	for _, s := range subs {
		if err := s.Drain(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
