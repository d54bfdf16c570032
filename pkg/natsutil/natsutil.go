// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Header keys set by this package.
const (
	HeaderMsgID        = nats.MsgIdHdr
	HeaderPartitionKey = "Traffic-Partition-Key"
	HeaderKind         = "Traffic-Kind"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Option decorates an outgoing message.
type Option func(*nats.Msg)

// WithHeader sets an arbitrary header.
func WithHeader(key, val string) Option {
	return func(m *nats.Msg) {
		if val == "" {
			return
		}
		(*natsHeaderCarrier)(m).Set(key, val)
	}
}

// WithMsgID sets the de-duplication id honoured by JetStream.
func WithMsgID(id string) Option { return WithHeader(HeaderMsgID, id) }

// WithPartitionKey records the ordering key for consumers.
func WithPartitionKey(key string) Option { return WithHeader(HeaderPartitionKey, key) }

// NewMsg serializes v as JSON into a message for subject, injecting the
// trace context from ctx.
func NewMsg[T any](ctx context.Context, subject string, v T, opts ...Option) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	for _, o := range opts {
		o(msg)
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Decode unmarshals msg into T and extracts its trace context.
func Decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, v, fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	return ctx, v, nil
}

// Publish serializes v as JSON and publishes to the given subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T, opts ...Option) error {
	msg, err := NewMsg(ctx, subject, v, opts...)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a queue-group handler for JSON messages of type T.
// An empty group gives every subscriber every message. Malformed messages
// are passed to onError (if set) and otherwise dropped.
func Subscribe[T any](nc *nats.Conn, subject, group string, handler func(context.Context, *nats.Msg, T), onError func(*nats.Msg, error)) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		ctx, v, err := Decode[T](msg)
		if err != nil {
			if onError != nil {
				onError(msg, err)
			}
			return
		}
		handler(ctx, msg, v)
	}
	if group == "" {
		return nc.Subscribe(subject, cb)
	}
	return nc.QueueSubscribe(subject, group, cb)
}
