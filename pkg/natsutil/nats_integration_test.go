//go:build integration

package natsutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func TestNATS_QueueSubscribe(t *testing.T) {
	nc := connectNATS(t)
	ch := make(chan testMsg, 1)
	sub, err := Subscribe(nc, "integ.telemetry", "workers", func(_ context.Context, _ *nats.Msg, m testMsg) {
		ch <- m
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "integ.telemetry", testMsg{Segment: "a", Speed: 10}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-ch:
		if m.Segment != "a" {
			t.Fatalf("unexpected %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}
