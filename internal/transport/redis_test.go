package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/synergos-io/synergos/internal/envelope"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	broker, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { broker.Close() })

	return broker
}

func TestRedisPublishSubscribe(t *testing.T) {
	broker := newTestRedis(t)
	ctx := context.Background()

	received := make(chan envelope.Envelope, 1)
	sub, err := broker.Subscribe(ctx, InboxChannel("bob"), func(env envelope.Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	env := mustEnvelope(t, "alice", "bob", envelope.KindRequest, envelope.Payload{"topic": "go"})
	if err := broker.Publish(ctx, InboxChannel("bob"), env); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Errorf("expected id %s, got %s", env.ID, got.ID)
		}
		if got.Kind != envelope.KindRequest {
			t.Errorf("kind lost in transit: %s", got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
}

func TestRedisFanout(t *testing.T) {
	broker := newTestRedis(t)
	ctx := context.Background()

	first := make(chan envelope.Envelope, 1)
	second := make(chan envelope.Envelope, 1)
	if _, err := broker.Subscribe(ctx, BroadcastChannel, func(env envelope.Envelope) {
		first <- env
	}); err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	if _, err := broker.Subscribe(ctx, BroadcastChannel, func(env envelope.Envelope) {
		second <- env
	}); err != nil {
		t.Fatalf("subscribe second: %v", err)
	}

	env := mustEnvelope(t, "alice", envelope.Broadcast, envelope.KindBroadcast, nil)
	if err := broker.Publish(ctx, BroadcastChannel, env); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	for name, ch := range map[string]chan envelope.Envelope{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got.ID != env.ID {
				t.Errorf("%s: wrong envelope %s", name, got.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber never received the broadcast", name)
		}
	}
}

func TestRedisFIFOPerChannel(t *testing.T) {
	broker := newTestRedis(t)
	ctx := context.Background()

	const n = 25
	received := make(chan int, n)
	if _, err := broker.Subscribe(ctx, InboxChannel("bob"), func(env envelope.Envelope) {
		received <- env.Payload.Int("seq")
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	for i := 0; i < n; i++ {
		env := mustEnvelope(t, "alice", "bob", envelope.KindNotification, envelope.Payload{"seq": i})
		if err := broker.Publish(ctx, InboxChannel("bob"), env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for want := 0; want < n; want++ {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("out of order delivery: got %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for envelope %d", want)
		}
	}
}

func TestRedisUnsubscribeStopsDelivery(t *testing.T) {
	broker := newTestRedis(t)
	ctx := context.Background()

	received := make(chan envelope.Envelope, 1)
	sub, err := broker.Subscribe(ctx, InboxChannel("bob"), func(env envelope.Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe error: %v", err)
	}

	env := mustEnvelope(t, "alice", "bob", envelope.KindNotification, nil)
	if err := broker.Publish(ctx, InboxChannel("bob"), env); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	select {
	case <-received:
		t.Fatal("received an envelope after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	broker, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	broker.Close()
	mr.Close()

	ctx := context.Background()
	env := mustEnvelope(t, "alice", "bob", envelope.KindRequest, nil)
	if err := broker.Publish(ctx, InboxChannel("bob"), env); !errors.Is(err, ErrUnavailable) {
		t.Errorf("publish after close: got %v, want ErrUnavailable", err)
	}
}

func TestDialRedisBadURL(t *testing.T) {
	if _, err := DialRedis(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestDialRedisUnreachable(t *testing.T) {
	// Port 1 is never a redis server
	if _, err := DialRedis(context.Background(), "redis://127.0.0.1:1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for unreachable server, got %v", err)
	}
}
