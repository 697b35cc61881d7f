package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/synergos-io/synergos/internal/envelope"
)

// Redis is the Broker backed by Redis pub/sub. go-redis re-establishes
// pub/sub connections and resubscribes after a drop, so registrations
// survive transient outages without caller involvement.
type Redis struct {
	client *redis.Client
}

func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w: %s", ErrUnavailable, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, env envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish: %w: %s", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string, fn func(envelope.Envelope)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)

	// Block until the server confirms the subscription so that envelopes
	// published right after this call are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w: %s", ErrUnavailable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			env, err := envelope.Unmarshal([]byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping undecodable envelope", "channel", channel, "error", err)
				continue
			}
			fn(env)
		}
	}()

	return &redisSub{ps: ps, done: done}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
}

func (s *redisSub) Unsubscribe() error {
	err := s.ps.Close()
	<-s.done // wait for the dispatch goroutine to drain
	return err
}
