package transport

import (
	"context"
	"errors"

	"github.com/synergos-io/synergos/internal/envelope"
)

// ErrUnavailable reports that the broker connection is down or closed.
// Transient: the caller may retry with backoff. The transport itself never
// retries.
var ErrUnavailable = errors.New("transport unavailable")

// Subscription is a live registration on one channel. Unsubscribe stops
// delivery; it is safe to call after the broker is closed.
type Subscription interface {
	Unsubscribe() error
}

// Broker delivers envelopes published on a named channel to every current
// subscriber of that channel, at most once per subscriber. Envelopes from
// one publisher arrive on one channel in publish order; nothing is ordered
// across channels or publishers. Publishing never blocks on subscriber
// handlers: each subscription dispatches serially on its own goroutine.
type Broker interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) error
	Subscribe(ctx context.Context, channel string, fn func(envelope.Envelope)) (Subscription, error)
	Close() error
}
