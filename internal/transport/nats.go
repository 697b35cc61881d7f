package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/synergos-io/synergos/internal/envelope"
)

// NATS is the Broker backed by a NATS connection. The client keeps its
// subscriptions across reconnects, so a transient drop never requires
// callers to re-register.
type NATS struct {
	conn *nats.Conn
}

func DialNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATS{conn: conn}, nil
}

func (n *NATS) Publish(ctx context.Context, channel string, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(channel, data); err != nil {
		return wrapNATSErr("publish", err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, channel string, fn func(envelope.Envelope)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		env, err := envelope.Unmarshal(msg.Data)
		if err != nil {
			slog.Warn("dropping undecodable envelope", "channel", channel, "error", err)
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, wrapNATSErr("subscribe", err)
	}
	return natsSub{sub}, nil
}

// Flush blocks until the server has processed everything published so far.
func (n *NATS) Flush() error {
	return n.conn.Flush()
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func wrapNATSErr(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrInvalidConnection),
		errors.Is(err, nats.ErrReconnectBufExceeded):
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
