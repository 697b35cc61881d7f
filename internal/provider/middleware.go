package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

type limited struct {
	next Completer
	lim  *rate.Limiter
}

// WithRateLimit caps throughput to the backend at rps requests per second
// with the given burst. Waiting respects the caller's context.
func WithRateLimit(next Completer, rps float64, burst int) Completer {
	if burst < 1 {
		burst = 1
	}
	return &limited{next: next, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.Complete(ctx, req)
}

type retrying struct {
	next     Completer
	attempts int
	backoff  time.Duration
}

// WithRetry reissues requests that failed with ErrServiceUnavailable, up to
// attempts total, doubling the backoff between tries. Every other error
// returns immediately; a quota rejection does not get cheaper by repeating.
func WithRetry(next Completer, attempts int, backoff time.Duration) Completer {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{next: next, attempts: attempts, backoff: backoff}
}

func (r *retrying) Complete(ctx context.Context, req Request) (string, error) {
	var err error
	delay := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		var out string
		out, err = r.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrServiceUnavailable) {
			return "", err
		}
	}
	return "", err
}
