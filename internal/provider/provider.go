// Package provider gives agents their completion capability. Three backends
// speak to real services: Gemini over its REST API, Anthropic and OpenAI
// through their official SDKs. All of them reduce to generated text and the
// shared error taxonomy, so callers never handle backend-specific failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/synergos-io/synergos/internal/config"
)

var (
	// ErrQuotaExceeded is returned when the backend rejects the request
	// for quota or rate reasons. Not retried; surfacing it lets the
	// caller fail the task with the cause intact.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrServiceUnavailable covers transient backend failures: 5xx
	// responses and network errors. The retry wrapper targets this.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidRequest marks requests the backend will never accept:
	// bad credentials, unknown model, malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one completion call.
type Request struct {
	Prompt      string
	System      string
	Temperature float64 // 0 uses the backend's configured default
	MaxTokens   int     // 0 uses the backend's configured default
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Completer. Tests and the demo use it in place
// of a live backend.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// New builds the configured backend and wraps it with rate limiting and
// retry per the config. The retry wrapper sits outside the limiter so
// every attempt spends a token.
func New(cfg config.ProviderConfig) (Completer, error) {
	var c Completer
	switch cfg.Backend {
	case "gemini":
		c = NewGemini(cfg)
	case "anthropic":
		c = NewAnthropic(cfg)
	case "openai":
		c = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Backend)
	}
	if cfg.RateLimit > 0 {
		c = WithRateLimit(c, cfg.RateLimit, cfg.Burst)
	}
	if cfg.Retries > 0 {
		c = WithRetry(c, cfg.Retries, time.Second)
	}
	return c, nil
}

// mapStatus folds an HTTP status from a completion API into the error
// taxonomy. Some backends report quota exhaustion as 400 with a telltale
// message rather than 429.
func mapStatus(status int, msg string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case status == http.StatusBadRequest && (strings.Contains(msg, "quota") || strings.Contains(msg, "limit")):
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusBadRequest, status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, status, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, status, msg)
	default:
		return fmt.Errorf("completion failed: status %d: %s", status, msg)
	}
}
