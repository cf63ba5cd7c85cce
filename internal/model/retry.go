package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/anvil/internal/config"
)

// retrying wraps a Client with the configured retry policy: exponential
// backoff on 5xx responses only, under a total per-call deadline.
type retrying struct {
	inner  Client
	cfg    config.LLMConfig
	logger *slog.Logger
}

// NewRetrying wraps inner with retries and the llm.timeout_sec deadline.
func NewRetrying(inner Client, cfg config.LLMConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With("component", "model", "backend", inner.Name()),
	}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())

	inner, err := attemptLoop(r, ctx, func() (<-chan Event, error) {
		return r.inner.Stream(ctx, req)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Forward inner events; the deadline stays armed for the whole stream.
	out := make(chan Event)
	go func() {
		defer cancel()
		defer close(out)
		for ev := range inner {
			select {
			case out <- ev:
			case <-ctx.Done():
				select {
				case out <- Event{Type: EventError, Err: ctx.Err()}:
				default:
				}
				return
			}
		}
	}()
	return out, nil
}

func (r *retrying) Complete(ctx context.Context, req *Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	return attemptLoop(r, ctx, func() (string, error) {
		return r.inner.Complete(ctx, req)
	})
}

// attemptLoop runs op up to the configured attempt count, backing off
// between transient failures. Non-transient errors return immediately.
func attemptLoop[T any](r *retrying, ctx context.Context, op func() (T, error)) (T, error) {
	var zero T
	attempts := r.cfg.Retry.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(r.backoff(i)):
			}
		}

		v, err := op()
		if err == nil {
			return v, nil
		}
		if !Transient(err) {
			return zero, err
		}
		lastErr = err
		r.logger.Warn("transient model failure",
			"attempt", i+1, "attempts", attempts, "error", err)
	}
	return zero, fmt.Errorf("model: retries exhausted: %w", lastErr)
}

func (r *retrying) backoff(attempt int) time.Duration {
	base := time.Duration(r.cfg.Retry.BaseDelaySec * float64(time.Second))
	if base <= 0 {
		base = time.Second
	}
	max := time.Duration(r.cfg.Retry.MaxDelaySec * float64(time.Second))
	if max <= 0 {
		max = 8 * time.Second
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (r *retrying) timeout() time.Duration {
	if r.cfg.TimeoutSec <= 0 {
		return 180 * time.Second
	}
	return time.Duration(r.cfg.TimeoutSec) * time.Second
}
