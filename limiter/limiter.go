package limiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITED CALLER - Spacing + backoff for all outbound calls
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every remote call goes through Call:
//   1. Wait until minInterval has passed since the last call under the same key
//   2. Invoke the thunk; on failure retry with exponential backoff
//
// Spacing is per-key so unrelated call classes do not starve each other.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Options configures a Caller.
type Options struct {
	MinInterval time.Duration // minimum spacing between calls under one key
	MaxRetries  int           // retry attempts after the first failure
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap
}

// DefaultOptions mirrors the venue's published rate limits.
func DefaultOptions() Options {
	return Options{
		MinInterval: 200 * time.Millisecond,
		MaxRetries:  4,
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
	}
}

// Caller enforces per-key call spacing and retries transient failures.
type Caller struct {
	mu       sync.Mutex
	lastCall map[string]time.Time
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Caller with the given options.
func New(opts Options) *Caller {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 16 * time.Second
	}
	return &Caller{
		lastCall: make(map[string]time.Time),
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Call runs thunk under the spacing and retry policy for key.
//
// All errors are retried identically up to MaxRetries; callers that need
// fatal-error short-circuiting wrap the thunk themselves. After exhausting
// retries the last error is returned.
func (c *Caller) Call(ctx context.Context, key string, thunk func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if err := c.waitTurn(ctx, key); err != nil {
			return err
		}

		lastErr = thunk()
		if lastErr == nil {
			return nil
		}

		if attempt == c.opts.MaxRetries {
			break
		}

		delay := c.BackoffDelay(attempt)
		evt := log.Warn().
			Str("op", key).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(lastErr)
		if isRateLimited(lastErr) {
			evt = evt.Bool("rate_limited", true)
		}
		evt.Msg("Call failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	log.Error().Str("op", key).Int("retries", c.opts.MaxRetries).Err(lastErr).Msg("Call exhausted retries")
	return lastErr
}

// BackoffDelay returns min(base * 2^attempt, cap).
func (c *Caller) BackoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if delay > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return delay
}

// waitTurn blocks until minInterval has elapsed since the last call for key.
func (c *Caller) waitTurn(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		now := c.now()
		last, ok := c.lastCall[key]
		if !ok || now.Sub(last) >= c.opts.MinInterval {
			c.lastCall[key] = now
			c.mu.Unlock()
			return nil
		}
		wait := c.opts.MinInterval - now.Sub(last)
		c.mu.Unlock()

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Do is a typed helper over Call for thunks that return a value.
func Do[T any](ctx context.Context, c *Caller, key string, fn func() (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, key, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// isRateLimited is best-effort pattern matching, used only for log labelling.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
