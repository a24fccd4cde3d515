package bridge

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Retry defaults, applied when RetryConfig fields are zero.
const (
	DefaultMaxRetries = 3

	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second
	maxJitter        = time.Second
)

// RetryConfig bounds the retry loop of OpenWithRetry.
type RetryConfig struct {
	// MaxRetries is the attempt budget, counting the first attempt.
	MaxRetries int
	// BaseDelay is the backoff of the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// dialFunc opens one stream attempt. Tests substitute it.
type dialFunc func(ctx context.Context, req Request, cb Callbacks) *Handle

// OpenWithRetry wraps Open with bounded-retry semantics: a retryable failure
// (stall or transport error) schedules a fresh attempt after exponential
// backoff with jitter, reusing the same request. Output accumulated by prior
// attempts is preserved and prefixed to subsequent output, so observers see
// continuous growth rather than a reset. Non-retryable errors pass straight
// through to OnError. Cancelling the handle aborts the active attempt and
// prevents any scheduled retry from starting.
func OpenWithRetry(ctx context.Context, req Request, cb RetryCallbacks, cfg RetryConfig) *Handle {
	return openWithRetry(ctx, req, cb, cfg, Open)
}

func openWithRetry(parent context.Context, req Request, cb RetryCallbacks, cfg RetryConfig, dial dialFunc) *Handle {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	h := newHandle(cancel)
	go func() {
		defer h.finish()
		runRetry(ctx, req, cb, cfg, dial)
	}()
	return h
}

// runRetry drives the attempt loop. ctx is the master context shared by all
// attempts of this logical stream: once it is cancelled, past attempts are
// inert and future ones never start.
func runRetry(ctx context.Context, req Request, cb RetryCallbacks, cfg RetryConfig, dial dialFunc) {
	lg := slog.With("trace_id", req.TraceID, "model", req.Model)

	var acc strings.Builder // across attempts

	for attempt := 1; ; attempt++ {
		prior := acc.String()

		var attemptFull string
		var attemptErr error
		var attemptDone bool

		inner := Callbacks{
			OnToken: func(token string) {
				acc.WriteString(token)
				cb.token(ctx, token)
			},
			OnDone: func(full string) {
				attemptDone = true
				attemptFull = full
			},
			OnError: func(err error) {
				attemptErr = err
			},
		}

		ah := dial(ctx, req, inner)
		select {
		case <-ah.Done():
		case <-ctx.Done():
			ah.Cancel()
			<-ah.Done()
			return
		}

		switch {
		case attemptDone:
			// Prefer the attempt's own full text, prefixed with what the
			// earlier attempts produced.
			full := acc.String()
			if attemptFull != "" {
				full = prior + attemptFull
			}
			cb.done(ctx, full)
			return

		case attemptErr != nil:
			if ctx.Err() != nil {
				return
			}
			if !Retryable(attemptErr) || attempt >= cfg.MaxRetries {
				cb.fail(ctx, attemptErr)
				return
			}
			lg.Info("retrying stream", "attempt", attempt+1, "cause", attemptErr)
			cb.retry(ctx, attempt+1, attemptErr)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(cfg, attempt)):
			}

		default:
			// Neither done nor error: the attempt was cancelled.
			return
		}
	}
}

// backoffDelay is min(base * 2^(attempt-1) + jitter up to 1s, max).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay << uint(attempt-1)
	if d <= 0 || d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	d += rand.N(maxJitter)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
