// Package retry implements C6: the only place backoffs occur. Engine
// wraps a call with a per-operation-class RetryPolicy, consults the
// CircuitBreaker registry before every attempt, and gives a caller-
// supplied recovery hook (e.g. "reconnect this connection") a chance to
// clear a recoverable failure before the next attempt.
package retry

import (
	"context"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/breaker"
	"github.com/AlfredDev/ftppool/ftperr"
)

// RetryPolicy is a per-operation-class retry configuration (§3).
type RetryPolicy struct {
	Name               string
	MaxAttempts        int
	InitialBackoff     time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration
	LogEachAttempt     bool
}

// newBackoff builds a backoff.BackOff from the policy. Attempt counting
// is the Engine's own job (policy.MaxAttempts), so MaxElapsedTime is
// disabled and the Engine drives NextBackOff itself rather than using
// backoff.Retry's own retry loop.
func (p RetryPolicy) newBackoff() cenkaltibackoff.BackOff {
	b := &cenkaltibackoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.BackoffMultiplier,
		MaxInterval:         p.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                cenkaltibackoff.Stop,
		Clock:               cenkaltibackoff.SystemClock,
	}
	b.Reset()
	return b
}

// RecoveryHook is invoked after a recoverable failure, before the next
// attempt's backoff. It reports whether the recovery succeeded (e.g. the
// connection was reconnected and its session state reset).
type RecoveryHook func(ctx context.Context, cause error) (recovered bool)

// Engine is C6: RetryEngine.
type Engine struct {
	log zerolog.Logger
}

// New creates a RetryEngine.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "retry").Logger()}
}

// Execute runs op under policy, consulting breakers (server-first,
// per-op second, per the Open Question pinned in SPEC_FULL.md §9) before
// every attempt. On a recoverable failure with attempts remaining, hook
// (if non-nil) is given a chance to recover before the next attempt;
// hook success skips backoff entirely.
func Execute[T any](ctx context.Context, e *Engine, policy RetryPolicy, breakers []*breaker.Breaker, op func(ctx context.Context) (T, error), hook RecoveryHook) (T, error) {
	var zero T
	bo := policy.newBackoff()

	attempt := 0
	for {
		attempt++

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runThroughBreakers(breakers, func() (T, error) { return op(ctx) })
		if err == nil {
			return result, nil
		}

		if policy.LogEachAttempt {
			e.log.Debug().Str("policy", policy.Name).Int("attempt", attempt).Err(err).Msg("operation attempt failed")
		}

		kind := ftperr.KindOf(err)
		if kind == ftperr.CircuitOpen {
			return zero, err
		}
		if !kind.Recoverable() {
			return zero, err
		}
		if attempt >= policy.MaxAttempts {
			return zero, err
		}

		recovered := false
		if hook != nil {
			recovered = hook(ctx, err)
		}

		if recovered {
			continue // loop without backoff
		}

		wait := bo.NextBackOff()
		if wait == cenkaltibackoff.Stop {
			return zero, err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// runThroughBreakers nests the breaker chain so the first entry (the
// mandatory server breaker) is consulted before any later (per-operation)
// breaker.
func runThroughBreakers[T any](breakers []*breaker.Breaker, op func() (T, error)) (T, error) {
	if len(breakers) == 0 {
		return op()
	}
	return breaker.Execute(breakers[0], func() (T, error) {
		return runThroughBreakers(breakers[1:], op)
	})
}
