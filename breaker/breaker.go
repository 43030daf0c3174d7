// Package breaker implements C5: a three-state (CLOSED/OPEN/HALF_OPEN)
// guard keyed per target, backed by github.com/sony/gobreaker/v2. Its
// generation-counted state machine maps directly onto §4.4: MaxRequests:
// 1 gives HALF_OPEN exactly one trial call, and ReadyToTrip/Timeout give
// the failure-threshold and reset-timeout semantics.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/AlfredDev/ftppool/ftperr"
)

// Config names one breaker instance.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Breaker wraps one gobreaker instance plus the server-health
// classification §4.4 trips on.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// isServerHealthFailure reports whether an error counts toward tripping
// the breaker, per §4.4: CONNECTION_REFUSED, CONNECTION_TIMEOUT,
// CONNECTION_CLOSED, SERVER_ERROR.
func isServerHealthFailure(err error) bool {
	switch ftperr.KindOf(err) {
	case ftperr.ConnectionRefused, ftperr.ConnectionTimeout, ftperr.ConnectionClosed, ftperr.ServerError:
		return true
	default:
		return false
	}
}

// New builds a single named Breaker from Config.
func New(cfg Config, log zerolog.Logger) *Breaker {
	log = log.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // exactly one trial call permitted in HALF_OPEN
		Interval:    0, // never reset CLOSED counts on a timer; only on success/failure
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !isServerHealthFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings), name: cfg.Name}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state as gobreaker names it: "closed",
// "open", or "half-open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs op through the breaker. If the breaker is OPEN, op is
// never invoked and a CIRCUIT_OPEN *ftperr.Error is returned.
func Execute[T any](b *Breaker, op func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return op()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, ftperr.New(ftperr.CircuitOpen, "circuit breaker open for "+b.name)
		}
		return zero, err
	}
	return result.(T), nil
}

// Registry keeps one Breaker per name, created lazily. §4.4: "callers
// may register additional named instances"; §9's Open Question pins
// server-first, per-op-second composition, which retry.Execute enforces
// by always consulting breakers[0] before any later breaker; the Pool
// passes its "server" breaker in that first slot.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	log      zerolog.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), log: log}
}

// Get returns the named Breaker, creating it from cfg on first access.
func (r *Registry) Get(cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b
	}
	b := New(cfg, r.log)
	r.breakers[cfg.Name] = b
	return b
}
