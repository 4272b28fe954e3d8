package breaker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// Registry holds one circuit breaker per named provider. It is the only
// intentional process-wide mutable state in the engine; state is not
// replicated across workers, each process learns a provider's health
// independently.
type Registry struct {
	cfg          config.BreakerConfig
	logger       *slog.Logger
	onTransition func(provider, toState string)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates a Registry. onTransition receives every breaker
// state change for metrics; it may be nil.
func NewRegistry(cfg config.BreakerConfig, logger *slog.Logger, onTransition func(provider, toState string)) *Registry {
	return &Registry{
		cfg:          cfg,
		logger:       logger,
		onTransition: onTransition,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// MaxRequests doubles as the consecutive-success count required
		// to close again from half-open.
		MaxRequests: r.cfg.ProbeRequests,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
			if r.onTransition != nil {
				r.onTransition(name, to.String())
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn under the named provider's breaker. Fail-fast from the
// OPEN state returns a synthetic retryable ProviderError without touching
// the provider at all.
func (r *Registry) Execute(name string, fn func() (any, error)) (any, error) {
	result, err := r.breaker(name).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewProviderError(domain.ErrorKindTransient, 0,
				"circuit open for provider "+name, true)
		}
		return nil, err
	}
	return result, nil
}

// IsOpen reports whether the named provider's breaker is currently open.
// The worker uses this to decide whether to try a fallback adapter.
func (r *Registry) IsOpen(name string) bool {
	return r.breaker(name).State() == gobreaker.StateOpen
}

// State returns the breaker state string for health reporting.
func (r *Registry) State(name string) string {
	return r.breaker(name).State().String()
}
