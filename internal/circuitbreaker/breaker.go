package circuitbreaker

import (
	"github.com/sony/gobreaker"

	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
)

// Breaker shields storage reads behind a gobreaker circuit so a dead
// backend fails transfers fast instead of tying up stream slots.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

// New builds a breaker that trips after the configured run of consecutive
// failures and reports state changes as a gauge.
func New(name string, cfg *config.Config, m *metrics.Metrics) *Breaker {
	threshold := uint32(cfg.CircuitBreakerThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
		Interval:    cfg.CircuitBreakerTimeout,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), name: name}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
