package directory

import (
	"context"
	"errors"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/observability/metrics"
	"github.com/drfirst/go-rxcompliance/pkg/circuitbreaker"
)

// Breaker names, one per lookup kind.
const (
	BreakerPrescribers = "directory.prescribers"
	BreakerPatients    = "directory.patients"
	BreakerProducts    = "directory.products"
)

// BreakerConfig returns breaker settings for directory lookups: not-found
// answers never trip a breaker and state changes are exported to m.
func BreakerConfig(m *metrics.Metrics) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("directory")
	cfg.Ignore = func(err error) bool { return errors.Is(err, ErrNotFound) }
	if m != nil {
		cfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		}
	}
	return cfg
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Breaker guards each lookup of the wrapped directory with its own breaker.
type Breaker struct {
	next        Directory
	prescribers *circuitbreaker.CircuitBreaker
	patients    *circuitbreaker.CircuitBreaker
	products    *circuitbreaker.CircuitBreaker
}

var _ Directory = (*Breaker)(nil)

// NewBreaker wraps next with breakers obtained from mgr.
func NewBreaker(next Directory, mgr *circuitbreaker.Manager) (*Breaker, error) {
	b := &Breaker{next: next}
	var err error
	if b.prescribers, err = mgr.GetOrCreate(BreakerPrescribers); err != nil {
		return nil, err
	}
	if b.patients, err = mgr.GetOrCreate(BreakerPatients); err != nil {
		return nil, err
	}
	if b.products, err = mgr.GetOrCreate(BreakerProducts); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Breaker) Prescriber(ctx context.Context, id string) (*compliance.Prescriber, error) {
	return circuitbreaker.Do(ctx, b.prescribers, func(ctx context.Context) (*compliance.Prescriber, error) {
		return b.next.Prescriber(ctx, id)
	})
}

func (b *Breaker) Patient(ctx context.Context, id string) (*compliance.Patient, error) {
	return circuitbreaker.Do(ctx, b.patients, func(ctx context.Context) (*compliance.Patient, error) {
		return b.next.Patient(ctx, id)
	})
}

func (b *Breaker) Product(ctx context.Context, id string) (*compliance.Product, error) {
	return circuitbreaker.Do(ctx, b.products, func(ctx context.Context) (*compliance.Product, error) {
		return b.next.Product(ctx, id)
	})
}
