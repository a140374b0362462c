package billing

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

// BreakerSettings tunes when a failing store stops receiving writes.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open before probing the store again.
	Cooldown time.Duration
}

var DefaultBreakerSettings = BreakerSettings{
	ConsecutiveFailures: 3,
	Cooldown:            30 * time.Second,
}

// Breaker wraps a Store so repeated append failures disable persistence for a while
// instead of costing a connection attempt on every call. Init and Load pass through.
type Breaker struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

func NewBreaker(store Store, settings BreakerSettings) *Breaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultBreakerSettings.Cooldown
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "usage-store",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// A locked database is healthy, just busy.
		IsSuccessful: func(err error) bool {
			return err == nil || IsContention(err)
		},
	})
	return &Breaker{store: store, cb: cb}
}

// Unwrap returns the wrapped store.
func (b *Breaker) Unwrap() Store {
	return b.store
}

// Open reports whether appends are currently being rejected.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) Init(ctx context.Context) error {
	return b.store.Init(ctx)
}

// Append returns gobreaker.ErrOpenState without touching the store while the breaker is open.
func (b *Breaker) Append(ctx context.Context, rec usage.Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.store.Append(ctx, rec)
	})
	return err
}

func (b *Breaker) Load(ctx context.Context) ([]usage.Record, error) {
	return b.store.Load(ctx)
}
