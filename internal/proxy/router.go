package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/usage"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks the provider for a model and calls it behind a per-provider breaker.
type Router struct {
	providers []provider.Provider
	breakers  map[usage.Provider]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[usage.Provider]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p.Name()),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A crossed budget is the caller's problem, not the provider's.
			IsSuccessful: func(err error) bool {
				return err == nil || tserrors.IsFatal(err)
			},
		})
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the provider serving model. Models that name no known provider go to the
// first provider whose breaker is closed.
func (r *Router) Route(model string) (provider.Provider, error) {
	var available []provider.Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		available = append(available, p)
	}
	if len(available) == 0 {
		return nil, ErrNoProvider
	}

	want := provider.ForModel(model)
	if want == usage.ProviderUnknown {
		return available[0], nil
	}
	for _, p := range available {
		if p.Name() == want {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider available for model %q", model)
}

// Execute calls p.Complete. When a budget is crossed the response is returned together
// with the fatal error.
func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	resp, _ := result.(*provider.Response)
	return resp, err
}

// State reports the breaker state of each provider, for health output.
func (r *Router) State() map[usage.Provider]string {
	states := make(map[usage.Provider]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}
