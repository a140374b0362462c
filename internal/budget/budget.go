package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/usage"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

// Policy decides what happens when a guarded unit of work goes over its ceiling.
type Policy string

const (
	// PolicyWarn emits an advisory and lets the work continue.
	PolicyWarn Policy = "warn"
	// PolicyRaise fails the record call that crossed the ceiling with a BudgetExceededError.
	PolicyRaise Policy = "raise"
)

// ParsePolicy accepts "warn", "raise" or the empty string, which means warn.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyWarn:
		return PolicyWarn, nil
	case PolicyRaise:
		return PolicyRaise, nil
	default:
		return "", fmt.Errorf("unknown budget policy %q: must be warn or raise", s)
	}
}

// Advisory describes a ceiling crossed under PolicyWarn.
type Advisory struct {
	Unit    string
	Spent   float64
	Ceiling float64
}

func (a Advisory) String() string {
	return fmt.Sprintf("[tokenspy] Budget exceeded in %s: $%.4f > $%.4f", a.Unit, a.Spent, a.Ceiling)
}

// Warner receives advisories.
type Warner func(Advisory)

// LogWarner logs advisories at warn level.
func LogWarner(logger *slog.Logger) Warner {
	return func(a Advisory) {
		logger.Warn(a.String(), "unit", a.Unit, "spent_usd", a.Spent, "ceiling_usd", a.Ceiling)
	}
}

type Option func(*Guard)

// WithUnit names the unit of work in advisories and errors.
func WithUnit(unit string) Option {
	return func(g *Guard) { g.unit = unit }
}

func WithWarner(w Warner) Option {
	return func(g *Guard) {
		if w != nil {
			g.warn = w
		}
	}
}

// Guard watches one ledger for spend beyond a ceiling, measured from the ledger's total
// when the guard was entered. A guard is active from Enter until the first Exit.
type Guard struct {
	ledger   *ledger.Ledger
	ceiling  float64
	policy   Policy
	unit     string
	warn     Warner
	baseline float64
	id       ledger.ObserverID

	mu       sync.Mutex
	active   bool
	exceeded error
}

// Enter captures the ledger's current total as the baseline and starts observing.
func Enter(l *ledger.Ledger, ceiling float64, policy Policy, opts ...Option) *Guard {
	if policy == "" {
		policy = PolicyWarn
	}
	g := &Guard{
		ledger:  l,
		ceiling: ceiling,
		policy:  policy,
		unit:    usage.UnknownUnit,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.warn == nil {
		g.warn = LogWarner(slog.Default())
	}

	g.baseline = l.TotalCost()
	g.active = true
	g.id = l.AddObserver(g.Check)
	return g
}

// Check is the observer body. It recomputes spend on every notification.
func (g *Guard) Check(usage.Record) error {
	spent := g.Spent()
	if spent <= g.ceiling {
		return nil
	}

	if g.policy == PolicyRaise {
		err := tserrors.NewBudgetExceededError(g.unit, spent, g.ceiling)
		g.mu.Lock()
		if g.exceeded == nil {
			g.exceeded = err
		}
		g.mu.Unlock()
		return err
	}

	g.warn(Advisory{Unit: g.unit, Spent: spent, Ceiling: g.ceiling})
	return nil
}

// Exit stops observing. Only the first call has an effect.
func (g *Guard) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return
	}
	g.active = false
	g.ledger.RemoveObserver(g.id)
}

// Active reports whether the guard is still observing.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Spent is the cost recorded on the ledger since Enter.
func (g *Guard) Spent() float64 {
	return g.ledger.TotalCost() - g.baseline
}

// Exceeded returns the first BudgetExceededError raised by this guard, if any.
func (g *Guard) Exceeded() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exceeded
}

// Run guards fn. The guard is released however fn returns, including by panic. Under
// PolicyRaise, a crossed ceiling is reported even if fn dropped the error Record returned,
// joined with fn's own error when it has one.
func Run(l *ledger.Ledger, ceiling float64, policy Policy, fn func() error, opts ...Option) error {
	g := Enter(l, ceiling, policy, opts...)
	defer g.Exit()

	err := fn()
	exceeded := g.Exceeded()
	switch {
	case exceeded == nil:
		return err
	case err == nil, errors.Is(err, exceeded):
		return exceeded
	default:
		return errors.Join(err, exceeded)
	}
}
