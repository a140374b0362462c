package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/usage"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

func spend(l *ledger.Ledger, cost float64) error {
	rec := usage.NewRecord(usage.NewScope("agent"), "gpt-4o", usage.ProviderOpenAI, 10, 10, cost, 1)
	return l.Record(context.Background(), rec)
}

func TestGuard_RaiseSignalsFatalError(t *testing.T) {
	l := ledger.New()
	require.NoError(t, spend(l, 5))

	g := Enter(l, 0.01, PolicyRaise, WithUnit("agent"))
	defer g.Exit()

	err := spend(l, 0.02)
	be, ok := tserrors.AsBudgetExceeded(err)
	require.True(t, ok)
	assert.InDelta(t, 0.02, be.Spent, 1e-12)
	assert.Equal(t, 0.01, be.Ceiling)
	assert.Equal(t, "agent", be.Unit)
	assert.Equal(t, "tokenspy budget exceeded: spent $0.0200 of $0.0100 budget", err.Error())
	assert.Same(t, be, g.Exceeded())
}

func TestGuard_WarnEmitsAdvisoryAndContinues(t *testing.T) {
	l := ledger.New()
	var advisories []Advisory
	g := Enter(l, 0.01, PolicyWarn, WithUnit("agent"), WithWarner(func(a Advisory) {
		advisories = append(advisories, a)
	}))
	defer g.Exit()

	require.NoError(t, spend(l, 0.005))
	assert.Empty(t, advisories)

	require.NoError(t, spend(l, 0.02))
	require.NoError(t, spend(l, 0.001))

	require.Len(t, advisories, 2)
	assert.InDelta(t, 0.025, advisories[0].Spent, 1e-12)
	assert.InDelta(t, 0.026, advisories[1].Spent, 1e-12)
	assert.Equal(t, "[tokenspy] Budget exceeded in agent: $0.0250 > $0.0100", advisories[0].String())
	assert.NoError(t, g.Exceeded())
}

func TestGuard_ExitDeregisters(t *testing.T) {
	l := ledger.New()
	g := Enter(l, 0, PolicyRaise)
	require.Equal(t, 1, l.ObserverCount())

	g.Exit()
	g.Exit()

	assert.Zero(t, l.ObserverCount())
	assert.False(t, g.Active())
	assert.NoError(t, spend(l, 100))
}

func TestGuard_BaselineIgnoresEarlierSpend(t *testing.T) {
	l := ledger.New()
	require.NoError(t, spend(l, 10))

	g := Enter(l, 1, PolicyRaise)
	defer g.Exit()

	assert.NoError(t, spend(l, 0.5))
	assert.InDelta(t, 0.5, g.Spent(), 1e-12)
}

func TestGuard_NestedGuardsAreIndependent(t *testing.T) {
	l := ledger.New()
	var outerWarnings int
	outer := Enter(l, 1, PolicyWarn, WithWarner(func(Advisory) { outerWarnings++ }))
	defer outer.Exit()

	require.NoError(t, spend(l, 0.9))

	inner := Enter(l, 0.05, PolicyRaise)
	err := spend(l, 0.2)
	inner.Exit()

	assert.True(t, tserrors.IsFatal(err))
	assert.Equal(t, 1, outerWarnings, "outer guard ran before the inner one")
	assert.Equal(t, 1, l.ObserverCount())
}

func TestRun_ReleasesOnEveryPath(t *testing.T) {
	l := ledger.New()

	err := Run(l, 1, PolicyWarn, func() error { return nil })
	assert.NoError(t, err)
	assert.Zero(t, l.ObserverCount())

	boom := errors.New("host failure")
	err = Run(l, 1, PolicyWarn, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, l.ObserverCount())

	assert.Panics(t, func() {
		_ = Run(l, 1, PolicyWarn, func() error { panic("host panic") })
	})
	assert.Zero(t, l.ObserverCount())
}

func TestRun_ReportsSwallowedBudgetError(t *testing.T) {
	l := ledger.New()

	err := Run(l, 0.01, PolicyRaise, func() error {
		_ = spend(l, 1)
		return nil
	})

	assert.True(t, tserrors.IsFatal(err))
	assert.Zero(t, l.ObserverCount())
}

func TestRun_JoinsBudgetErrorWithHostError(t *testing.T) {
	l := ledger.New()
	parse := errors.New("downstream parse failure")

	err := Run(l, 0.01, PolicyRaise, func() error {
		_ = spend(l, 1)
		return parse
	})

	assert.ErrorIs(t, err, parse)
	assert.True(t, tserrors.IsFatal(err))
	_, ok := tserrors.AsBudgetExceeded(err)
	assert.True(t, ok)
}

func TestRun_PropagatedBudgetErrorIsNotDuplicated(t *testing.T) {
	l := ledger.New()

	err := Run(l, 0.01, PolicyRaise, func() error {
		return spend(l, 1)
	})

	be, ok := tserrors.AsBudgetExceeded(err)
	require.True(t, ok)
	assert.Same(t, be, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWarn, p)

	p, err = ParsePolicy("raise")
	require.NoError(t, err)
	assert.Equal(t, PolicyRaise, p)

	_, err = ParsePolicy("explode")
	assert.Error(t, err)
}
