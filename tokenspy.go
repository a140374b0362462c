// Package tokenspy attributes LLM token usage and cost to the units of work that caused
// it.
//
// Wrap work in Profile to name it, make provider calls through the adapters under
// internal/provider with the returned context, and read the totals back with Stats or
// Report:
//
//	err := tokenspy.Profile(ctx, "summarize", func(ctx context.Context) error {
//		_, err := client.Complete(ctx, req)
//		return err
//	}, tokenspy.WithBudget(0.50), tokenspy.OnExceeded(tokenspy.PolicyRaise))
package tokenspy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vnmchuo/tokenspy/internal/billing"
	"github.com/vnmchuo/tokenspy/internal/budget"
	"github.com/vnmchuo/tokenspy/internal/gitrev"
	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/report"
	"github.com/vnmchuo/tokenspy/internal/scope"
	"github.com/vnmchuo/tokenspy/internal/usage"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

const Version = "0.1.1"

type (
	Record              = usage.Record
	Summary             = ledger.Summary
	Share               = ledger.Share
	Ledger              = ledger.Ledger
	Policy              = budget.Policy
	Advisory            = budget.Advisory
	BudgetExceededError = tserrors.BudgetExceededError
)

const (
	PolicyWarn  = budget.PolicyWarn
	PolicyRaise = budget.PolicyRaise
)

// Options configures the process-wide ledger.
type Options struct {
	// Persist appends every record to a SQLite file under PersistDir.
	Persist bool
	// PersistDir defaults to ~/.tokenspy.
	PersistDir string
	// TrackGit stamps records with the short revision of the working directory's HEAD.
	TrackGit bool
	// Store overrides Persist with any durable log.
	Store  billing.Store
	Logger *slog.Logger
}

// Init replaces the process-wide ledger. Records already on the previous ledger are not
// carried over.
func Init(ctx context.Context, opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lopts := []ledger.Option{ledger.WithLogger(logger)}

	store := opts.Store
	if store == nil && opts.Persist {
		dir := opts.PersistDir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home directory: %w", err)
			}
			dir = filepath.Join(home, ".tokenspy")
		}
		store = billing.NewSQLiteStore(filepath.Join(dir, "usage.db"), billing.WithLogger(logger))
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init usage store: %w", err)
		}
		lopts = append(lopts, ledger.WithStore(store))
	}

	if opts.TrackGit {
		if rev := gitrev.CurrentOrEmpty(ctx, ""); rev != "" {
			lopts = append(lopts, ledger.WithRevision(rev))
		}
	}

	l := ledger.New(lopts...)
	ledger.SetDefault(l)
	return l, nil
}

type profileConfig struct {
	ceiling *float64
	policy  Policy
	warner  budget.Warner
}

type ProfileOption func(*profileConfig)

// WithBudget caps the USD spent while the profiled function runs.
func WithBudget(usd float64) ProfileOption {
	return func(c *profileConfig) { c.ceiling = &usd }
}

// OnExceeded selects what happens when the budget is crossed; the default is PolicyWarn.
func OnExceeded(p Policy) ProfileOption {
	return func(c *profileConfig) { c.policy = p }
}

// OnAdvisory receives PolicyWarn advisories instead of the default slog warning.
func OnAdvisory(fn func(Advisory)) ProfileOption {
	return func(c *profileConfig) { c.warner = fn }
}

// Profile runs fn as the unit of work name. Calls made with the context passed to fn are
// attributed to name, nested inside whatever unit ctx already carries.
//
// With a budget under PolicyRaise, Profile returns the BudgetExceededError even if fn
// discarded it.
func Profile(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...ProfileOption) error {
	cfg := profileConfig{policy: PolicyWarn}
	for _, opt := range opts {
		opt(&cfg)
	}

	inner := scope.Enter(ctx, name)
	if cfg.ceiling == nil {
		return fn(inner)
	}
	return budget.Run(ledger.FromContext(ctx), *cfg.ceiling, cfg.policy,
		func() error { return fn(inner) },
		budget.WithUnit(name), budget.WithWarner(cfg.warner))
}

// Session collects calls on a ledger of its own, tagged with a fresh session ID.
type Session struct {
	Name   string
	ID     string
	ledger *ledger.Ledger
}

func NewSession(name string) *Session {
	if name == "" {
		name = "session"
	}
	id := uuid.New().String()
	return &Session{
		Name:   name,
		ID:     id,
		ledger: ledger.New(ledger.WithSessionID(id)),
	}
}

// Context binds the session to ctx. Calls made with the result are recorded on the
// session's ledger under the session's name.
func (s *Session) Context(ctx context.Context) context.Context {
	ctx = ledger.NewContext(ctx, s.ledger)
	ctx = scope.WithSessionID(ctx, s.ID)
	return scope.Enter(ctx, s.Name)
}

func (s *Session) Ledger() *Ledger { return s.ledger }

func (s *Session) Cost() float64 { return s.ledger.TotalCost() }

// CostString formats Cost as dollars with four decimals.
func (s *Session) CostString() string { return fmt.Sprintf("$%.4f", s.Cost()) }

func (s *Session) Tokens() int { return s.ledger.TotalTokens() }

func (s *Session) Calls() int { return s.ledger.TotalCalls() }

func (s *Session) Summary() Summary { return s.ledger.Summary() }

func (s *Session) Records() []Record { return s.ledger.Records() }

// Stats summarizes the process-wide ledger.
func Stats() Summary {
	return ledger.Default().Summary()
}

// Reset clears the process-wide ledger's in-memory records. The durable log is untouched.
func Reset() {
	ledger.Default().Reset()
}

// Report renders the process-wide ledger as "text" or "html".
func Report(w io.Writer, format string) error {
	return report.Render(w, format, Stats())
}
