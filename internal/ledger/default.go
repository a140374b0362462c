package ledger

import (
	"context"
	"sync/atomic"
)

var defaultLedger atomic.Pointer[Ledger]

// Default returns the process-wide ledger, creating an in-memory one on first use.
func Default() *Ledger {
	if l := defaultLedger.Load(); l != nil {
		return l
	}
	defaultLedger.CompareAndSwap(nil, New())
	return defaultLedger.Load()
}

// SetDefault replaces the process-wide ledger and returns the previous one.
func SetDefault(l *Ledger) *Ledger {
	return defaultLedger.Swap(l)
}

type contextKey struct{}

// NewContext binds l to ctx so adapters record into it instead of the default ledger.
func NewContext(ctx context.Context, l *Ledger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the ledger bound to ctx, or Default.
func FromContext(ctx context.Context) *Ledger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Ledger); ok && l != nil {
			return l
		}
	}
	return Default()
}
