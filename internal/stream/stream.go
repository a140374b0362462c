package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/vnmchuo/tokenspy/internal/pricing"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

// Source is a pull iterator over stream elements. It matches the shape of the
// anthropic-sdk-go ssestream.Stream so SDK streams can be wrapped directly.
type Source[E any] interface {
	Next() bool
	Current() E
	Err() error
	Close() error
}

// Config describes where a finished stream's usage is recorded and how it is attributed.
type Config struct {
	Recorder usage.Recorder
	Cost     pricing.CostFunc
	Scope    usage.Scope
	Model    string
	Provider usage.Provider
	// Start is when the request was issued; defaults to the time New is called.
	Start time.Time
	// Context is passed to the recorder with its cancellation removed.
	Context context.Context
}

// Accumulator wraps a Source, passing every element through unchanged while a Tally
// watches for usage. When the stream ends, by exhaustion or by Close, exactly one record
// is emitted, or none if the stream never reported usage.
//
// An Accumulator is itself a Source.
type Accumulator[E any] struct {
	src   Source[E]
	tally Tally[E]
	cfg   Config

	once     sync.Once
	fatal    error
	closeErr error
	closed   bool
}

func New[E any](src Source[E], tally Tally[E], cfg Config) *Accumulator[E] {
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Cost == nil {
		cfg.Cost = pricing.Default().Cost
	}
	return &Accumulator[E]{src: src, tally: tally, cfg: cfg}
}

// Next advances the stream. When the underlying source is exhausted the accumulator
// finalizes before returning false.
func (a *Accumulator[E]) Next() bool {
	if a.closed {
		return false
	}
	if a.src.Next() {
		a.tally.Observe(a.src.Current())
		return true
	}
	a.Finalize()
	return false
}

func (a *Accumulator[E]) Current() E {
	return a.src.Current()
}

// Err returns the source's error, or the fatal error raised while recording usage.
func (a *Accumulator[E]) Err() error {
	if err := a.src.Err(); err != nil {
		return err
	}
	return a.fatal
}

// Close finalizes and closes the underlying source. It is safe to call more than once.
func (a *Accumulator[E]) Close() error {
	fatal := a.Finalize()
	if !a.closed {
		a.closed = true
		a.closeErr = a.src.Close()
	}
	if fatal != nil {
		return fatal
	}
	return a.closeErr
}

// Finalize emits the usage record if it has not been emitted yet. Only the first call
// does anything; later calls return the first call's result.
func (a *Accumulator[E]) Finalize() error {
	a.once.Do(func() {
		tokens, ok := a.tally.Usage()
		if !ok || a.cfg.Recorder == nil {
			return
		}
		rec := usage.NewRecord(
			a.cfg.Scope,
			a.cfg.Model,
			a.cfg.Provider,
			tokens.Input,
			tokens.Output,
			a.cfg.Cost(a.cfg.Model, tokens.Input, tokens.Output),
			float64(time.Since(a.cfg.Start).Microseconds())/1000,
		)
		a.fatal = a.cfg.Recorder.Record(context.WithoutCancel(a.cfg.Context), rec)
	})
	return a.fatal
}

// Usage reports the counters seen so far.
func (a *Accumulator[E]) Usage() (Tokens, bool) {
	return a.tally.Usage()
}

// All returns a range-over-func view of the stream. Breaking out of the loop closes the
// accumulator, which still records usage seen up to that point.
func (a *Accumulator[E]) All() iter.Seq[E] {
	return func(yield func(E) bool) {
		defer a.Close()
		for a.Next() {
			if !yield(a.Current()) {
				return
			}
		}
	}
}

// WrapTrailing is New with the trailing-summary tally.
func WrapTrailing[E any](src Source[E], usageOf func(E) (Tokens, bool), cfg Config) *Accumulator[E] {
	return New(src, TrailingSummary(usageOf), cfg)
}

// WrapTyped is New with the typed-event tally.
func WrapTyped[E any](src Source[E], phaseOf func(E) (Phase, int, bool), cfg Config) *Accumulator[E] {
	return New(src, TypedEvents(phaseOf), cfg)
}
