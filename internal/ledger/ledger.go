package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vnmchuo/tokenspy/internal/billing"
	"github.com/vnmchuo/tokenspy/internal/usage"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

// DefaultWriteTimeout bounds a single durable write.
const DefaultWriteTimeout = 5 * time.Second

// Observer is notified of every record after it has been appended. A non-nil error is
// discarded unless errors.IsFatal reports true, in which case it aborts the remaining
// observers and is returned from Record.
type Observer func(rec usage.Record) error

// ObserverID identifies a registration so it can be removed later.
type ObserverID uint64

type observerEntry struct {
	id ObserverID
	fn Observer
}

// Ledger is an append-only, concurrency-safe sequence of usage records with an optional
// durable log and a list of observers.
type Ledger struct {
	mu      sync.Mutex
	records []usage.Record

	obsMu     sync.Mutex
	observers []observerEntry
	nextID    ObserverID

	store        billing.Store
	revision     string
	sessionID    string
	writeTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Ledger)

// WithStore enables the durable log. Stores are wrapped in a billing.Breaker unless they
// already are one.
func WithStore(store billing.Store) Option {
	return func(l *Ledger) {
		if store == nil {
			l.store = nil
			return
		}
		if _, ok := store.(*billing.Breaker); !ok {
			store = billing.NewBreaker(store, billing.DefaultBreakerSettings)
		}
		l.store = store
	}
}

// WithRevision stamps every record that has no revision of its own.
func WithRevision(revision string) Option {
	return func(l *Ledger) { l.revision = revision }
}

// WithSessionID stamps every record that has no session of its own.
func WithSessionID(id string) Option {
	return func(l *Ledger) { l.sessionID = id }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open returns a ledger over store whose in-memory sequence is seeded from the durable
// log. Seeded records are neither written back nor sent to observers.
func Open(ctx context.Context, store billing.Store, opts ...Option) *Ledger {
	l := New(append(opts, WithStore(store))...)
	history := l.LoadHistory(ctx)

	l.mu.Lock()
	l.records = history
	l.mu.Unlock()
	return l
}

// Store returns the configured durable log, or nil.
func (l *Ledger) Store() billing.Store {
	return l.store
}

func (l *Ledger) Revision() string {
	return l.revision
}

func (l *Ledger) SessionID() string {
	return l.sessionID
}

// Record appends rec, writes it to the durable log if one is configured, then notifies
// observers in registration order. It returns an error only when an observer signals a
// fatal condition; every other failure is absorbed.
func (l *Ledger) Record(ctx context.Context, rec usage.Record) error {
	rec = rec.Clone()
	if rec.Revision == "" {
		rec.Revision = l.revision
	}
	if rec.SessionID == "" {
		rec.SessionID = l.sessionID
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	if l.store != nil {
		l.persist(ctx, rec)
	}

	return l.notify(rec)
}

func (l *Ledger) persist(ctx context.Context, rec usage.Record) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Debug("usage record not persisted",
			"error", tserrors.NewInstrumentationError("persist", err))
	}
}

func (l *Ledger) notify(rec usage.Record) error {
	l.obsMu.Lock()
	snapshot := make([]observerEntry, len(l.observers))
	copy(snapshot, l.observers)
	l.obsMu.Unlock()

	for _, entry := range snapshot {
		if err := l.invoke(entry, rec); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one observer and returns its error only if the error is fatal.
func (l *Ledger) invoke(entry observerEntry, rec usage.Record) (fatal error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && tserrors.IsFatal(err) {
			fatal = err
			return
		}
		l.logger.Debug("observer panicked",
			"observer", entry.id,
			"error", tserrors.NewInstrumentationError("observer", fmt.Errorf("panic: %v", r)))
	}()

	err := entry.fn(rec.Clone())
	if err == nil {
		return nil
	}
	if tserrors.IsFatal(err) {
		return err
	}
	l.logger.Debug("observer failed",
		"observer", entry.id,
		"error", tserrors.NewInstrumentationError("observer", err))
	return nil
}

// AddObserver registers fn and returns a token for RemoveObserver.
func (l *Ledger) AddObserver(fn Observer) ObserverID {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()

	l.nextID++
	id := l.nextID
	l.observers = append(l.observers, observerEntry{id: id, fn: fn})
	return id
}

// RemoveObserver unregisters id. Removing an unknown id is a no-op that returns false.
func (l *Ledger) RemoveObserver(id ObserverID) bool {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()

	for i, entry := range l.observers {
		if entry.id == id {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Ledger) HasObserver(id ObserverID) bool {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()

	for _, entry := range l.observers {
		if entry.id == id {
			return true
		}
	}
	return false
}

func (l *Ledger) ObserverCount() int {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	return len(l.observers)
}

// Records returns a point-in-time copy of the sequence.
func (l *Ledger) Records() []usage.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]usage.Record, len(l.records))
	for i, rec := range l.records {
		out[i] = rec.Clone()
	}
	return out
}

// Reset clears the in-memory sequence. The durable log is untouched.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}

// LoadHistory reads the durable log in ascending timestamp order. Any failure yields an
// empty result.
func (l *Ledger) LoadHistory(ctx context.Context) []usage.Record {
	if l.store == nil {
		return nil
	}
	records, err := l.store.Load(ctx)
	if err != nil {
		l.logger.Debug("usage history unavailable",
			"error", tserrors.NewInstrumentationError("load", err))
		return nil
	}
	return records
}
