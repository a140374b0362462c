package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

// Store is the durable log of usage records.
//
// Implementations open a fresh connection for every call and hold no state between calls,
// so a Store is safe for concurrent use.
type Store interface {
	// Init creates the log if it does not exist.
	Init(ctx context.Context) error
	// Append writes one record.
	Append(ctx context.Context, rec usage.Record) error
	// Load returns every readable record in ascending timestamp order. Rows that cannot be
	// decoded are skipped.
	Load(ctx context.Context) ([]usage.Record, error)
}

// Table is the name of the relational usage table.
const Table = "llm_calls"

type options struct {
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger used to report skipped rows.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// row is the column-level form of a record shared by every backend.
type row struct {
	Function     string
	CallStack    string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMs   float64
	Timestamp    float64
	SessionID    *string
	Revision     *string
}

func toRow(rec usage.Record) (row, error) {
	path := rec.CallPath
	if path == nil {
		path = []string{}
	}
	stack, err := json.Marshal(path)
	if err != nil {
		return row{}, fmt.Errorf("failed to encode call stack: %w", err)
	}
	r := row{
		Function:     rec.Unit,
		CallStack:    string(stack),
		Model:        rec.Model,
		Provider:     string(rec.Provider),
		InputTokens:  int64(rec.InputTokens),
		OutputTokens: int64(rec.OutputTokens),
		CostUSD:      rec.CostUSD,
		DurationMs:   rec.DurationMs,
		Timestamp:    toEpoch(rec.Timestamp),
	}
	if rec.SessionID != "" {
		r.SessionID = &rec.SessionID
	}
	if rec.Revision != "" {
		r.Revision = &rec.Revision
	}
	return r, nil
}

func (r row) record() (usage.Record, error) {
	var path []string
	if err := json.Unmarshal([]byte(r.CallStack), &path); err != nil {
		return usage.Record{}, fmt.Errorf("invalid call_stack: %w", err)
	}
	rec := usage.Record{
		Unit:         r.Function,
		CallPath:     path,
		Model:        r.Model,
		Provider:     usage.Provider(r.Provider),
		InputTokens:  int(r.InputTokens),
		OutputTokens: int(r.OutputTokens),
		CostUSD:      r.CostUSD,
		DurationMs:   r.DurationMs,
		Timestamp:    fromEpoch(r.Timestamp),
	}
	if r.SessionID != nil {
		rec.SessionID = *r.SessionID
	}
	if r.Revision != nil {
		rec.Revision = *r.Revision
	}
	return rec, nil
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3)
}
