package provider

import (
	"context"
	"strings"
	"time"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/pricing"
	"github.com/vnmchuo/tokenspy/internal/scope"
	"github.com/vnmchuo/tokenspy/internal/stream"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     usage.Provider
	LatencyMs    float64
}

// Provider is a metered, non-streaming chat client.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() usage.Provider
}

// Meter turns provider-reported token counts into usage records.
//
// A zero Meter is usable: it records into the ledger bound to the call's context (or the
// default ledger), prices with the builtin table and attributes to the context's scope.
type Meter struct {
	Recorder usage.Recorder
	Cost     pricing.CostFunc
	Provider usage.Provider
	Now      func() time.Time
}

func (m Meter) recorder(ctx context.Context) usage.Recorder {
	if m.Recorder != nil {
		return m.Recorder
	}
	return ledger.FromContext(ctx)
}

func (m Meter) cost() pricing.CostFunc {
	if m.Cost != nil {
		return m.Cost
	}
	return pricing.Default().Cost
}

func (m Meter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start returns the timestamp to pass to Observe or StreamConfig.
func (m Meter) Start() time.Time {
	return m.now()
}

// Observe records one completed call. The returned error is non-nil only for fatal
// signals such as an exceeded budget.
func (m Meter) Observe(ctx context.Context, model string, inputTokens, outputTokens int, started time.Time) error {
	elapsed := m.now().Sub(started)
	rec := usage.NewRecord(
		scope.From(ctx),
		model,
		m.Provider,
		inputTokens,
		outputTokens,
		m.cost()(model, inputTokens, outputTokens),
		float64(elapsed.Microseconds())/1000,
	)
	if id := scope.GetSessionID(ctx); id != "" {
		rec.SessionID = id
	}
	return m.recorder(ctx).Record(ctx, rec)
}

// StreamConfig prepares an accumulator for a streaming call started at started.
func (m Meter) StreamConfig(ctx context.Context, model string, started time.Time) stream.Config {
	return stream.Config{
		Recorder: sessionRecorder{rec: m.recorder(ctx), session: scope.GetSessionID(ctx)},
		Cost:     m.cost(),
		Scope:    scope.From(ctx),
		Model:    model,
		Provider: m.Provider,
		Start:    started,
		Context:  ctx,
	}
}

type sessionRecorder struct {
	rec     usage.Recorder
	session string
}

func (r sessionRecorder) Record(ctx context.Context, rec usage.Record) error {
	if rec.SessionID == "" {
		rec.SessionID = r.session
	}
	return r.rec.Record(ctx, rec)
}

// ForModel guesses which provider serves model from its name, or ProviderUnknown.
func ForModel(model string) usage.Provider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"), strings.HasPrefix(m, "text-embedding"):
		return usage.ProviderOpenAI
	case strings.HasPrefix(m, "claude"):
		return usage.ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return usage.ProviderGemini
	default:
		return usage.ProviderUnknown
	}
}
