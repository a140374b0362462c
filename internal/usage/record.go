package usage

import (
	"context"
	"time"
)

// Provider tags where a record's usage came from. The set is open.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderLangChain Provider = "langchain"
	ProviderUnknown   Provider = "unknown"
)

// UnknownUnit is the unit name used when no scope is active.
const UnknownUnit = "<unknown>"

// Record is one accounted unit of provider usage.
//
// Record is a value type; the ledger keeps its own copy and hands out copies, so a record
// is never mutated once appended.
type Record struct {
	Unit         string    `json:"function"`
	CallPath     []string  `json:"call_stack"`
	Model        string    `json:"model"`
	Provider     Provider  `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   float64   `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	Revision     string    `json:"git_commit,omitempty"`
}

// NewRecord builds a record attributed to scope, stamped with the current time.
// Negative counters, costs and durations are clamped to zero.
func NewRecord(scope Scope, model string, provider Provider, inputTokens, outputTokens int, costUSD, durationMs float64) Record {
	if provider == "" {
		provider = ProviderUnknown
	}
	return Record{
		Unit:         scope.Unit(),
		CallPath:     scope.CallPath(),
		Model:        model,
		Provider:     provider,
		InputTokens:  max(inputTokens, 0),
		OutputTokens: max(outputTokens, 0),
		CostUSD:      max(costUSD, 0),
		DurationMs:   max(durationMs, 0),
		Timestamp:    time.Now(),
	}
}

// TotalTokens is always the sum of input and output tokens.
func (r Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	if r.CallPath != nil {
		path := make([]string, len(r.CallPath))
		copy(path, r.CallPath)
		r.CallPath = path
	}
	return r
}

// Recorder accepts finished records. *ledger.Ledger implements it.
//
// Record returns a non-nil error only for fatal control-flow signals; instrumentation
// failures are absorbed by the implementation.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}
