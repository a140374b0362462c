// Package langchain records usage reported through framework callbacks, where the
// provider's response arrives as a loosely typed llm_output map.
package langchain

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const unknownModel = "unknown"

// Handler tracks in-flight runs by ID. It is safe for concurrent use.
type Handler struct {
	meter provider.Meter

	mu     sync.Mutex
	starts map[string]time.Time
}

func NewHandler(meter provider.Meter) *Handler {
	meter.Provider = usage.ProviderLangChain
	return &Handler{meter: meter, starts: make(map[string]time.Time)}
}

func (h *Handler) OnLLMStart(runID string) {
	h.mu.Lock()
	h.starts[runID] = h.meter.Start()
	h.mu.Unlock()
}

// OnLLMEnd records the run. Runs that never started, or that failed, are ignored.
func (h *Handler) OnLLMEnd(ctx context.Context, runID string, llmOutput map[string]any) error {
	h.mu.Lock()
	started, ok := h.starts[runID]
	delete(h.starts, runID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	model := firstString(llmOutput, "model_name", "model")
	if model == "" {
		model = unknownModel
	}

	counts, _ := llmOutput["token_usage"].(map[string]any)
	if len(counts) == 0 {
		counts, _ = llmOutput["usage"].(map[string]any)
	}
	in := firstInt(counts, "prompt_tokens", "input_tokens")
	out := firstInt(counts, "completion_tokens", "output_tokens")

	return h.meter.Observe(ctx, model, in, out, started)
}

func (h *Handler) OnLLMError(runID string) {
	h.mu.Lock()
	delete(h.starts, runID)
	h.mu.Unlock()
}

// Pending is the number of started runs that have not ended.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if n := toInt(m[k]); n > 0 {
			return n
		}
	}
	return 0
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
