// Package proxy is the metering gateway: it forwards chat completions to the configured
// providers, records their usage in a ledger and serves the ledger over HTTP.
package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/tokenspy/internal/budget"
	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/scope"
	"github.com/vnmchuo/tokenspy/internal/usage"
	"github.com/vnmchuo/tokenspy/pkg/ratelimit"
	tserrors "github.com/vnmchuo/tokenspy/pkg/errors"
)

// DefaultFunction is the unit completions are attributed to when the caller sends no
// X-Tokenspy-Function header.
const DefaultFunction = "gateway"

const defaultRecordLimit = 100

type Handler struct {
	router  *Router
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

// NewHandler serves l. limiter may be nil to disable rate limiting.
func NewHandler(router *Router, l *ledger.Ledger, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:  router,
		ledger:  l,
		limiter: limiter,
		tracer:  tracer,
	}
}

type completionRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleComplete forwards one completion. Each request gets its own ledger whose records
// are forwarded to the server ledger, so an X-Tokenspy-Budget ceiling only counts this
// request's spend.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ceiling := -1.0
	if v := r.Header.Get(HeaderBudget); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+HeaderBudget+" header")
			return
		}
		ceiling = f
	}

	function := r.Header.Get(HeaderFunction)
	if function == "" {
		function = DefaultFunction
	}
	session := scope.GetSessionID(ctx)

	ctx, span := h.tracer.Start(ctx, "gateway.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", GetRequestID(ctx)),
		attribute.String("llm.unit", function),
		attribute.String("llm.model", body.Model),
	)

	estimatedTokens := body.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, session, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	p, err := h.router.Route(body.Model)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	local := ledger.New()
	local.AddObserver(func(rec usage.Record) error {
		return h.ledger.Record(ctx, rec)
	})
	if ceiling >= 0 {
		guard := budget.Enter(local, ceiling, budget.PolicyRaise, budget.WithUnit(function))
		defer guard.Exit()
	}
	callCtx := scope.Enter(ledger.NewContext(ctx, local), function)

	req := &provider.Request{
		Model:       body.Model,
		Messages:    body.Messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	}
	resp, err := h.router.Execute(callCtx, req, p)
	if err != nil && !tserrors.IsFatal(err) {
		span.RecordError(err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	cost := local.TotalCost()
	span.SetAttributes(attribute.Float64("llm.cost_usd", cost))
	if be, ok := tserrors.AsBudgetExceeded(err); ok {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":       be.Error(),
			"spent_usd":   be.Spent,
			"ceiling_usd": be.Ceiling,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       resp.ID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
			"cost_usd":          cost,
		},
	})
}

// window returns the records in [from, to]. Without parameters the window is the last
// 30 days.
func (h *Handler) window(w http.ResponseWriter, r *http.Request) ([]usage.Record, time.Time, time.Time, bool) {
	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid '"+p.name+"' date format (use RFC3339)")
			return nil, from, to, false
		}
		*p.dst = t
	}

	var out []usage.Record
	for _, rec := range h.ledger.Records() {
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, from, to, true
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	records, from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": ledger.Summarize(records),
		"from":    from,
		"to":      to,
	})
}

// HandleRecords returns the newest records in the window, oldest first.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = n
	}

	records, _, _, ok := h.window(w, r)
	if !ok {
		return
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []usage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func (h *Handler) HandleFunctions(w http.ResponseWriter, r *http.Request) {
	h.breakdown(w, r, ledger.ByFunction)
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	h.breakdown(w, r, ledger.ByModel)
}

func (h *Handler) breakdown(w http.ResponseWriter, r *http.Request, key func(usage.Record) string) {
	records, _, _, ok := h.window(w, r)
	if !ok {
		return
	}
	shares := ledger.CostBy(records, key)
	if shares == nil {
		shares = []ledger.Share{}
	}
	writeJSON(w, http.StatusOK, shares)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "tokenspy",
		"providers": h.router.State(),
	})
}
