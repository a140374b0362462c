package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/usage"
	"github.com/vnmchuo/tokenspy/pkg/ratelimit"
)

type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func setupTest(providers []provider.Provider, limiterAllowed bool) (http.Handler, *ledger.Ledger) {
	l := ledger.New()
	limiter := ratelimit.NewWithStore(&mockLimiterStore{allowed: limiterAllowed})
	h := NewHandler(NewRouter(providers), l, limiter, noop.NewTracerProvider().Tracer("test"))
	return h.Routes(http.NotFoundHandler()), l
}

func completion(t *testing.T, model string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": 100,
		"messages":   []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	srv, _ := setupTest(nil, true)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, "invalid request body", resp["error"])
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestHandleComplete_RateLimited(t *testing.T) {
	srv, _ := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, false)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, completion(t, "gpt-4o"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	srv, _ := setupTest(nil, true)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, completion(t, "gpt-4o"))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleComplete_RecordsUsage(t *testing.T) {
	srv, l := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, true)
	req := completion(t, "gpt-4o")
	req.Header.Set(HeaderFunction, "summarize")
	req.Header.Set(HeaderSession, "sess-1")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Model    string `json:"model"`
		Provider string `json:"provider"`
		Choices  []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int     `json:"total_tokens"`
			CostUSD     float64 `json:"cost_usd"`
		} `json:"usage"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "openai", resp.Provider)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "mock", resp.Choices[0].Message.Content)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.03, resp.Usage.CostUSD, 1e-12)

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "summarize", records[0].Unit)
	assert.Equal(t, "sess-1", records[0].SessionID)
	assert.Equal(t, usage.ProviderOpenAI, records[0].Provider)
}

func TestHandleComplete_BudgetExceeded(t *testing.T) {
	srv, l := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, true)
	req := completion(t, "gpt-4o")
	req.Header.Set(HeaderBudget, "0.01")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp map[string]any
	decode(t, w, &resp)
	assert.Contains(t, resp["error"], "budget exceeded")
	assert.Equal(t, 1, l.TotalCalls(), "usage is recorded even when the budget trips")
}

func TestHandleComplete_BudgetCountsOnlyThisRequest(t *testing.T) {
	srv, l := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, true)
	require.NoError(t, l.Record(context.Background(),
		usage.NewRecord(usage.NewScope("earlier"), "gpt-4o", usage.ProviderOpenAI, 1, 1, 50, 1)))

	req := completion(t, "gpt-4o")
	req.Header.Set(HeaderBudget, "0.05")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleComplete_InvalidBudgetHeader(t *testing.T) {
	srv, _ := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, true)
	req := completion(t, "gpt-4o")
	req.Header.Set(HeaderBudget, "lots")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seeded(t *testing.T) (http.Handler, *ledger.Ledger) {
	t.Helper()
	srv, l := setupTest(nil, true)
	for _, rec := range []usage.Record{
		usage.NewRecord(usage.NewScope("summarize"), "gpt-4o", usage.ProviderOpenAI, 100, 50, 0.3, 10),
		usage.NewRecord(usage.NewScope("classify"), "claude-3-haiku", usage.ProviderAnthropic, 10, 5, 0.1, 10),
		usage.NewRecord(usage.NewScope("summarize"), "gpt-4o", usage.ProviderOpenAI, 100, 50, 0.3, 10),
	} {
		require.NoError(t, l.Record(context.Background(), rec))
	}
	return srv, l
}

func TestHandleUsage(t *testing.T) {
	srv, _ := seeded(t)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Summary ledger.Summary `json:"summary"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 3, resp.Summary.TotalCalls)
	assert.InDelta(t, 0.7, resp.Summary.TotalCostUSD, 1e-9)
	require.Len(t, resp.Summary.ByFunction, 2)
	assert.Equal(t, "summarize", resp.Summary.ByFunction[0].Key)
}

func TestHandleUsage_WindowExcludesOldRecords(t *testing.T) {
	srv, _ := seeded(t)
	from := time.Now().Add(time.Hour).Format(time.RFC3339)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage?from="+from, nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Summary ledger.Summary `json:"summary"`
	}
	decode(t, w, &resp)
	assert.Zero(t, resp.Summary.TotalCalls)
}

func TestHandleUsage_InvalidDate(t *testing.T) {
	srv, _ := seeded(t)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage?to=yesterday", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecords_Limit(t *testing.T) {
	srv, _ := seeded(t)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/records?limit=2", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count   int            `json:"count"`
		Records []usage.Record `json:"records"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "classify", resp.Records[0].Unit)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/records?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBreakdowns(t *testing.T) {
	srv, _ := seeded(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var shares []ledger.Share
	decode(t, w, &shares)
	require.Len(t, shares, 2)
	assert.Equal(t, "gpt-4o", shares[0].Key)
	assert.InDelta(t, 0.6, shares[0].CostUSD, 1e-9)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/functions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &shares)
	assert.Equal(t, "summarize", shares[0].Key)
}

func TestHealthz(t *testing.T) {
	srv, _ := setupTest([]provider.Provider{newMock(usage.ProviderOpenAI)}, true)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "closed", resp.Providers["openai"])
}
