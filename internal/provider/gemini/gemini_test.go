package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/scope"
)

func TestComplete_RecordsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var body GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.NotNil(t, body.SystemInstruction) {
			assert.Equal(t, "be terse", body.SystemInstruction.Parts[0].Text)
		}
		assert.Equal(t, "model", body.Contents[1].Role)

		resp := Chunk{
			Candidates:    []Candidate{{Content: Content{Role: "model", Parts: []Part{{Text: "Hello from Gemini"}}}}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 20, TotalTokenCount: 30},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	l := ledger.New()
	c := New("test-key", WithBaseURL(server.URL), WithMeter(provider.Meter{Recorder: l}))

	resp, err := c.Complete(scope.Enter(context.Background(), "answer"), &provider.Request{
		Model: "gemini-1.5-flash",
		Messages: []provider.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from Gemini", resp.Content)

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "answer", records[0].Unit)
	assert.Equal(t, 10, records[0].InputTokens)
	assert.Equal(t, 20, records[0].OutputTokens)
}

func TestComplete_WithoutUsageMetadataIsNotRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`)
	}))
	defer server.Close()

	l := ledger.New()
	c := New("test-key", WithBaseURL(server.URL), WithMeter(provider.Meter{Recorder: l}))

	resp, err := c.Complete(context.Background(), &provider.Request{
		Model:    "gemini-1.5-flash",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Empty(t, l.Records())
}

func TestStream_LastUsageMetadataWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []Chunk{
			{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "Hello"}}}}}, UsageMetadata: &UsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 10}},
			{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: " from"}}}}}},
			{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: " Gemini"}}}}}, UsageMetadata: &UsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 50}},
		}
		for _, chunk := range chunks {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\r\n\r\n", data)
		}
	}))
	defer server.Close()

	l := ledger.New()
	c := New("k", WithBaseURL(server.URL), WithMeter(provider.Meter{Recorder: l}))

	acc, err := c.Stream(context.Background(), &provider.Request{Model: "gemini-1.5-pro"})
	require.NoError(t, err)

	var content string
	for acc.Next() {
		content += acc.Current().Text()
	}
	require.NoError(t, acc.Err())

	assert.Equal(t, "Hello from Gemini", content)
	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 100, records[0].InputTokens)
	assert.Equal(t, 50, records[0].OutputTokens)
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer server.Close()

	c := New("k", WithBaseURL(server.URL), WithMeter(provider.Meter{Recorder: ledger.New()}))
	_, err := c.Complete(context.Background(), &provider.Request{Model: "gemini-pro"})
	assert.ErrorContains(t, err, "status 403")
}
