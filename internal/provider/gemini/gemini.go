package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/stream"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GenerateRequest struct {
	Contents          []Content        `json:"contents"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	GenerationConfig  GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type GenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// UsageMetadata is cumulative: each streamed chunk restates the totals so far.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Chunk is a generateContent response or one streamed piece of one.
type Chunk struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

func (c Chunk) Text() string {
	if len(c.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func UsageOf(c Chunk) (stream.Tokens, bool) {
	if c.UsageMetadata == nil {
		return stream.Tokens{}, false
	}
	return stream.Tokens{
		Input:  c.UsageMetadata.PromptTokenCount,
		Output: c.UsageMetadata.CandidatesTokenCount,
	}, true
}

// Wrap meters a chunk stream. Later usage metadata supersedes earlier metadata.
func Wrap(src stream.Source[Chunk], cfg stream.Config) *stream.Accumulator[Chunk] {
	return stream.WrapTrailing(src, UsageOf, cfg)
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	meter      provider.Meter
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMeter(m provider.Meter) Option {
	return func(c *Client) { c.meter = m }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.meter.Provider = usage.ProviderGemini
	return c
}

func (c *Client) Name() usage.Provider {
	return usage.ProviderGemini
}

func mapRequest(req *provider.Request) GenerateRequest {
	out := GenerateRequest{
		GenerationConfig: GenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	for _, m := range req.Messages {
		part := []Part{{Text: m.Content}}
		switch m.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &Content{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part...)
		case "assistant":
			out.Contents = append(out.Contents, Content{Role: "model", Parts: part})
		default:
			out.Contents = append(out.Contents, Content{Role: "user", Parts: part})
		}
	}
	return out
}

func (c *Client) post(ctx context.Context, model, method string, query url.Values, body GenerateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	query.Set("key", c.apiKey)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?%s", c.baseURL, url.PathEscape(model), method, query.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	started := c.meter.Start()
	resp, err := c.post(ctx, req.Model, "generateContent", url.Values{}, mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk Chunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, err
	}
	if len(chunk.Candidates) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	out := &provider.Response{
		Content:   chunk.Text(),
		Model:     req.Model,
		Provider:  usage.ProviderGemini,
		LatencyMs: float64(c.meter.Start().Sub(started).Microseconds()) / 1000,
	}
	tokens, ok := UsageOf(chunk)
	if !ok {
		return out, nil
	}
	out.InputTokens = tokens.Input
	out.OutputTokens = tokens.Output
	return out, c.meter.Observe(ctx, req.Model, tokens.Input, tokens.Output, started)
}

func (c *Client) Stream(ctx context.Context, req *provider.Request) (*stream.Accumulator[Chunk], error) {
	started := c.meter.Start()
	resp, err := c.post(ctx, req.Model, "streamGenerateContent", url.Values{"alt": {"sse"}}, mapRequest(req))
	if err != nil {
		return nil, err
	}
	src := provider.NewSSEDecoder[Chunk](resp.Body)
	return Wrap(src, c.meter.StreamConfig(ctx, req.Model, started)), nil
}
