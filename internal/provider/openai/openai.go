package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/stream"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const defaultBaseURL = "https://api.openai.com/v1"

type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	Delta        Delta   `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Delta struct {
	Content string `json:"content"`
}

type Completion struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Chunk is one streamed completion chunk. Only the final chunk of a stream requested
// with include_usage carries Usage, and its Choices are empty.
type Chunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Text is the chunk's content delta.
func (c Chunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// UsageOf extracts the usage summary from a chunk.
func UsageOf(c Chunk) (stream.Tokens, bool) {
	if c.Usage == nil {
		return stream.Tokens{}, false
	}
	return stream.Tokens{Input: c.Usage.PromptTokens, Output: c.Usage.CompletionTokens}, true
}

// Wrap meters an existing chunk stream.
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

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMeter sets how calls are recorded. The meter's provider tag is forced to openai.
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
	c.meter.Provider = usage.ProviderOpenAI
	return c
}

func (c *Client) Name() usage.Provider {
	return usage.ProviderOpenAI
}

func mapRequest(req *provider.Request) ChatRequest {
	messages := make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = Message{Role: m.Role, Content: m.Content}
	}
	return ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (c *Client) post(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Complete sends a chat completion and records its usage before returning. A response
// without a usage object is returned unrecorded. A non-nil error with a response means
// the call succeeded but a budget ceiling was crossed.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	started := c.meter.Start()
	resp, err := c.post(ctx, mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion Completion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	out := &provider.Response{
		ID:        completion.ID,
		Content:   completion.Choices[0].Message.Content,
		Model:     completion.Model,
		Provider:  usage.ProviderOpenAI,
		LatencyMs: float64(c.meter.Start().Sub(started).Microseconds()) / 1000,
	}
	if completion.Usage == nil {
		return out, nil
	}
	out.InputTokens = completion.Usage.PromptTokens
	out.OutputTokens = completion.Usage.CompletionTokens
	return out, c.meter.Observe(ctx, req.Model, out.InputTokens, out.OutputTokens, started)
}

// Stream starts a streaming chat completion with usage reporting switched on. The
// returned accumulator records once the caller drains or closes it.
func (c *Client) Stream(ctx context.Context, req *provider.Request) (*stream.Accumulator[Chunk], error) {
	started := c.meter.Start()
	body := mapRequest(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	src := provider.NewSSEDecoder[Chunk](resp.Body)
	return Wrap(src, c.meter.StreamConfig(ctx, req.Model, started)), nil
}
