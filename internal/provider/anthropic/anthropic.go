package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/stream"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const defaultMaxTokens = 1024

// Event is a Messages API stream event.
type Event = sdk.MessageStreamEventUnion

// PhaseOf classifies a stream event: message_start carries input tokens, message_delta
// carries the cumulative output count and message_stop ends accounting.
func PhaseOf(ev Event) (stream.Phase, int, bool) {
	switch ev.Type {
	case "message_start":
		return stream.PhaseStart, int(ev.Message.Usage.InputTokens), true
	case "message_delta":
		return stream.PhaseProgress, int(ev.Usage.OutputTokens), true
	case "message_stop":
		return stream.PhaseStop, 0, false
	default:
		return stream.PhaseOther, 0, false
	}
}

// Wrap meters an event stream, for example one returned by the SDK's
// Messages.NewStreaming.
func Wrap(src stream.Source[Event], cfg stream.Config) *stream.Accumulator[Event] {
	return stream.WrapTyped(src, PhaseOf, cfg)
}

// TextOf returns the text carried by a content_block_delta event.
func TextOf(ev Event) string {
	if ev.Type != "content_block_delta" {
		return ""
	}
	return ev.Delta.Text
}

// Client is a metered Messages API client.
type Client struct {
	sdk   sdk.Client
	meter provider.Meter
}

// New builds a client. opts are passed to the SDK (API key, base URL, HTTP client).
func New(meter provider.Meter, opts ...option.RequestOption) *Client {
	meter.Provider = usage.ProviderAnthropic
	return &Client{sdk: sdk.NewClient(opts...), meter: meter}
}

func (c *Client) Name() usage.Provider {
	return usage.ProviderAnthropic
}

// New sends a message and records its usage. As with the other clients, a non-nil error
// alongside a message means a budget ceiling was crossed.
func (c *Client) New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	started := c.meter.Start()
	msg, err := c.sdk.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, err
	}
	return msg, c.meter.Observe(ctx, string(params.Model),
		int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens), started)
}

// NewStreaming starts a streaming message. The accumulator records once it is drained
// or closed.
func (c *Client) NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *stream.Accumulator[Event] {
	started := c.meter.Start()
	src := c.sdk.Messages.NewStreaming(ctx, params, opts...)
	return Wrap(src, c.meter.StreamConfig(ctx, string(params.Model), started))
}

// Complete adapts a provider.Request to the Messages API. System messages become the
// system prompt.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	started := c.meter.Start()
	msg, err := c.New(ctx, mapRequest(req))
	if msg == nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if len(msg.Content) == 0 {
		return nil, errors.Join(fmt.Errorf("anthropic api returned no content"), err)
	}

	return &provider.Response{
		ID:           msg.ID,
		Content:      text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Model:        string(msg.Model),
		Provider:     usage.ProviderAnthropic,
		LatencyMs:    float64(c.meter.Start().Sub(started).Microseconds()) / 1000,
	}, err
}

func mapRequest(req *provider.Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return params
}
