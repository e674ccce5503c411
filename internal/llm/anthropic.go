package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic completes prompts through the Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
	opts   options
}

func NewAnthropic(baseURL, apiKey, model string, opts ...Option) *Anthropic {
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))
	client := anthropic.NewClient(reqOpts...)

	o := buildOptions(opts)
	if o.maxTokens <= 0 {
		o.maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{client: &client, model: model, opts: o}
}

func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.opts.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.opts.temperature > 0 {
		params.Temperature = anthropic.Float(a.opts.temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "completion request failed", goerr.V("model", a.model))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
