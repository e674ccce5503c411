package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAI completes prompts through the Responses API.
type OpenAI struct {
	client *openai.Client
	model  string
	opts   options
}

func NewOpenAI(baseURL, apiKey, model string, opts ...Option) *OpenAI {
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
	client := openai.NewClient(reqOpts...)
	return &OpenAI{client: &client, model: model, opts: buildOptions(opts)}
}

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(o.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
	}
	if o.opts.temperature > 0 {
		params.Temperature = openai.Float(o.opts.temperature)
	}
	if o.opts.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(o.opts.maxTokens))
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "completion request failed", goerr.V("model", o.model))
	}
	if resp.Status == responses.ResponseStatusFailed {
		return "", goerr.New("completion failed", goerr.V("model", o.model), goerr.V("reason", resp.Error.Message))
	}
	return strings.TrimSpace(resp.OutputText()), nil
}
