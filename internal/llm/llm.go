// Package llm wraps completion services behind a single prompt-in,
// text-out contract.
package llm

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/config"
)

// Completer sends one prompt and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// FromConfig builds the completer for one [llm.<name>] entry.
func FromConfig(cfg *config.LLMConfig) (Completer, error) {
	if cfg == nil {
		return nil, goerr.New("llm config is nil")
	}
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model,
			WithTemperature(cfg.Temperature),
			WithMaxTokens(cfg.MaxTokens),
		), nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.BaseURL, cfg.APIKey, cfg.Model,
			WithTemperature(cfg.Temperature),
			WithMaxTokens(cfg.MaxTokens),
		), nil
	default:
		return nil, goerr.New("unknown llm provider", goerr.V("provider", cfg.Provider))
	}
}

type options struct {
	temperature float64
	maxTokens   int
}

type Option func(*options)

// WithTemperature sets the sampling temperature. Zero keeps the service default.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
