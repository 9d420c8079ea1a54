package llm

import (
	"context"
	"fmt"
)

// Client is the interface the reasoning loop calls for completions
type Client interface {
	// Complete makes a completion call
	Complete(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// Factory creates clients from provider credentials
type Factory struct{}

// NewClient creates a client for the given provider
func (f *Factory) NewClient(provider, apiKey string) (Client, error) {
	switch provider {
	case "openai":
		return NewOpenAIClient(apiKey), nil
	case "anthropic":
		return NewAnthropicClient(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
