// ABOUTME: LLM capability interface and provider selection for the pipeline phases.
// ABOUTME: Provides NewClient routing to the OpenAI-compatible or scripted implementation by name.
package llm

import (
	"context"
	"fmt"
)

// Client is the single narrow capability the engine consumes: given a prompt,
// return generated text, or fail. Healthy is consulted only for operational
// status and never gates execution.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Healthy(ctx context.Context) bool
}

// Config selects and configures a capability implementation.
type Config struct {
	Provider string // "openai" (OpenAI-compatible Chat Completions) or "scripted"
	Model    string
	BaseURL  string // custom base URL for OpenAI-compatible providers
	APIKey   string
}

// NewClient constructs the Client named by cfg.Provider. An unknown provider
// or a missing API key is a ConfigurationError, surfaced at startup rather
// than on the first pipeline call.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "scripted":
		return NewScriptedClient(), nil
	default:
		return nil, &ConfigurationError{CapabilityError: CapabilityError{
			Message: fmt.Sprintf("unknown LLM provider %q", cfg.Provider),
		}}
	}
}
