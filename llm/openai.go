// ABOUTME: OpenAI Chat Completions client with base URL support for compatible providers.
// ABOUTME: Maps SDK and transport failures into the capability error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultModel = "gpt-4o-mini"

// OpenAIClient implements Client using the OpenAI Chat Completions API.
// A custom base URL enables OpenAI-compatible providers (OpenRouter, Cerebras,
// local gateways) without a separate adapter.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a Chat Completions client. A missing API key is a
// ConfigurationError at construction time, not a transient failure to retry.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{CapabilityError: CapabilityError{
			Message: "no API key configured for the OpenAI provider (set OPENAI_API_KEY)",
		}}
	}
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Generate sends the prompt as a single user message and returns the
// completion text.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &UnavailableError{CapabilityError: CapabilityError{
			Message: "provider returned an empty completion",
		}}
	}
	return resp.Choices[0].Message.Content, nil
}

// Healthy reports whether the provider answers a lightweight models listing.
func (c *OpenAIClient) Healthy(ctx context.Context) bool {
	_, err := c.client.Models.List(ctx)
	return err == nil
}

// classifyError maps an SDK error onto the capability taxonomy by status code.
// Errors without a status (network, timeout) are treated as transient.
func classifyError(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return &UnavailableError{CapabilityError: CapabilityError{
			Message: "provider request failed",
			Cause:   err,
		}}
	}

	msg := fmt.Sprintf("provider error (status %d)", apierr.StatusCode)
	switch {
	case apierr.StatusCode == 401 || apierr.StatusCode == 403:
		return &ConfigurationError{CapabilityError: CapabilityError{Message: msg, Cause: err}}
	case apierr.StatusCode == 429:
		return &RateLimitError{CapabilityError: CapabilityError{Message: msg, Cause: err}}
	case apierr.StatusCode >= 500:
		return &UnavailableError{CapabilityError: CapabilityError{Message: msg, Cause: err}}
	default:
		return &CapabilityError{Message: msg, Cause: err}
	}
}
