// ABOUTME: Deterministic scripted LLM client for tests and offline operation.
// ABOUTME: Replays queued responses in order and records every prompt it receives.
package llm

import (
	"context"
	"sync"
)

// ScriptedClient is a deterministic Client that returns queued responses in
// FIFO order. When the queue is empty it echoes the prompt back, so pipelines
// always make progress. Selected via provider "scripted" in configuration.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []scriptedResponse
	prompts   []string
	healthy   bool
}

type scriptedResponse struct {
	text string
	err  error
}

// NewScriptedClient creates an empty scripted client that reports healthy.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{healthy: true}
}

// QueueResponse appends a successful response to the script.
func (c *ScriptedClient) QueueResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, scriptedResponse{text: text})
}

// QueueError appends a failing call to the script.
func (c *ScriptedClient) QueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, scriptedResponse{err: err})
}

// SetHealthy controls what Healthy reports.
func (c *ScriptedClient) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// Prompts returns a copy of every prompt seen so far, in call order.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// Generate pops the next scripted response, honoring context cancellation.
func (c *ScriptedClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)

	if len(c.responses) == 0 {
		return prompt, nil
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	if next.err != nil {
		return "", next.err
	}
	return next.text, nil
}

// Healthy reports the configured health flag.
func (c *ScriptedClient) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}
