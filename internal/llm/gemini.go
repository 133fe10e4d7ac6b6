// Package llm provides the upstream model clients: a Gemini-backed client
// over the genai SDK, an offline deterministic client for air-gapped runs
// and tests, and a retrying wrapper both can sit behind.
package llm

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string

	mu    sync.Mutex
	usage types.UsageMetadata
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a single-prompt request.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, nil)
}

// CompleteWithSystem sends a request with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	return c.generate(ctx, userPrompt, cfg)
}

func (c *GeminiClient) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrUpstreamCall, err)
	}
	c.recordUsage(resp)

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response (check safety filters)", types.ErrUpstreamCall)
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (c *GeminiClient) recordUsage(resp *genai.GenerateContentResponse) {
	if resp.UsageMetadata == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTokens += int(resp.UsageMetadata.PromptTokenCount)
	c.usage.OutputTokens += int(resp.UsageMetadata.CandidatesTokenCount)
	c.usage.TotalTokens += int(resp.UsageMetadata.TotalTokenCount)
	c.usage.CallCount++
	logging.API("gemini call: %d prompt + %d output tokens",
		resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount)
}

// Usage returns accumulated token usage. Implements types.UsageReporter.
func (c *GeminiClient) Usage() types.UsageMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}
