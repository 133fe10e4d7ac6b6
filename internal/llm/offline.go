package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"quorum/internal/prompt"
	"quorum/internal/types"
)

// OfflineClient answers deterministically without network access. It echoes
// a condensed view of the prompt it was given, which keeps the pipeline
// runnable air-gapped and makes end-to-end tests reproducible.
type OfflineClient struct {
	mu    sync.Mutex
	usage types.UsageMetadata
}

// NewOfflineClient returns an offline client.
func NewOfflineClient() *OfflineClient {
	return &OfflineClient{}
}

// Complete returns a deterministic condensation of the prompt.
func (c *OfflineClient) Complete(ctx context.Context, promptText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.record(promptText)
	return condense(promptText), nil
}

// CompleteWithSystem behaves like Complete; the system prompt only counts
// toward usage.
func (c *OfflineClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.record(systemPrompt + userPrompt)
	return condense(userPrompt), nil
}

func (c *OfflineClient) record(text string) {
	in := prompt.EstimateTokens(text)
	c.mu.Lock()
	c.usage.InputTokens += in
	c.usage.OutputTokens += 32
	c.usage.TotalTokens += in + 32
	c.usage.CallCount++
	c.mu.Unlock()
}

// Usage returns accumulated usage. Implements types.UsageReporter.
func (c *OfflineClient) Usage() types.UsageMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// condense extracts the first and densest lines of the prompt so offline
// answers still reflect their inputs.
func condense(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "---") {
			continue
		}
		kept = append(kept, l)
		if len(kept) >= 4 {
			break
		}
	}
	if len(kept) == 0 {
		return "(no content)"
	}
	return fmt.Sprintf("[offline] %s", strings.Join(kept, " / "))
}
