package knowledge

import (
	"fmt"
	"strings"

	"quorum/internal/logging"
)

// charsPerToken is the estimation heuristic used across the codebase.
const charsPerToken = 4

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	return len([]rune(s)) / charsPerToken
}

// ContextSlice assembles a budget-bounded text block for the given agents.
// Summaries and key points are always attempted; transcripts are appended
// only while budget remains. Agents are emitted in the given order, so
// callers pass relevance-ordered ids.
func (s *Store) ContextSlice(agentIDs []string, tokenBudget int) string {
	if tokenBudget <= 0 {
		return ""
	}

	var b strings.Builder
	remaining := tokenBudget

	writeSection := func(text string) bool {
		cost := EstimateTokens(text)
		if cost > remaining {
			return false
		}
		b.WriteString(text)
		remaining -= cost
		return true
	}

	var deferredTranscripts []string

	for _, id := range agentIDs {
		a, ok := s.Get(id)
		if !ok || !a.Enabled {
			continue
		}

		head := fmt.Sprintf("## %s (%s)\n%s\n", a.DisplayName, a.ID, strings.TrimSpace(a.Summary))
		if !writeSection(head) {
			logging.Pipeline("context slice budget exhausted at agent %s", id)
			break
		}
		if a.KeyPoints != "" {
			writeSection(fmt.Sprintf("Key points: %s\n", strings.TrimSpace(a.KeyPoints)))
		}
		if a.ActionItems != "" {
			writeSection(fmt.Sprintf("Action items: %s\n", strings.TrimSpace(a.ActionItems)))
		}
		if a.Transcript != "" {
			deferredTranscripts = append(deferredTranscripts,
				fmt.Sprintf("## Transcript: %s\n%s\n", a.DisplayName, strings.TrimSpace(a.Transcript)))
		}
		b.WriteString("\n")
		remaining-- // section separator
	}

	// Transcripts come last so every agent's summary gets budget first.
	for _, tr := range deferredTranscripts {
		if !writeSection(tr) {
			break
		}
	}

	return b.String()
}
