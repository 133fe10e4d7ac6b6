// Package decompose turns a raw query into an execution plan: a
// classification of intent and complexity, a strategy, and the sub-queries
// that strategy implies. Planning is pure; nothing here touches the network
// or mutates the knowledge store.
package decompose

import (
	"strings"

	"quorum/internal/textutil"
	"quorum/internal/types"
)

// Cue vocabularies for intent classification. Matched against lowercased
// query tokens, so multi-word cues use substring checks instead.
var (
	comparisonCues = []string{
		"compare", "compared", "comparison", "versus", "vs", "differ",
		"difference", "differences", "contrast", "better", "worse",
		"disagree", "disagreement",
	}

	aggregationCues = []string{
		"all", "every", "each", "across", "overall", "total", "combined",
		"altogether", "everything", "summarize", "summary",
	}

	temporalCues = []string{
		"when", "timeline", "chronological", "before", "after", "recent",
		"latest", "earliest", "first", "last", "history", "evolved",
	}

	searchCues = []string{
		"find", "search", "locate", "where", "which", "lookup", "mention",
		"mentioned", "mentions",
	}

	analyticalCues = []string{
		"why", "analyze", "analysis", "explain", "implications", "impact",
		"risks", "tradeoff", "tradeoffs", "evaluate", "assess", "cause",
	}
)

func countCues(tokens map[string]bool, cues []string) int {
	n := 0
	for _, c := range cues {
		if tokens[c] {
			n++
		}
	}
	return n
}

// Classify derives intent and complexity from lexical cues plus a size
// heuristic on the candidate agent count. A tie between two distinct intent
// families returns ErrClassificationAmbiguous alongside a usable factual
// fallback; callers treat the error as "plan direct".
func Classify(text string, agentCount int) (types.Classification, error) {
	tokens := map[string]bool{}
	for _, t := range textutil.Tokenize(text) {
		tokens[t] = true
	}

	scores := map[types.QueryType]int{
		types.QueryComparative: countCues(tokens, comparisonCues),
		types.QueryAggregative: countCues(tokens, aggregationCues),
		types.QueryTemporal:    countCues(tokens, temporalCues),
		types.QuerySearch:      countCues(tokens, searchCues),
		types.QueryAnalytical:  countCues(tokens, analyticalCues),
	}

	best, second := types.QueryFactual, types.QueryFactual
	// Deterministic tie-breaking: fixed evaluation order.
	order := []types.QueryType{
		types.QueryComparative, types.QueryAggregative, types.QueryAnalytical,
		types.QueryTemporal, types.QuerySearch,
	}
	for _, qt := range order {
		if scores[qt] > scores[best] {
			second = best
			best = qt
		} else if best != types.QueryFactual && scores[qt] == scores[best] && qt != best {
			second = qt
		}
	}

	c := types.Classification{
		Type:           best,
		Complexity:     classifyComplexity(text, best, agentCount),
		FormatHint:     formatHint(text),
		DataPreference: dataPreference(text),
	}
	if scores[best] == 0 {
		c.Type = types.QueryFactual
		return c, nil
	}
	if second != types.QueryFactual && second != best && scores[second] == scores[best] {
		return c, types.ErrClassificationAmbiguous
	}
	return c, nil
}

func classifyComplexity(text string, qt types.QueryType, agentCount int) types.Complexity {
	words := len(strings.Fields(text))
	switch {
	case agentCount <= 2 && words <= 15 && qt == types.QueryFactual:
		return types.ComplexitySimple
	case agentCount <= 2 && words <= 15 && qt == types.QuerySearch:
		return types.ComplexitySimple
	case qt == types.QueryAnalytical || qt == types.QueryComparative:
		if agentCount >= 3 || words > 20 {
			return types.ComplexityHigh
		}
		return types.ComplexityModerate
	case agentCount >= 8 || words > 30:
		return types.ComplexityHigh
	default:
		return types.ComplexityModerate
	}
}

func formatHint(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "as a table") || strings.Contains(lower, "in a table"):
		return "table"
	case strings.Contains(lower, "list of") || strings.Contains(lower, "bullet"):
		return "list"
	default:
		return ""
	}
}

func dataPreference(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "exact words") || strings.Contains(lower, "verbatim") ||
		strings.Contains(lower, "word for word") || strings.Contains(lower, "transcript"):
		return "transcript"
	case strings.Contains(lower, "summary") || strings.Contains(lower, "summarize"):
		return "summary"
	default:
		return ""
	}
}
