package knowledge

import (
	"sort"
	"strings"

	"quorum/internal/textutil"
)

// ScoredAgent pairs an agent with its lexical relevance to a query.
type ScoredAgent struct {
	Agent Agent
	Score float64
}

// RelevantAgents scores every enabled agent against the query and returns
// up to max agents ordered by descending relevance. Agents with zero score
// are kept only when nothing scored; a query that matches nothing still has
// to run somewhere.
func (s *Store) RelevantAgents(query string, max int) []ScoredAgent {
	enabled := s.Enabled()
	if len(enabled) == 0 {
		return nil
	}

	scored := make([]ScoredAgent, 0, len(enabled))
	for _, a := range enabled {
		scored = append(scored, ScoredAgent{Agent: a, Score: scoreAgent(query, a)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	anyPositive := scored[0].Score > 0
	var out []ScoredAgent
	for _, sa := range scored {
		if anyPositive && sa.Score == 0 {
			continue
		}
		out = append(out, sa)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// scoreAgent computes a weighted term-overlap score. Name and topic hits
// weigh more than summary hits; an explicit name mention dominates.
func scoreAgent(query string, a Agent) float64 {
	q := strings.ToLower(query)
	score := 0.0

	if name := strings.ToLower(a.DisplayName); name != "" && strings.Contains(q, name) {
		score += 5.0
	}
	score += 2.0 * float64(textutil.OverlapCount(query, a.DisplayName))
	for _, topic := range a.Metadata.Topics {
		if topic != "" && strings.Contains(q, strings.ToLower(topic)) {
			score += 1.5
		}
	}
	for _, ent := range a.Metadata.Entities {
		if ent != "" && strings.Contains(q, strings.ToLower(ent)) {
			score += 1.5
		}
	}
	score += 0.5 * float64(textutil.OverlapCount(query, a.Summary))
	score += 0.25 * float64(textutil.OverlapCount(query, a.KeyPoints))

	return score
}
