package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Turn is one completed exchange.
type Turn struct {
	Query     string
	Response  string
	AgentIDs  []string
	Timestamp time.Time
	Cached    bool
}

// maxHistory bounds the raw conversation history; older turns are only
// represented through their extracted slices.
const maxHistory = 50

// AppendHistory records a turn without slice extraction. Used on cache
// hits, where the turn still belongs to the conversation but no new
// retrieval detail should be captured.
func (s *Store) AppendHistory(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistoryLocked(t)
}

func (s *Store) appendHistoryLocked(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	s.history = append(s.history, t)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	if s.episode != nil {
		s.episode.recordTurn(t)
	}
}

// History returns up to n most recent turns, oldest first.
func (s *Store) History(n int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Turn, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// CaptureTurn summarizes the exchange and extracts atomic slices, one per
// decision/action/risk/entity/constraint found. When a client is provided
// and model summarization is wanted, a one-line summary call annotates the
// slices; extraction itself stays lexical so capture works offline.
func (s *Store) CaptureTurn(ctx context.Context, t Turn, client types.LLMClient) []string {
	s.mu.Lock()
	s.appendHistoryLocked(t)
	extracted := extractSlices(t)
	s.mu.Unlock()

	summary := ""
	if client != nil && len(extracted) > 0 {
		resp, err := client.CompleteWithSystem(ctx,
			"Summarize the exchange in one sentence. Respond with the sentence only.",
			fmt.Sprintf("Q: %s\nA: %s", t.Query, t.Response))
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("turn summary call failed: %v", err)
		} else {
			summary = strings.TrimSpace(resp)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(extracted))
	for _, sl := range extracted {
		sl.Summary = summary
		ids = append(ids, s.addLocked(sl))
	}
	logging.Memory("captured turn: %d slices", len(ids))
	return ids
}

// Cue vocabularies for lexical extraction.
var (
	decisionCues   = []string{"decided", "decision", "agreed", "approved", "chose", "concluded"}
	tentativeCues  = []string{"might", "propose", "tentative", "considering", "leaning"}
	actionCues     = []string{"will ", "action item", "todo", "assigned", "follow up", "next step"}
	riskCues       = []string{"risk", "concern", "danger", "blocker", "threat", "exposure"}
	constraintCues = []string{"must not", "cannot", "constraint", "limited to", "requires", "deadline"}
)

// extractSlices scans response sentences for cue vocabulary and emits one
// slice per hit. Entities come from capitalized multi-letter tokens that
// are not sentence-initial.
func extractSlices(t Turn) []*Slice {
	var out []*Slice
	seen := make(map[string]bool)

	for _, sentence := range splitSentences(t.Response) {
		lower := strings.ToLower(sentence)
		sl := &Slice{
			Text:           sentence,
			SourceAgentIDs: t.AgentIDs,
			Timestamp:      t.Timestamp,
		}
		switch {
		case containsAny(lower, decisionCues):
			sl.Type = SliceDecision
			sl.Status = DecisionConfirmed
			if containsAny(lower, tentativeCues) {
				sl.Status = DecisionTentative
			}
			sl.Importance = 0.8
			sl.Tags = []string{"decision"}
		case containsAny(lower, riskCues):
			sl.Type = SliceRisk
			sl.Importance = 0.7
			sl.Tags = []string{"risk"}
		case containsAny(lower, constraintCues):
			sl.Type = SliceConstraint
			sl.Importance = 0.6
			sl.Tags = []string{"constraint"}
		case containsAny(lower, actionCues):
			sl.Type = SliceAction
			sl.Importance = 0.5
			sl.Tags = []string{"action"}
		default:
			continue
		}

		sl.Entities = extractEntities(sentence)
		key := string(sl.Type) + hashText(sl.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sl)
	}

	// Standalone entity slices for names mentioned across the exchange.
	for _, e := range extractEntities(t.Response) {
		key := "entity:" + strings.ToLower(e)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, &Slice{
			Type:           SliceEntity,
			Text:           e,
			Entities:       []string{e},
			Tags:           []string{"entity"},
			SourceAgentIDs: t.AgentIDs,
			Timestamp:      t.Timestamp,
			Importance:     0.3,
		})
	}

	return out
}

// splitSentences is a simple period/newline splitter; abbreviation-level
// accuracy does not matter for cue scanning.
func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		part = strings.TrimSpace(part)
		if len(part) > 10 {
			out = append(out, part)
		}
	}
	return out
}

func containsAny(text string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}

// extractEntities returns capitalized tokens that are not sentence-initial
// and not common sentence starters. Crude, deliberately: entity resolution
// proper happens through the alias table.
func extractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len(trimmed) < 3 || i == 0 {
			continue
		}
		r := []rune(trimmed)
		if !unicode.IsUpper(r[0]) {
			continue
		}
		// Skip mid-sentence capitals right after punctuation.
		prev := words[i-1]
		if strings.HasSuffix(prev, ".") || strings.HasSuffix(prev, "!") || strings.HasSuffix(prev, "?") {
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

// StateBlock renders the durable state for the prompt builder: confirmed
// decisions, live risks, top entities, and open constraints.
func (s *Store) StateBlock(maxPerSection int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxPerSection <= 0 {
		maxPerSection = 5
	}

	byType := func(tp SliceType) []string {
		var items []*Slice
		for _, sl := range s.slices {
			if sl.Type == tp && sl.SupersededBy == "" {
				items = append(items, sl)
			}
		}
		sortSlicesByValue(items, s, s.now())
		var lines []string
		for _, sl := range items {
			if len(lines) >= maxPerSection {
				break
			}
			lines = append(lines, sl.Text)
		}
		return lines
	}

	var b strings.Builder
	writeSection := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, l := range lines {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}

	writeSection("Decisions", byType(SliceDecision))
	writeSection("Risks", byType(SliceRisk))
	writeSection("Constraints", byType(SliceConstraint))
	writeSection("Key entities", byType(SliceEntity))

	return strings.TrimRight(b.String(), "\n")
}

func sortSlicesByValue(items []*Slice, s *Store, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return s.retentionValue(items[i], now) > s.retentionValue(items[j], now)
	})
}
