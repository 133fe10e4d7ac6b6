package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Episode is a bounded unit of raw interaction. While active it accumulates
// raw events; on completion the raw log is discarded and only the
// structured summary plus derived slices persist. A completed episode is
// immutable.
type Episode struct {
	ID        string
	Label     string
	Objective string
	StartedAt time.Time

	// Raw events, dropped on completion.
	events    []episodeEvent
	toolCalls int
	maxDepth  int

	// Set on completion.
	Completed     bool
	CompletedAt   time.Time
	Summary       EpisodeSummary
	DerivedSlices []string // slice ids produced by compression
}

type episodeEvent struct {
	at   time.Time
	kind string // "turn", "tool", "recursion"
	text string
}

// EpisodeSummary is the durable structure left after compression.
type EpisodeSummary struct {
	Decisions     []string
	Actions       []string
	Risks         []string
	Entities      []string
	OpenQuestions []string
}

// recordTurn appends a turn event. Caller holds the store lock.
func (e *Episode) recordTurn(t Turn) {
	if e.Completed {
		return
	}
	e.events = append(e.events, episodeEvent{
		at:   t.Timestamp,
		kind: "turn",
		text: fmt.Sprintf("Q: %s\nA: %s", t.Query, t.Response),
	})
}

// AutoTrigger names the condition that started an episode automatically.
type AutoTrigger string

const (
	TriggerExplicit       AutoTrigger = "explicit"
	TriggerBudgetPressure AutoTrigger = "budget_pressure"
	TriggerPhaseComplete  AutoTrigger = "phase_complete"
	TriggerToolCalls      AutoTrigger = "tool_calls"
	TriggerRecursionDepth AutoTrigger = "recursion_depth"
)

// EpisodeTriggers configures auto-start thresholds.
type EpisodeTriggers struct {
	BudgetPressurePct float64 // projected prompt fraction of cap
	ToolCallThreshold int
	DepthThreshold    int
}

// StartEpisode begins a focus episode explicitly. Returns an error when one
// is already active; episodes do not nest.
func (s *Store) StartEpisode(label, objective string) (*Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.episode != nil {
		return nil, fmt.Errorf("focus episode already active: %s", s.episode.Label)
	}
	ep := &Episode{
		ID:        uuid.New().String(),
		Label:     label,
		Objective: objective,
		StartedAt: s.now(),
	}
	s.episode = ep
	s.looseToolCalls = 0
	logging.Memory("episode started: %s (%s)", label, ep.ID)
	return ep, nil
}

// ActiveEpisode returns the running episode, or nil.
func (s *Store) ActiveEpisode() *Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.episode
}

// RecordToolCall notes sandbox/tool activity. Calls inside an active
// episode drive its completion threshold; calls outside one accumulate
// toward the tool-call auto-start trigger.
func (s *Store) RecordToolCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episode != nil && !s.episode.Completed {
		s.episode.toolCalls++
		s.episode.events = append(s.episode.events, episodeEvent{at: s.now(), kind: "tool"})
		return
	}
	s.looseToolCalls++
}

// RecordRecursionDepth notes the deepest recursive call seen during the
// active episode.
func (s *Store) RecordRecursionDepth(depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episode != nil && !s.episode.Completed && depth > s.episode.maxDepth {
		s.episode.maxDepth = depth
	}
}

// MaybeAutoStart starts an episode when any configured trigger fires and
// none is active: projected budget pressure, a completed execution phase,
// accumulated tool calls, or recursion depth. Returns the trigger that
// fired, or "".
func (s *Store) MaybeAutoStart(projectedPromptPct float64, depth int, phaseComplete bool, trig EpisodeTriggers) AutoTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.episode != nil {
		return ""
	}

	var fired AutoTrigger
	switch {
	case trig.BudgetPressurePct > 0 && projectedPromptPct >= trig.BudgetPressurePct:
		fired = TriggerBudgetPressure
	case phaseComplete:
		fired = TriggerPhaseComplete
	case trig.ToolCallThreshold > 0 && s.looseToolCalls >= trig.ToolCallThreshold:
		fired = TriggerToolCalls
	case trig.DepthThreshold > 0 && depth >= trig.DepthThreshold:
		fired = TriggerRecursionDepth
	default:
		return ""
	}

	s.episode = &Episode{
		ID:        uuid.New().String(),
		Label:     fmt.Sprintf("auto-%s", fired),
		Objective: "bound session growth",
		StartedAt: s.now(),
	}
	s.looseToolCalls = 0
	logging.Memory("episode auto-started: trigger=%s", fired)
	return fired
}

// ShouldComplete reports whether the active episode hit a completion
// threshold (tool-call count for now; phase completion is signalled by the
// pipeline calling CompleteEpisode directly).
func (s *Store) ShouldComplete(trig EpisodeTriggers) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.episode != nil && !s.episode.Completed &&
		trig.ToolCallThreshold > 0 && s.episode.toolCalls >= trig.ToolCallThreshold
}

// CompleteEpisode compresses the active episode: the raw event log is
// summarized into structured fields, derived slices are added to the
// store, the episode is archived, and the raw events are discarded.
// The episode is immutable afterwards.
func (s *Store) CompleteEpisode(ctx context.Context, client types.LLMClient) (*Episode, error) {
	s.mu.Lock()
	ep := s.episode
	if ep == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("no active focus episode")
	}
	raw := renderEvents(ep.events)
	s.mu.Unlock()

	summary := lexicalSummary(raw)
	if client != nil {
		if modelSummary, err := summarizeWithModel(ctx, client, ep, raw); err == nil {
			summary = mergeSummaries(summary, modelSummary)
		} else {
			logging.Get(logging.CategoryMemory).Warn("episode model summary failed, using lexical: %v", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ep.Summary = summary
	ep.Completed = true
	ep.CompletedAt = s.now()
	ep.events = nil // the raw log does not persist

	for _, d := range summary.Decisions {
		ep.DerivedSlices = append(ep.DerivedSlices, s.addLocked(&Slice{
			Type: SliceDecision, Text: d, Status: DecisionConfirmed,
			Tags: []string{"decision", "episode:" + ep.Label}, Importance: 0.8, Timestamp: ep.CompletedAt,
		}))
	}
	for _, a := range summary.Actions {
		ep.DerivedSlices = append(ep.DerivedSlices, s.addLocked(&Slice{
			Type: SliceAction, Text: a,
			Tags: []string{"action", "episode:" + ep.Label}, Importance: 0.6, Timestamp: ep.CompletedAt,
		}))
	}
	for _, r := range summary.Risks {
		ep.DerivedSlices = append(ep.DerivedSlices, s.addLocked(&Slice{
			Type: SliceRisk, Text: r,
			Tags: []string{"risk", "episode:" + ep.Label}, Importance: 0.7, Timestamp: ep.CompletedAt,
		}))
	}

	// One episode slice summarizing the whole unit.
	ep.DerivedSlices = append(ep.DerivedSlices, s.addLocked(&Slice{
		Type:       SliceEpisode,
		Text:       fmt.Sprintf("Episode %q: %s", ep.Label, ep.Objective),
		Tags:       []string{"episode"},
		Importance: 0.5,
		Timestamp:  ep.CompletedAt,
	}))

	if s.archiver != nil {
		if err := s.archiver.ArchiveEpisode(ep); err != nil {
			logging.Get(logging.CategoryMemory).Warn("episode archive failed: %v", err)
		}
	}

	s.episode = nil
	logging.Memory("episode completed: %s, %d derived slices", ep.Label, len(ep.DerivedSlices))
	return ep, nil
}

func renderEvents(events []episodeEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.text != "" {
			b.WriteString(ev.text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// lexicalSummary mines the raw log with the capture cue vocabulary. It is
// the floor the model summary builds on, and the whole summary when no
// model is available.
func lexicalSummary(raw string) EpisodeSummary {
	var sum EpisodeSummary
	for _, sentence := range splitSentences(raw) {
		lower := strings.ToLower(sentence)
		switch {
		case containsAny(lower, decisionCues):
			sum.Decisions = appendBounded(sum.Decisions, sentence, 10)
		case containsAny(lower, actionCues):
			sum.Actions = appendBounded(sum.Actions, sentence, 10)
		case containsAny(lower, riskCues):
			sum.Risks = appendBounded(sum.Risks, sentence, 10)
		case strings.Contains(lower, "open question") || strings.HasSuffix(sentence, "?"):
			sum.OpenQuestions = appendBounded(sum.OpenQuestions, sentence, 10)
		}
	}
	sum.Entities = extractEntities(raw)
	if len(sum.Entities) > 15 {
		sum.Entities = sum.Entities[:15]
	}
	return sum
}

func summarizeWithModel(ctx context.Context, client types.LLMClient, ep *Episode, raw string) (EpisodeSummary, error) {
	system := "Compress the interaction log into bullet lists under the headings " +
		"DECISIONS, ACTIONS, RISKS, OPEN QUESTIONS. One item per line prefixed with '- '. " +
		"Nothing but the lists."
	user := fmt.Sprintf("Objective: %s\n\nLog:\n%s", ep.Objective, raw)

	resp, err := client.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return EpisodeSummary{}, err
	}
	return parseSummary(resp), nil
}

// parseSummary reads the headed bullet lists the model was asked for.
func parseSummary(text string) EpisodeSummary {
	var sum EpisodeSummary
	var target *[]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(strings.TrimRight(line, ":"))
		switch upper {
		case "DECISIONS":
			target = &sum.Decisions
			continue
		case "ACTIONS":
			target = &sum.Actions
			continue
		case "RISKS":
			target = &sum.Risks
			continue
		case "OPEN QUESTIONS":
			target = &sum.OpenQuestions
			continue
		}
		if target != nil && strings.HasPrefix(line, "- ") {
			*target = appendBounded(*target, strings.TrimPrefix(line, "- "), 10)
		}
	}
	return sum
}

func mergeSummaries(a, b EpisodeSummary) EpisodeSummary {
	return EpisodeSummary{
		Decisions:     mergeStrings(b.Decisions, a.Decisions),
		Actions:       mergeStrings(b.Actions, a.Actions),
		Risks:         mergeStrings(b.Risks, a.Risks),
		Entities:      mergeStrings(b.Entities, a.Entities),
		OpenQuestions: mergeStrings(b.OpenQuestions, a.OpenQuestions),
	}
}

func appendBounded(list []string, item string, max int) []string {
	if len(list) >= max {
		return list
	}
	return append(list, item)
}
