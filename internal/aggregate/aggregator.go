// Package aggregate merges sub-answers into one final response. A single
// answer passes through verbatim; multiples are deduplicated, attributed,
// and synthesized by one final model call that is told about any detected
// conflicts. An early-stop path answers straight from a handful of memory
// slices when retrieval already covered the question.
package aggregate

import (
	"context"
	"fmt"
	"strings"

	"quorum/internal/conflict"
	"quorum/internal/knowledge"
	"quorum/internal/logging"
	"quorum/internal/memory"
	"quorum/internal/textutil"
	"quorum/internal/types"
)

// Options tune aggregation.
type Options struct {
	// DedupSimilarity is the Jaccard threshold above which two sub-answers
	// count as near-duplicates. The longer answer survives.
	DedupSimilarity float64

	EnableEarlyStop    bool
	EarlyStopMaxSlices int
}

// DefaultOptions returns aggregation defaults.
func DefaultOptions() Options {
	return Options{
		DedupSimilarity:    0.85,
		EnableEarlyStop:    true,
		EarlyStopMaxSlices: 2,
	}
}

// Aggregator synthesizes final answers.
type Aggregator struct {
	client types.LLMClient
	store  *knowledge.Store
	opts   Options
}

// New returns an aggregator that synthesizes through client.
func New(client types.LLMClient, store *knowledge.Store, opts Options) *Aggregator {
	return &Aggregator{client: client, store: store, opts: opts}
}

// Aggregate merges results into the final answer. Zero results produce a
// plain "nothing completed" message; one result passes through verbatim.
func (a *Aggregator) Aggregate(ctx context.Context, query string, results []types.ExecutionResult, report *conflict.Report) (string, error) {
	var ok []types.ExecutionResult
	for _, r := range results {
		if r.Success && strings.TrimSpace(r.Response) != "" {
			ok = append(ok, r)
		}
	}

	switch len(ok) {
	case 0:
		return "None of the sources produced an answer for this question.", nil
	case 1:
		return ok[0].Response, nil
	}

	ok = a.dedup(ok)
	if len(ok) == 1 {
		return ok[0].Response, nil
	}

	prompt := a.synthesisPrompt(query, ok, report)
	answer, err := a.client.CompleteWithSystem(ctx, synthesisSystem, prompt)
	if err != nil {
		// Degrade to a stitched answer rather than failing the turn.
		logging.Pipeline("synthesis call failed, stitching answers: %v", err)
		return a.stitch(ok), nil
	}
	return answer, nil
}

// EarlyStopEligible reports whether retrieval alone already covers the
// query: few slices, all of them matching query terms.
func (a *Aggregator) EarlyStopEligible(slices []*memory.Slice, query string) bool {
	if !a.opts.EnableEarlyStop {
		return false
	}
	if len(slices) == 0 || len(slices) > a.opts.EarlyStopMaxSlices {
		return false
	}
	for _, s := range slices {
		if textutil.OverlapCount(query, s.Text) == 0 {
			return false
		}
	}
	return true
}

// EarlyStop synthesizes directly from the slices, skipping the plan.
func (a *Aggregator) EarlyStop(ctx context.Context, query string, slices []*memory.Slice) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer the question using only the remembered facts below.\n\nQuestion: %s\n\n", query)
	for _, s := range slices {
		fmt.Fprintf(&b, "- [%s] %s\n", s.Type, s.Text)
	}
	logging.Pipeline("early stop: answering from %d memory slices", len(slices))
	return a.client.CompleteWithSystem(ctx, synthesisSystem, b.String())
}

// dedup drops near-duplicate answers, keeping the longest of each cluster.
func (a *Aggregator) dedup(results []types.ExecutionResult) []types.ExecutionResult {
	dropped := make([]bool, len(results))
	for i := 0; i < len(results); i++ {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			if dropped[j] {
				continue
			}
			if textutil.Jaccard(results[i].Response, results[j].Response) >= a.opts.DedupSimilarity {
				if len(results[j].Response) > len(results[i].Response) {
					dropped[i] = true
				} else {
					dropped[j] = true
				}
			}
		}
	}

	var out []types.ExecutionResult
	for i, r := range results {
		if !dropped[i] {
			out = append(out, r)
		}
	}
	if len(out) < len(results) {
		logging.Pipeline("deduplicated %d near-identical sub-answers", len(results)-len(out))
	}
	return out
}

const synthesisSystem = "You synthesize answers from multiple sources into one response. " +
	"Attribute claims to sources by name. Never invent facts not present in the sources."

func (a *Aggregator) synthesisPrompt(query string, results []types.ExecutionResult, report *conflict.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)

	if report != nil && report.HasConflicts() {
		fmt.Fprintf(&b, "Conflict analysis: %s\n", report.Summary)
		if themes := report.ConflictThemes(); len(themes) > 0 {
			fmt.Fprintf(&b, "Disputed topics: %s\n", strings.Join(themes, ", "))
		}
		b.WriteString("Reconcile these tensions explicitly: state each side and which source holds it.\n\n")
	}

	for _, r := range results {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", a.sourceLabel(r), strings.TrimSpace(r.Response))
	}
	b.WriteString("Synthesize one answer from the sources above.")
	return b.String()
}

// sourceLabel renders display names when the store knows the agents.
func (a *Aggregator) sourceLabel(r types.ExecutionResult) string {
	names := make([]string, 0, len(r.AgentIDs))
	for _, id := range r.AgentIDs {
		if a.store != nil {
			if ag, found := a.store.Get(id); found {
				names = append(names, ag.DisplayName)
				continue
			}
		}
		names = append(names, id)
	}
	label := strings.Join(names, ", ")
	if label == "" {
		label = "synthesis step"
	}
	if r.Perspective != "" {
		label += " (" + r.Perspective + ")"
	}
	return label
}

// stitch is the no-model fallback: attributed answers joined in order.
func (a *Aggregator) stitch(results []types.ExecutionResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s:\n%s\n\n", a.sourceLabel(r), strings.TrimSpace(r.Response))
	}
	return strings.TrimSpace(b.String())
}
