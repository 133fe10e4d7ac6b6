// Package conflict performs pairwise textual analysis of sibling sub-answers
// and flags disagreement or agreement. It is descriptive only: it never
// mutates the results it inspects.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"quorum/internal/logging"
	"quorum/internal/textutil"
	"quorum/internal/types"
)

// conflictMarkers signal tension between two answers.
var conflictMarkers = []string{
	"however", "but", "although", "despite", "contrary", "conflict",
	"disagree", "dispute", "risk", "concern", "contradict", "whereas",
	"instead", "oppose", "unlike", "tension", "caution", "versus",
}

// agreementMarkers signal alignment between two answers.
var agreementMarkers = []string{
	"similarly", "likewise", "agree", "confirms", "consistent",
	"supports", "aligns", "reinforces", "corroborates", "both",
	"same", "echoes", "matches",
}

// similarityFloor: pairs at or above this overlap are treated as agreement
// no matter how many conflict markers appear; they are saying the same thing.
const similarityFloor = 0.75

// PairClass classifies one result pair.
type PairClass string

const (
	ClassConflict  PairClass = "conflict"
	ClassAgreement PairClass = "agreement"
)

// Pair is the analysis of one result pair. Neutral pairs are omitted from
// reports entirely.
type Pair struct {
	A, B       *types.ExecutionResult
	Class      PairClass
	Confidence float64
	Similarity float64
	Themes     []string // shared non-stopword terms for conflicting pairs
}

// Report is the outcome of analyzing one plan's results.
type Report struct {
	Pairs   []Pair
	Summary string
}

// HasConflicts reports whether any pair was classified as conflict.
func (r *Report) HasConflicts() bool {
	for _, p := range r.Pairs {
		if p.Class == ClassConflict {
			return true
		}
	}
	return false
}

// ConflictThemes returns the deduplicated themes across conflicting pairs,
// most frequent first.
func (r *Report) ConflictThemes() []string {
	freq := make(map[string]int)
	for _, p := range r.Pairs {
		if p.Class != ClassConflict {
			continue
		}
		for _, t := range p.Themes {
			freq[t]++
		}
	}
	themes := make([]string, 0, len(freq))
	for t := range freq {
		themes = append(themes, t)
	}
	sort.Slice(themes, func(i, j int) bool {
		if freq[themes[i]] != freq[themes[j]] {
			return freq[themes[i]] > freq[themes[j]]
		}
		return themes[i] < themes[j]
	})
	return themes
}

// Detector analyzes sets of execution results.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector { return &Detector{} }

// Analyze inspects every successful result pair. The classification is
// symmetric: Analyze([A,B]) and Analyze([B,A]) report the same class and
// similarity for the pair.
func (d *Detector) Analyze(results []*types.ExecutionResult) *Report {
	report := &Report{}

	var ok []*types.ExecutionResult
	for _, r := range results {
		if r != nil && r.Success && strings.TrimSpace(r.Response) != "" {
			ok = append(ok, r)
		}
	}
	if len(ok) < 2 {
		return report
	}

	for i := 0; i < len(ok); i++ {
		for j := i + 1; j < len(ok); j++ {
			if p, keep := analyzePair(ok[i], ok[j]); keep {
				report.Pairs = append(report.Pairs, p)
			}
		}
	}

	report.Summary = summarize(report)
	logging.Conflict("analyzed %d results: %d flagged pairs, conflicts=%v",
		len(ok), len(report.Pairs), report.HasConflicts())
	return report
}

// analyzePair classifies one pair. Marker counts are summed over both
// texts, which keeps the result independent of argument order.
func analyzePair(a, b *types.ExecutionResult) (Pair, bool) {
	combined := strings.ToLower(a.Response + " " + b.Response)

	conflictScore := countMarkers(combined, conflictMarkers)
	agreementScore := countMarkers(combined, agreementMarkers)
	sim := textutil.Jaccard(a.Response, b.Response)

	p := Pair{A: a, B: b, Similarity: sim}

	switch {
	case conflictScore > agreementScore && sim < similarityFloor:
		p.Class = ClassConflict
		p.Confidence = confidence(conflictScore, agreementScore)
		p.Themes = topShared(a.Response, b.Response, 5)
	case agreementScore >= conflictScore || sim >= similarityFloor:
		if agreementScore == 0 && conflictScore == 0 && sim < similarityFloor {
			// No signal either way: neutral, omit.
			return Pair{}, false
		}
		p.Class = ClassAgreement
		p.Confidence = confidence(agreementScore, conflictScore)
		if sim >= similarityFloor {
			p.Confidence = maxf(p.Confidence, sim)
		}
	default:
		return Pair{}, false
	}

	return p, true
}

// countMarkers counts marker-word occurrences in the tokenized text.
func countMarkers(text string, markers []string) int {
	toks := textutil.Tokenize(text)
	set := make(map[string]int)
	for _, t := range toks {
		set[t]++
	}
	n := 0
	for _, m := range markers {
		n += set[m]
	}
	return n
}

// confidence maps a dominant/recessive marker ratio into (0.5, 1].
func confidence(dominant, recessive int) float64 {
	total := dominant + recessive
	if total == 0 {
		return 0.5
	}
	return 0.5 + 0.5*float64(dominant)/float64(total)
}

// topShared returns up to n shared non-stopword terms, longest first.
// Longer shared terms tend to be the topical ones.
func topShared(a, b string, n int) []string {
	shared := textutil.SharedTerms(a, b)
	sort.Slice(shared, func(i, j int) bool {
		if len(shared[i]) != len(shared[j]) {
			return len(shared[i]) > len(shared[j])
		}
		return shared[i] < shared[j]
	})
	if len(shared) > n {
		shared = shared[:n]
	}
	return shared
}

// summarize renders a short plain-language overview for the aggregator.
func summarize(r *Report) string {
	if len(r.Pairs) == 0 {
		return ""
	}
	conflicts := 0
	for _, p := range r.Pairs {
		if p.Class == ClassConflict {
			conflicts++
		}
	}
	if conflicts == 0 {
		return fmt.Sprintf("%d source pairs analyzed; no disagreements detected.", len(r.Pairs))
	}

	themes := r.ConflictThemes()
	if len(themes) > 3 {
		themes = themes[:3]
	}
	return fmt.Sprintf("%d of %d source pairs disagree; themes under tension: %s.",
		conflicts, len(r.Pairs), strings.Join(themes, ", "))
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
