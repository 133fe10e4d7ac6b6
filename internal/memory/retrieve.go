package memory

import (
	"sort"
	"time"

	"quorum/internal/logging"
	"quorum/internal/textutil"
)

// Query bounds a retrieval.
type Query struct {
	Text           string
	Tags           []string
	Entities       []string
	SourceAgentIDs []string
	Limit          int
}

// Scored pairs a slice copy with its retrieval score.
type Scored struct {
	Slice Slice
	Score float64
}

// Retrieve runs the two-stage lookup. Stage A is a cheap candidate filter
// on tags, entities, source agents, and the recency window. Stage B ranks
// by tagMatch + entityMatch + recency + importance − redundancyPenalty and
// enforces the per-agent and per-tag diversity caps. Retrieval counts on
// the returned slices are bumped, which feeds the redundancy penalty on
// later retrievals.
func (s *Store) Retrieve(q Query) []Scored {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.Limit <= 0 {
		q.Limit = 8
	}
	now := s.now()
	cutoff := now.Add(-s.opts.RecencyWindow)
	queryTerms := textutil.TermSet(q.Text)

	// Stage A: filter.
	var candidates []*Slice
	for _, sl := range s.slices {
		if sl.SupersededBy != "" {
			continue
		}
		if sl.Timestamp.Before(cutoff) && sl.Importance < 0.8 {
			// Old slices survive the window only when clearly important.
			continue
		}
		if !stageAMatch(sl, q, queryTerms) {
			continue
		}
		candidates = append(candidates, sl)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Stage B: score.
	scored := make([]Scored, 0, len(candidates))
	for _, sl := range candidates {
		scored = append(scored, Scored{Slice: *sl, Score: s.scoreSlice(sl, q, queryTerms, now)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	// Diversity caps, then limit.
	perAgent := make(map[string]int)
	perTag := make(map[string]int)
	var out []Scored
	for _, sc := range scored {
		if capped(sc.Slice.SourceAgentIDs, perAgent, s.opts.MaxPerSourceAgent) {
			continue
		}
		if capped(sc.Slice.Tags, perTag, s.opts.MaxPerTagGroup) {
			continue
		}
		for _, a := range sc.Slice.SourceAgentIDs {
			perAgent[a]++
		}
		for _, t := range sc.Slice.Tags {
			perTag[t]++
		}
		out = append(out, sc)
		if len(out) >= q.Limit {
			break
		}
	}

	// Bump retrieval counts on what we actually returned.
	for _, sc := range out {
		if sl, ok := s.slices[sc.Slice.ID]; ok {
			sl.RetrievalCount++
		}
	}

	logging.Memory("retrieve: %d candidates -> %d returned", len(candidates), len(out))
	return out
}

// stageAMatch is the cheap candidate filter: any tag, entity, source-agent,
// or query-term hit admits the slice.
func stageAMatch(sl *Slice, q Query, queryTerms map[string]bool) bool {
	for _, tag := range q.Tags {
		if sl.hasTag(tag) {
			return true
		}
	}
	for _, e := range q.Entities {
		if sl.hasEntity(e) {
			return true
		}
	}
	for _, a := range q.SourceAgentIDs {
		if sl.fromAgent(a) {
			return true
		}
	}
	if len(queryTerms) > 0 {
		for t := range textutil.TermSet(sl.Text) {
			if queryTerms[t] {
				return true
			}
		}
	}
	// A query with no filters at all admits everything in the window.
	return len(q.Tags) == 0 && len(q.Entities) == 0 &&
		len(q.SourceAgentIDs) == 0 && len(queryTerms) == 0
}

// scoreSlice is Stage B. Redundancy penalizes slices retrieved often, so
// repeat retrievals diversify instead of pinning the same few slices.
func (s *Store) scoreSlice(sl *Slice, q Query, queryTerms map[string]bool, now time.Time) float64 {
	tagMatch := 0.0
	for _, tag := range q.Tags {
		if sl.hasTag(tag) {
			tagMatch += 1.0
		}
	}
	entityMatch := 0.0
	for _, e := range q.Entities {
		if sl.hasEntity(e) {
			entityMatch += 1.0
		}
	}
	termMatch := 0.0
	for t := range textutil.TermSet(sl.Text) {
		if queryTerms[t] {
			termMatch += 0.25
		}
	}
	redundancy := 0.2 * float64(sl.RetrievalCount)

	return tagMatch + entityMatch + termMatch + s.recency(sl, now) + sl.Importance - redundancy
}

// capped reports whether admitting these keys would exceed the cap.
func capped(keys []string, counts map[string]int, max int) bool {
	if max <= 0 {
		return false
	}
	for _, k := range keys {
		if counts[k] >= max {
			return true
		}
	}
	return false
}
