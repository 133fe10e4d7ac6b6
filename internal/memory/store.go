package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorum/internal/logging"
	"quorum/internal/textutil"
)

// Options tunes capture, dedup, and retrieval.
type Options struct {
	MaxSlices         int
	DedupSimilarity   float64 // risk-merge threshold
	MaxPerSourceAgent int     // retrieval diversity cap
	MaxPerTagGroup    int
	RecencyWindow     time.Duration
	RecencyHalfLife   time.Duration // decay constant for recency scoring
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxSlices:         2000,
		DedupSimilarity:   0.82,
		MaxPerSourceAgent: 3,
		MaxPerTagGroup:    4,
		RecencyWindow:     72 * time.Hour,
		RecencyHalfLife:   24 * time.Hour,
	}
}

// Archiver receives completed episodes and evicted slices for offline
// diagnosis. Implementations must never block the caller on failure.
type Archiver interface {
	ArchiveEpisode(ep *Episode) error
	ArchiveSlices(slices []*Slice) error
}

// Store is the in-memory slice store. One pipeline step mutates it at a
// time within a process call; the mutex guards cross-session readers.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	slices  map[string]*Slice
	aliases map[string]string // entity alias -> canonical form
	history []Turn

	episode *Episode // active focus episode, nil when none

	// Tool calls made while no episode was active, reset at every episode
	// boundary. Feeds the tool-call auto-start trigger.
	looseToolCalls int

	archiver Archiver // optional

	now func() time.Time // test seam
}

// NewStore creates a store.
func NewStore(opts Options) *Store {
	if opts.MaxSlices <= 0 {
		opts.MaxSlices = DefaultOptions().MaxSlices
	}
	if opts.DedupSimilarity <= 0 {
		opts.DedupSimilarity = DefaultOptions().DedupSimilarity
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = DefaultOptions().RecencyHalfLife
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultOptions().RecencyWindow
	}
	return &Store{
		opts:    opts,
		slices:  make(map[string]*Slice),
		aliases: make(map[string]string),
		now:     time.Now,
	}
}

// SetArchiver attaches the sqlite archive sink.
func (s *Store) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

// RegisterAlias maps an entity alias to its canonical form.
func (s *Store) RegisterAlias(alias, canonical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[strings.ToLower(alias)] = canonical
}

// canonicalEntity resolves an entity through the alias table.
func (s *Store) canonicalEntity(e string) string {
	if c, ok := s.aliases[strings.ToLower(e)]; ok {
		return c
	}
	return e
}

// Add inserts a slice, applying the dedup/merge rules:
//   - entities normalize to canonical aliases
//   - a tentative decision matching a confirmed-text submission upgrades
//     in place instead of duplicating
//   - actions keep latest-wins with a back-reference on the superseded one
//   - risks with high text similarity unify, raising confidence
//
// Returns the id of the surviving slice.
func (s *Store) Add(sl *Slice) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(sl)
}

func (s *Store) addLocked(sl *Slice) string {
	if sl.ID == "" {
		sl.ID = uuid.New().String()
	}
	if sl.Timestamp.IsZero() {
		sl.Timestamp = s.now()
	}
	if sl.Confidence == 0 {
		sl.Confidence = 0.6
	}
	if sl.SourceHash == "" {
		sl.SourceHash = hashText(sl.Text)
	}
	for i, e := range sl.Entities {
		sl.Entities[i] = s.canonicalEntity(e)
	}

	// Exact duplicate by source hash: refresh recency, raise confidence.
	for _, existing := range s.slices {
		if existing.Type == sl.Type && existing.SourceHash == sl.SourceHash {
			existing.Timestamp = sl.Timestamp
			existing.Confidence = clamp01(existing.Confidence + 0.1)
			return existing.ID
		}
	}

	switch sl.Type {
	case SliceDecision:
		if id, ok := s.mergeDecision(sl); ok {
			return id
		}
	case SliceAction:
		s.supersedeAction(sl)
	case SliceRisk:
		if id, ok := s.mergeRisk(sl); ok {
			return id
		}
	}

	s.slices[sl.ID] = sl
	s.evictIfNeeded()
	logging.Memory("slice added: type=%s id=%s", sl.Type, sl.ID)
	return sl.ID
}

// mergeDecision upgrades a tentative decision on the same subject rather
// than adding a second slice.
func (s *Store) mergeDecision(sl *Slice) (string, bool) {
	for _, existing := range s.slices {
		if existing.Type != SliceDecision {
			continue
		}
		if textutil.Jaccard(existing.Text, sl.Text) < s.opts.DedupSimilarity {
			continue
		}
		if existing.Status == DecisionTentative && sl.Status == DecisionConfirmed {
			existing.Status = DecisionConfirmed
			existing.Text = sl.Text
			existing.Timestamp = sl.Timestamp
			existing.Confidence = clamp01(existing.Confidence + 0.2)
		} else {
			existing.Timestamp = sl.Timestamp
			existing.Confidence = clamp01(existing.Confidence + 0.05)
		}
		return existing.ID, true
	}
	return "", false
}

// supersedeAction marks older actions on the same subject as replaced.
func (s *Store) supersedeAction(sl *Slice) {
	for _, existing := range s.slices {
		if existing.Type != SliceAction || existing.SupersededBy != "" {
			continue
		}
		if textutil.Jaccard(existing.Text, sl.Text) >= s.opts.DedupSimilarity {
			existing.SupersededBy = sl.ID
		}
	}
}

// mergeRisk unifies highly similar risks, raising confidence instead of
// adding a new slice.
func (s *Store) mergeRisk(sl *Slice) (string, bool) {
	for _, existing := range s.slices {
		if existing.Type != SliceRisk {
			continue
		}
		if textutil.Jaccard(existing.Text, sl.Text) >= s.opts.DedupSimilarity {
			existing.Confidence = clamp01(existing.Confidence + 0.15)
			existing.Timestamp = sl.Timestamp
			existing.Entities = mergeStrings(existing.Entities, sl.Entities)
			existing.Tags = mergeStrings(existing.Tags, sl.Tags)
			return existing.ID, true
		}
	}
	return "", false
}

// evictIfNeeded prunes the lowest-value slices when over capacity.
// Evicted slices go to the archiver when one is attached.
func (s *Store) evictIfNeeded() {
	over := len(s.slices) - s.opts.MaxSlices
	if over <= 0 {
		return
	}

	all := make([]*Slice, 0, len(s.slices))
	for _, sl := range s.slices {
		all = append(all, sl)
	}
	now := s.now()
	sort.Slice(all, func(i, j int) bool {
		return s.retentionValue(all[i], now) < s.retentionValue(all[j], now)
	})

	evicted := all[:over]
	for _, sl := range evicted {
		delete(s.slices, sl.ID)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveSlices(evicted); err != nil {
			logging.Get(logging.CategoryMemory).Warn("archive on evict failed: %v", err)
		}
	}
	logging.Memory("evicted %d slices (capacity %d)", over, s.opts.MaxSlices)
}

// retentionValue orders slices for eviction: stale, unimportant, rarely
// retrieved ones go first. Superseded actions rank at the bottom.
func (s *Store) retentionValue(sl *Slice, now time.Time) float64 {
	if sl.SupersededBy != "" {
		return -1
	}
	return s.recency(sl, now) + sl.Importance + 0.1*float64(sl.RetrievalCount) + 0.5*sl.Confidence
}

// recency maps age onto (0,1] with exponential half-life decay.
func (s *Store) recency(sl *Slice, now time.Time) float64 {
	age := now.Sub(sl.Timestamp)
	if age <= 0 {
		return 1
	}
	halves := float64(age) / float64(s.opts.RecencyHalfLife)
	v := 1.0
	for halves >= 1 {
		v /= 2
		halves--
	}
	return v * (1 - 0.5*halves)
}

// Get returns a copy of the slice with the given id.
func (s *Store) Get(id string) (Slice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slices[id]
	if !ok {
		return Slice{}, false
	}
	return *sl, true
}

// Len returns the number of resident slices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slices)
}

// CountByType returns slice counts per type.
func (s *Store) CountByType() map[SliceType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[SliceType]int)
	for _, sl := range s.slices {
		out[sl.Type]++
	}
	return out
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}
