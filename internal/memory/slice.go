// Package memory implements the signal-weighted memory store: it captures
// atomic slices from completed turns, merges near-duplicates, retrieves in
// two stages (cheap filter, then scoring), and compresses bounded focus
// episodes so long sessions forget faithfully instead of truncating.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"quorum/internal/textutil"
)

// SliceType categorizes a memory slice.
type SliceType string

const (
	SliceDecision   SliceType = "decision"
	SliceAction     SliceType = "action"
	SliceRisk       SliceType = "risk"
	SliceEntity     SliceType = "entity"
	SliceConstraint SliceType = "constraint"
	SliceEpisode    SliceType = "episode"
)

// DecisionStatus tracks decision lifecycle; tentative decisions upgrade to
// confirmed instead of duplicating.
type DecisionStatus string

const (
	DecisionTentative DecisionStatus = "tentative"
	DecisionConfirmed DecisionStatus = "confirmed"
)

// Slice is one atomic unit of durable memory.
type Slice struct {
	ID             string
	Type           SliceType
	Text           string
	Summary        string
	Tags           []string
	Entities       []string
	SourceAgentIDs []string
	Timestamp      time.Time
	RecencyScore   float64
	Importance     float64
	RetrievalCount int
	Confidence     float64
	SourceHash     string
	Status         DecisionStatus // decisions only
	SupersededBy   string         // actions only: id of the replacing slice
}

// hashText produces the dedup key for a slice body.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(textutil.Normalize(text)))
	return hex.EncodeToString(sum[:8])
}

// hasTag reports whether the slice carries the tag.
func (s *Slice) hasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// hasEntity reports whether the slice mentions the canonical entity.
func (s *Slice) hasEntity(entity string) bool {
	for _, e := range s.Entities {
		if e == entity {
			return true
		}
	}
	return false
}

// fromAgent reports whether the slice derives from the agent.
func (s *Slice) fromAgent(agentID string) bool {
	for _, a := range s.SourceAgentIDs {
		if a == agentID {
			return true
		}
	}
	return false
}
