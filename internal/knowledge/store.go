// Package knowledge holds the loaded knowledge agents and groups and
// answers relevance- and budget-bounded context queries against them.
package knowledge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"quorum/internal/logging"
)

// AgentMetadata carries optional structured analysis attached at ingestion.
type AgentMetadata struct {
	Topics   []string `json:"topics,omitempty" yaml:"topics,omitempty"`
	Entities []string `json:"entities,omitempty" yaml:"entities,omitempty"`
	Temporal string   `json:"temporal,omitempty" yaml:"temporal,omitempty"`
	Signals  []string `json:"signals,omitempty" yaml:"signals,omitempty"`
}

// Agent is one independently-summarized knowledge source (per-document
// analysis). Created by the ingestion layer, owned by the Store.
type Agent struct {
	ID          string        `json:"id" yaml:"id"`
	DisplayName string        `json:"display_name" yaml:"display_name"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	GroupID     string        `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Summary     string        `json:"summary" yaml:"summary"`
	KeyPoints   string        `json:"key_points,omitempty" yaml:"key_points,omitempty"`
	ActionItems string        `json:"action_items,omitempty" yaml:"action_items,omitempty"`
	Sentiment   string        `json:"sentiment,omitempty" yaml:"sentiment,omitempty"`
	Transcript  string        `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	Metadata    AgentMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GroupKind describes how a group was formed.
type GroupKind string

const (
	GroupThematic GroupKind = "thematic"
	GroupTemporal GroupKind = "temporal"
	GroupSource   GroupKind = "source"
	GroupCustom   GroupKind = "custom"
)

// Group aggregates agents by weak reference (Agent.GroupID), not ownership.
type Group struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Color     string    `json:"color,omitempty" yaml:"color,omitempty"`
	Icon      string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Kind      GroupKind `json:"kind" yaml:"kind"`
}

// Store holds agents and groups. Every mutation bumps the revision counter
// so the pipeline can invalidate caches keyed on the active agent set.
type Store struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	order    []string // load order, for stable iteration
	groups   map[string]*Group
	revision uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		agents: make(map[string]*Agent),
		groups: make(map[string]*Group),
	}
}

// LoadAgents replaces or adds the given agents.
func (s *Store) LoadAgents(agents []*Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range agents {
		if a == nil || a.ID == "" {
			continue
		}
		if _, exists := s.agents[a.ID]; !exists {
			s.order = append(s.order, a.ID)
		}
		cp := *a
		s.agents[a.ID] = &cp
	}
	s.revision++
	logging.Pipeline("loaded %d agents (revision %d)", len(agents), s.revision)
}

// LoadGroups replaces or adds the given groups.
func (s *Store) LoadGroups(groups []*Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if g == nil || g.ID == "" {
			continue
		}
		cp := *g
		s.groups[g.ID] = &cp
	}
	s.revision++
}

// Get returns a copy of the agent with the given id.
func (s *Store) Get(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Enabled returns copies of all enabled agents in load order.
func (s *Store) Enabled() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.agents[id]; ok && a.Enabled {
			out = append(out, *a)
		}
	}
	return out
}

// EnabledIDs returns the sorted ids of enabled agents. Sorted so the
// result is a stable cache-key component.
func (s *Store) EnabledIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.agents))
	for id, a := range s.agents {
		if a.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetEnabled toggles an agent. Returns an error for unknown ids.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent: %s", id)
	}
	if a.Enabled != enabled {
		a.Enabled = enabled
		s.revision++
	}
	return nil
}

// Rename changes an agent's display name.
func (s *Store) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent: %s", id)
	}
	a.DisplayName = name
	s.revision++
	return nil
}

// AssignGroup sets (or clears, with "") an agent's group.
func (s *Store) AssignGroup(agentID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent: %s", agentID)
	}
	if groupID != "" {
		if _, ok := s.groups[groupID]; !ok {
			return fmt.Errorf("unknown group: %s", groupID)
		}
	}
	a.GroupID = groupID
	s.revision++
	return nil
}

// Remove deletes an agent.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("unknown agent: %s", id)
	}
	delete(s.agents, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.revision++
	return nil
}

// Groups returns copies of all groups.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentsInGroup returns enabled agents belonging to the given group.
func (s *Store) AgentsInGroup(groupID string) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Agent
	for _, id := range s.order {
		if a, ok := s.agents[id]; ok && a.Enabled && a.GroupID == groupID {
			out = append(out, *a)
		}
	}
	return out
}

// Revision returns the current mutation counter.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Count returns (total, enabled) agent counts.
func (s *Store) Count() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled := 0
	for _, a := range s.agents {
		if a.Enabled {
			enabled++
		}
	}
	return len(s.agents), enabled
}
