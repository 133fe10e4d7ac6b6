package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quorum/internal/logging"
)

// knowledgeFile is the on-disk shape of an agent library.
type knowledgeFile struct {
	Agents []*Agent `yaml:"agents"`
	Groups []*Group `yaml:"groups,omitempty"`
}

// LoadFile reads an agent library from a YAML file and returns a populated
// store. Agents with no enabled field present load as enabled.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge file: %w", err)
	}

	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge file: %w", err)
	}

	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent %d has no id", i)
		}
		if a.DisplayName == "" {
			a.DisplayName = a.ID
		}
	}

	s := NewStore()
	s.LoadAgents(f.Agents)
	if len(f.Groups) > 0 {
		s.LoadGroups(f.Groups)
	}
	total, active := s.Count()
	logging.Boot("loaded %d agents (%d enabled), %d groups from %s",
		total, active, len(f.Groups), path)
	return s, nil
}

// SaveFile writes the store's agents and groups back to a YAML file.
func (s *Store) SaveFile(path string) error {
	s.mu.RLock()
	f := knowledgeFile{}
	for _, id := range s.order {
		a := *s.agents[id]
		f.Agents = append(f.Agents, &a)
	}
	for _, g := range s.groups {
		gc := *g
		f.Groups = append(f.Groups, &gc)
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal knowledge file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write knowledge file: %w", err)
	}
	return nil
}
