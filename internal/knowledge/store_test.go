package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgents() []*Agent {
	return []*Agent{
		{ID: "a1", DisplayName: "Q1 Planning", Enabled: true, Summary: "Budget planning for the first quarter. Decisions on hiring.",
			Metadata: AgentMetadata{Topics: []string{"budget", "hiring"}}},
		{ID: "a2", DisplayName: "Security Review", Enabled: true, Summary: "Review of authentication risks and mitigations.",
			Metadata: AgentMetadata{Topics: []string{"security"}, Entities: []string{"OAuth"}}},
		{ID: "a3", DisplayName: "Offsite Notes", Enabled: false, Summary: "Team offsite discussion notes."},
	}
}

func TestStore_LoadAndEnabled(t *testing.T) {
	s := NewStore()
	s.LoadAgents(testAgents())

	total, enabled := s.Count()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, enabled)

	ids := s.EnabledIDs()
	assert.Equal(t, []string{"a1", "a2"}, ids)
}

func TestStore_RevisionBumpsOnMutation(t *testing.T) {
	s := NewStore()
	s.LoadAgents(testAgents())
	rev := s.Revision()

	require.NoError(t, s.SetEnabled("a3", true))
	assert.Greater(t, s.Revision(), rev)

	// Toggling to the same state is not a mutation.
	rev = s.Revision()
	require.NoError(t, s.SetEnabled("a3", true))
	assert.Equal(t, rev, s.Revision())
}

func TestStore_SetEnabledUnknown(t *testing.T) {
	s := NewStore()
	err := s.SetEnabled("nope", true)
	assert.Error(t, err)
}

func TestStore_AssignGroup(t *testing.T) {
	s := NewStore()
	s.LoadAgents(testAgents())
	s.LoadGroups([]*Group{{ID: "g1", Name: "Finance", Kind: GroupThematic}})

	require.NoError(t, s.AssignGroup("a1", "g1"))
	assert.Error(t, s.AssignGroup("a1", "missing"))

	in := s.AgentsInGroup("g1")
	require.Len(t, in, 1)
	assert.Equal(t, "a1", in[0].ID)
}

func TestRelevantAgents_Ordering(t *testing.T) {
	s := NewStore()
	s.LoadAgents(testAgents())

	scored := s.RelevantAgents("What are the authentication security risks?", 0)
	require.NotEmpty(t, scored)
	assert.Equal(t, "a2", scored[0].Agent.ID)
}

func TestRelevantAgents_DisabledExcluded(t *testing.T) {
	s := NewStore()
	s.LoadAgents(testAgents())

	scored := s.RelevantAgents("offsite", 0)
	for _, sa := range scored {
		assert.NotEqual(t, "a3", sa.Agent.ID)
	}
}

func TestContextSlice_BudgetRespected(t *testing.T) {
	s := NewStore()
	agents := testAgents()
	agents[0].Transcript = strings.Repeat("transcript words here ", 500)
	s.LoadAgents(agents)

	budget := 100
	slice := s.ContextSlice([]string{"a1", "a2"}, budget)
	assert.LessOrEqual(t, EstimateTokens(slice), budget)
	assert.Contains(t, slice, "Q1 Planning")
}

func TestContextSlice_TranscriptOnlyWithBudget(t *testing.T) {
	s := NewStore()
	agents := testAgents()
	agents[0].Transcript = "short transcript"
	s.LoadAgents(agents)

	slice := s.ContextSlice([]string{"a1"}, 10_000)
	assert.Contains(t, slice, "short transcript")
}
