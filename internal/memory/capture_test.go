package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureTurn_ExtractsTypedSlices(t *testing.T) {
	s := NewStore(DefaultOptions())

	ids := s.CaptureTurn(context.Background(), Turn{
		Query: "what happened in the planning meeting?",
		Response: "The group decided to ship in June. " +
			"There is a risk that staging capacity falls short. " +
			"Alex will prepare the capacity report. " +
			"The rollout cannot start before the audit completes.",
		AgentIDs: []string{"a1"},
	}, nil)

	require.NotEmpty(t, ids)
	counts := s.CountByType()
	assert.GreaterOrEqual(t, counts[SliceDecision], 1)
	assert.GreaterOrEqual(t, counts[SliceRisk], 1)
	assert.GreaterOrEqual(t, counts[SliceAction], 1)
	assert.GreaterOrEqual(t, counts[SliceConstraint], 1)
}

func TestCaptureTurn_SourceAgentsPropagate(t *testing.T) {
	s := NewStore(DefaultOptions())

	s.CaptureTurn(context.Background(), Turn{
		Query:    "q",
		Response: "The board decided to freeze hiring for the winter quarter.",
		AgentIDs: []string{"a7"},
	}, nil)

	got := s.Retrieve(Query{SourceAgentIDs: []string{"a7"}, Limit: 5})
	require.NotEmpty(t, got)
}

func TestHistory_BoundedAndOrdered(t *testing.T) {
	s := NewStore(DefaultOptions())
	for i := 0; i < maxHistory+10; i++ {
		s.AppendHistory(Turn{Query: "q", Response: "r"})
	}
	assert.Len(t, s.History(0), maxHistory)
	assert.Len(t, s.History(3), 3)
}

func TestStateBlock_SectionsPresent(t *testing.T) {
	s := NewStore(DefaultOptions())
	s.Add(&Slice{Type: SliceDecision, Text: "Ship in June", Status: DecisionConfirmed})
	s.Add(&Slice{Type: SliceRisk, Text: "Capacity shortfall in staging"})

	block := s.StateBlock(5)
	assert.Contains(t, block, "Decisions:")
	assert.Contains(t, block, "Ship in June")
	assert.Contains(t, block, "Risks:")
}

func TestExtractEntities_SkipsSentenceInitial(t *testing.T) {
	ents := extractEntities("Yesterday Alex met with Jordan. Later they left.")
	assert.Contains(t, ents, "Alex")
	assert.Contains(t, ents, "Jordan")
	assert.NotContains(t, ents, "Yesterday")
	assert.NotContains(t, ents, "Later")
}
