package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/types"
)

func result(id, text string) *types.ExecutionResult {
	return &types.ExecutionResult{SubQueryID: id, Response: text, Success: true}
}

func TestAnalyze_DetectsConflict(t *testing.T) {
	d := NewDetector()

	a := result("s1", "The migration should proceed next month, the team approved the rollout plan.")
	b := result("s2", "However, the migration carries serious risk and the rollout is contrary to the security guidance.")

	rep := d.Analyze([]*types.ExecutionResult{a, b})
	require.Len(t, rep.Pairs, 1)
	assert.Equal(t, ClassConflict, rep.Pairs[0].Class)
	assert.NotEmpty(t, rep.Pairs[0].Themes)
	assert.True(t, rep.HasConflicts())
	assert.NotEmpty(t, rep.Summary)
}

func TestAnalyze_DetectsAgreement(t *testing.T) {
	d := NewDetector()

	a := result("s1", "The budget was approved and similarly the hiring plan confirms the headcount growth.")
	b := result("s2", "This supports the budget approval; both meetings agree on headcount growth.")

	rep := d.Analyze([]*types.ExecutionResult{a, b})
	require.Len(t, rep.Pairs, 1)
	assert.Equal(t, ClassAgreement, rep.Pairs[0].Class)
	assert.False(t, rep.HasConflicts())
}

func TestAnalyze_HighSimilarityIsAgreement(t *testing.T) {
	d := NewDetector()

	// Near-identical answers containing a conflict marker are still
	// agreement: they say the same thing.
	text := "There is a risk the launch slips because testing is behind schedule."
	a := result("s1", text)
	b := result("s2", text+" Testing remains behind.")

	rep := d.Analyze([]*types.ExecutionResult{a, b})
	require.Len(t, rep.Pairs, 1)
	assert.Equal(t, ClassAgreement, rep.Pairs[0].Class)
	assert.GreaterOrEqual(t, rep.Pairs[0].Similarity, 0.75)
}

func TestAnalyze_Symmetry(t *testing.T) {
	d := NewDetector()

	a := result("s1", "The vendor contract was signed, securing the discount despite earlier concern.")
	b := result("s2", "However the vendor terms contradict the finance policy and carry risk.")

	r1 := d.Analyze([]*types.ExecutionResult{a, b})
	r2 := d.Analyze([]*types.ExecutionResult{b, a})

	require.Len(t, r1.Pairs, 1)
	require.Len(t, r2.Pairs, 1)
	assert.Equal(t, r1.Pairs[0].Class, r2.Pairs[0].Class)
	assert.InDelta(t, r1.Pairs[0].Similarity, r2.Pairs[0].Similarity, 1e-9)
}

func TestAnalyze_SkipsFailedAndSingle(t *testing.T) {
	d := NewDetector()

	failed := &types.ExecutionResult{SubQueryID: "s1", Success: false}
	only := result("s2", "Just one answer.")

	rep := d.Analyze([]*types.ExecutionResult{failed, only})
	assert.Empty(t, rep.Pairs)
	assert.False(t, rep.HasConflicts())
}

func TestAnalyze_NeutralOmitted(t *testing.T) {
	d := NewDetector()

	a := result("s1", "Purple elephants enjoy quantum gardening on Tuesdays.")
	b := result("s2", "Submarine lighthouse repairs finished ahead of winter.")

	rep := d.Analyze([]*types.ExecutionResult{a, b})
	assert.Empty(t, rep.Pairs)
}
