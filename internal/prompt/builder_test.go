package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_UnderBudgetKeepsEverything(t *testing.T) {
	b := NewBuilder(Options{MaxTokens: 8000})

	res := b.Build(Input{
		System:       "Answer from the provided sources.",
		StateBlock:   "Decision: ship in May.",
		WorkingTurns: []Turn{{Query: "q1", Response: "a1"}},
		Slices:       []Slice{{Text: "slice one", Score: 1}, {Text: "slice two", Score: 0.5}},
		LocalContext: "local notes",
	})

	assert.False(t, res.Degraded)
	assert.Zero(t, res.DroppedSlices)
	assert.Contains(t, res.Text, "slice one")
	assert.Contains(t, res.Text, "local notes")
	assert.LessOrEqual(t, res.EstimatedTokens, b.Budget())
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	b := NewBuilder(Options{MaxTokens: 500, StateFloor: 50})

	big := strings.Repeat("densely packed context words ", 200)
	res := b.Build(Input{
		System:     "sys",
		StateBlock: big,
		WorkingTurns: []Turn{
			{Query: big, Response: big},
			{Query: big, Response: big},
		},
		Slices:       []Slice{{Text: big, Score: 1}, {Text: big, Score: 0.9}},
		LocalContext: "",
	})

	assert.LessOrEqual(t, res.EstimatedTokens, b.Budget())
}

func TestBuild_TrimsSlicesBeforeTurns(t *testing.T) {
	// Budget sized so dropping the low-score slice suffices.
	b := NewBuilder(Options{MaxTokens: 200, StateFloor: 10})

	filler := strings.Repeat("word ", 120) // ~150 tokens
	res := b.Build(Input{
		System:       "sys",
		StateBlock:   "state",
		WorkingTurns: []Turn{{Query: "short q", Response: "short a"}},
		Slices:       []Slice{{Text: "keep me", Score: 1}, {Text: filler, Score: 0.1}},
	})

	require.False(t, res.Degraded)
	assert.GreaterOrEqual(t, res.DroppedSlices, 1)
	assert.Contains(t, res.Text, "keep me")
	assert.Contains(t, res.Text, "short q")
}

func TestBuild_StateBlockSurvivesLast(t *testing.T) {
	b := NewBuilder(Options{MaxTokens: 120, StateFloor: 30})

	big := strings.Repeat("x ", 2000)
	res := b.Build(Input{
		System:       "",
		StateBlock:   "Decision: keep the state block. " + big,
		WorkingTurns: []Turn{{Query: big, Response: big}},
		Slices:       []Slice{{Text: big, Score: 1}},
	})

	assert.True(t, res.Degraded || res.StateTruncated)
	assert.Contains(t, res.Text, "Session state")
	assert.NotContains(t, res.Text, "Retrieved memory")
}

func TestBuild_SliceOrderByScore(t *testing.T) {
	b := NewBuilder(Options{MaxTokens: 8000})

	res := b.Build(Input{
		Slices: []Slice{
			{Text: "low score", Score: 0.1},
			{Text: "high score", Score: 0.9},
		},
	})

	hi := strings.Index(res.Text, "high score")
	lo := strings.Index(res.Text, "low score")
	require.NotEqual(t, -1, hi)
	require.NotEqual(t, -1, lo)
	assert.Less(t, hi, lo)
}

func TestBuild_TerminatesWhenTaskAloneOverflows(t *testing.T) {
	// A task section over the budget combined with an unbreakable state
	// block must still converge to a bounded result.
	b := NewBuilder(Options{MaxTokens: 120, StateFloor: 30})

	res := b.Build(Input{
		System:     strings.Repeat("t", 2000),
		StateBlock: strings.Repeat("s", 4000), // no newline to break at
	})

	assert.True(t, res.Degraded)
	assert.LessOrEqual(t, res.EstimatedTokens, b.Budget())
}

func TestBuild_OversizedTaskCappedAtBudget(t *testing.T) {
	b := NewBuilder(Options{MaxTokens: 500, StateFloor: 50})

	// A task section carrying many upstream answers, far over the cap.
	task := strings.Repeat("answer from an upstream call with plenty of words. ", 650)
	res := b.Build(Input{
		System:     task,
		StateBlock: "Decision: contract renewed.",
	})

	assert.True(t, res.Degraded)
	assert.LessOrEqual(t, res.EstimatedTokens, b.Budget())
	assert.Contains(t, res.Text, "[truncated]")
	assert.Contains(t, res.Text, "answer from an upstream call")
}

func TestTruncateToTokens_MarkerWithinBudget(t *testing.T) {
	out := truncateToTokens(strings.Repeat("z", 1000), 30)
	assert.LessOrEqual(t, EstimateTokens(out), 30)
	assert.Contains(t, out, "[truncated]")

	// Text already inside the budget passes through untouched.
	assert.Equal(t, "short", truncateToTokens("short", 30))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
