package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/conflict"
	"quorum/internal/memory"
	"quorum/internal/types"
)

type fakeClient struct {
	lastSystem string
	lastPrompt string
	response   string
	err        error
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.lastPrompt = prompt
	return f.response, f.err
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	f.lastSystem = system
	f.lastPrompt = prompt
	return f.response, f.err
}

func result(id, text string, agents ...string) types.ExecutionResult {
	return types.ExecutionResult{SubQueryID: id, Response: text, AgentIDs: agents, Success: true}
}

func TestAggregate_Empty(t *testing.T) {
	a := New(&fakeClient{}, nil, DefaultOptions())
	out, err := a.Aggregate(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "None of the sources")
}

func TestAggregate_SingleVerbatim(t *testing.T) {
	c := &fakeClient{response: "should not be called"}
	a := New(c, nil, DefaultOptions())

	out, err := a.Aggregate(context.Background(), "q",
		[]types.ExecutionResult{result("s1", "the only answer", "m1")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "the only answer", out)
	assert.Empty(t, c.lastPrompt)
}

func TestAggregate_SynthesizesWithAttribution(t *testing.T) {
	c := &fakeClient{response: "synthesized"}
	a := New(c, nil, DefaultOptions())

	results := []types.ExecutionResult{
		result("s1", "the budget was cut by ten percent", "meeting-1"),
		result("s2", "hiring was frozen for the second quarter", "meeting-2"),
	}
	out, err := a.Aggregate(context.Background(), "what happened", results, nil)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", out)
	assert.Contains(t, c.lastPrompt, "meeting-1")
	assert.Contains(t, c.lastPrompt, "budget was cut")
	assert.Contains(t, c.lastPrompt, "meeting-2")
}

func TestAggregate_DedupNearIdentical(t *testing.T) {
	c := &fakeClient{response: "synthesized"}
	a := New(c, nil, DefaultOptions())

	results := []types.ExecutionResult{
		result("s1", "launch moved to June after review", "m1"),
		result("s2", "after the review, the launch was moved to June", "m2"),
	}
	out, err := a.Aggregate(context.Background(), "q", results, nil)
	require.NoError(t, err)
	// Dedup collapses to one answer, which passes through verbatim.
	assert.Equal(t, "after the review, the launch was moved to June", out)
	assert.Empty(t, c.lastPrompt)
}

func TestAggregate_ConflictReconciliationInstruction(t *testing.T) {
	c := &fakeClient{response: "reconciled"}
	a := New(c, nil, DefaultOptions())

	r1 := result("s1", "the team agreed the migration is safe and correct", "m1")
	r2 := result("s2", "however the migration is wrong, the team disagreed and the plan is incorrect", "m2")
	report := conflict.NewDetector().Analyze([]*types.ExecutionResult{&r1, &r2})
	require.True(t, report.HasConflicts())

	_, err := a.Aggregate(context.Background(), "is the migration safe",
		[]types.ExecutionResult{r1, r2}, report)
	require.NoError(t, err)
	assert.Contains(t, c.lastPrompt, "Reconcile these tensions")
}

func TestAggregate_SynthesisFailureStitches(t *testing.T) {
	c := &fakeClient{err: errors.New("model down")}
	a := New(c, nil, DefaultOptions())

	results := []types.ExecutionResult{
		result("s1", "the budget was approved in early March", "m1"),
		result("s2", "two engineers joined the platform team", "m2"),
	}
	out, err := a.Aggregate(context.Background(), "q", results, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "budget was approved")
	assert.Contains(t, out, "engineers joined")
}

func TestEarlyStop_Eligibility(t *testing.T) {
	a := New(&fakeClient{}, nil, DefaultOptions())

	slices := []*memory.Slice{
		{Type: memory.SliceDecision, Text: "decided to renew the vendor contract", Timestamp: time.Now()},
	}
	assert.True(t, a.EarlyStopEligible(slices, "what vendor contract was decided"))
	assert.False(t, a.EarlyStopEligible(slices, "unrelated question about kubernetes"))
	assert.False(t, a.EarlyStopEligible(nil, "anything"))

	three := []*memory.Slice{slices[0], slices[0], slices[0]}
	assert.False(t, a.EarlyStopEligible(three, "vendor contract"))
}

func TestEarlyStop_Disabled(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableEarlyStop = false
	a := New(&fakeClient{}, nil, opts)

	slices := []*memory.Slice{{Text: "decided to renew the vendor contract"}}
	assert.False(t, a.EarlyStopEligible(slices, "vendor contract"))
}

func TestEarlyStop_Synthesizes(t *testing.T) {
	c := &fakeClient{response: "from memory"}
	a := New(c, nil, DefaultOptions())

	out, err := a.EarlyStop(context.Background(), "vendor contract status",
		[]*memory.Slice{{Type: memory.SliceDecision, Text: "decided to renew the vendor contract"}})
	require.NoError(t, err)
	assert.Equal(t, "from memory", out)
	assert.Contains(t, c.lastPrompt, "renew the vendor contract")
}
