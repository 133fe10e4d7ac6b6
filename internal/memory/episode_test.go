package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArchiver records archive calls for assertions.
type fakeArchiver struct {
	episodes []*Episode
	slices   []*Slice
}

func (f *fakeArchiver) ArchiveEpisode(ep *Episode) error {
	f.episodes = append(f.episodes, ep)
	return nil
}

func (f *fakeArchiver) ArchiveSlices(slices []*Slice) error {
	f.slices = append(f.slices, slices...)
	return nil
}

func TestEpisode_Lifecycle(t *testing.T) {
	s := NewStore(DefaultOptions())
	arch := &fakeArchiver{}
	s.SetArchiver(arch)

	ep, err := s.StartEpisode("migration-planning", "settle the migration schedule")
	require.NoError(t, err)

	// Only one episode at a time.
	_, err = s.StartEpisode("second", "nope")
	assert.Error(t, err)

	s.AppendHistory(Turn{
		Query:    "when do we migrate?",
		Response: "The team decided to migrate in June. There is a risk the vendor slips. Dana will confirm dates.",
	})

	done, err := s.CompleteEpisode(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, ep, done)

	// Raw events discarded, summary and derived slices persist.
	assert.True(t, done.Completed)
	assert.Nil(t, done.events)
	assert.NotEmpty(t, done.Summary.Decisions)
	assert.NotEmpty(t, done.DerivedSlices)
	require.Len(t, arch.episodes, 1)

	// Store is free for a new episode.
	assert.Nil(t, s.ActiveEpisode())
	_, err = s.StartEpisode("next", "more work")
	assert.NoError(t, err)
}

func TestEpisode_CompleteWithoutActive(t *testing.T) {
	s := NewStore(DefaultOptions())
	_, err := s.CompleteEpisode(context.Background(), nil)
	assert.Error(t, err)
}

func TestEpisode_AutoStartOnBudgetPressure(t *testing.T) {
	s := NewStore(DefaultOptions())
	trig := EpisodeTriggers{BudgetPressurePct: 0.80, ToolCallThreshold: 12, DepthThreshold: 2}

	fired := s.MaybeAutoStart(0.5, 0, false, trig)
	assert.Equal(t, AutoTrigger(""), fired)
	assert.Nil(t, s.ActiveEpisode())

	fired = s.MaybeAutoStart(0.85, 0, false, trig)
	assert.Equal(t, TriggerBudgetPressure, fired)
	require.NotNil(t, s.ActiveEpisode())

	// Already active: no second auto-start.
	fired = s.MaybeAutoStart(0.95, 5, true, trig)
	assert.Equal(t, AutoTrigger(""), fired)
}

func TestEpisode_AutoStartOnDepth(t *testing.T) {
	s := NewStore(DefaultOptions())
	trig := EpisodeTriggers{DepthThreshold: 2}

	fired := s.MaybeAutoStart(0, 2, false, trig)
	assert.Equal(t, TriggerRecursionDepth, fired)
}

func TestEpisode_AutoStartOnPhaseComplete(t *testing.T) {
	s := NewStore(DefaultOptions())
	trig := EpisodeTriggers{BudgetPressurePct: 0.80}

	fired := s.MaybeAutoStart(0, 0, true, trig)
	assert.Equal(t, TriggerPhaseComplete, fired)
	require.NotNil(t, s.ActiveEpisode())
}

func TestEpisode_AutoStartOnToolCalls(t *testing.T) {
	s := NewStore(DefaultOptions())
	trig := EpisodeTriggers{ToolCallThreshold: 3}

	// Calls outside any episode accumulate toward the trigger.
	s.RecordToolCall()
	s.RecordToolCall()
	assert.Equal(t, AutoTrigger(""), s.MaybeAutoStart(0, 0, false, trig))

	s.RecordToolCall()
	fired := s.MaybeAutoStart(0, 0, false, trig)
	assert.Equal(t, TriggerToolCalls, fired)
	require.NotNil(t, s.ActiveEpisode())

	// The counter resets at the boundary: after completion the next
	// auto-start needs fresh accumulation.
	_, err := s.CompleteEpisode(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, AutoTrigger(""), s.MaybeAutoStart(0, 0, false, trig))
}

func TestEpisode_ToolCallCompletionThreshold(t *testing.T) {
	s := NewStore(DefaultOptions())
	trig := EpisodeTriggers{ToolCallThreshold: 3}

	_, err := s.StartEpisode("tools", "heavy tool use")
	require.NoError(t, err)

	assert.False(t, s.ShouldComplete(trig))
	for i := 0; i < 3; i++ {
		s.RecordToolCall()
	}
	assert.True(t, s.ShouldComplete(trig))
}

func TestParseSummary(t *testing.T) {
	text := "DECISIONS\n- migrate in June\nRISKS\n- vendor slip\nOPEN QUESTIONS\n- who owns rollback?"
	sum := parseSummary(text)
	assert.Equal(t, []string{"migrate in June"}, sum.Decisions)
	assert.Equal(t, []string{"vendor slip"}, sum.Risks)
	assert.Equal(t, []string{"who owns rollback?"}, sum.OpenQuestions)
}
