package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/config"
	"quorum/internal/knowledge"
	"quorum/internal/types"
)

// scriptedClient answers every call with a canned synthesis that cites a
// source by name, and counts upstream calls.
type scriptedClient struct {
	calls int64
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt64(&c.calls, 1)
	return "Meeting 1 decided to renew the vendor contract.", nil
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	atomic.AddInt64(&c.calls, 1)
	return "Meeting 1 decided to renew the vendor contract; Meeting 3 froze hiring.", nil
}

func (c *scriptedClient) callCount() int64 { return atomic.LoadInt64(&c.calls) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "offline"
	cfg.Pipeline.SubQueryTimeout = "5s"
	cfg.Pipeline.PlanTimeout = "30s"
	cfg.Memory.SummarizeWithModel = false
	return cfg
}

func testKnowledge(t *testing.T, n int) *knowledge.Store {
	t.Helper()
	ks := knowledge.NewStore()
	var agents []*knowledge.Agent
	for i := 0; i < n; i++ {
		agents = append(agents, &knowledge.Agent{
			ID:          fmt.Sprintf("meeting-%d", i+1),
			DisplayName: fmt.Sprintf("Meeting %d", i+1),
			Enabled:     true,
			Summary:     fmt.Sprintf("decisions and action items from meeting %d", i+1),
		})
	}
	ks.LoadAgents(agents)
	return ks
}

func newTestSession(t *testing.T, n int) (*Session, *scriptedClient) {
	t.Helper()
	client := &scriptedClient{}
	s, err := NewSession(testConfig(), client, testKnowledge(t, n), nil)
	require.NoError(t, err)
	return s, client
}

func TestProcess_MapReduceEndToEnd(t *testing.T) {
	s, _ := newTestSession(t, 5)

	res, err := s.Process(context.Background(), "What decisions were made across all meetings?")
	require.NoError(t, err)

	assert.Equal(t, "map-reduce", res.Metadata.Strategy)
	assert.Equal(t, 6, res.Metadata.TotalSubQueries)
	assert.False(t, res.Metadata.Cached)
	assert.Contains(t, res.Response, "Meeting 1")
}

func TestProcess_EmptyAgentSet(t *testing.T) {
	s, client := newTestSession(t, 0)

	res, err := s.Process(context.Background(), "anything at all")
	require.NoError(t, err)

	assert.Contains(t, res.Response, "No knowledge sources")
	assert.Equal(t, int64(0), client.callCount())
}

func TestProcess_CacheHitIsIdempotent(t *testing.T) {
	s, client := newTestSession(t, 5)
	query := "What decisions were made across all meetings?"

	first, err := s.Process(context.Background(), query)
	require.NoError(t, err)
	callsAfterFirst := client.callCount()

	second, err := s.Process(context.Background(), query)
	require.NoError(t, err)

	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.Metadata.TotalSubQueries, second.Metadata.TotalSubQueries)
	// Zero upstream calls on the hit.
	assert.Equal(t, callsAfterFirst, client.callCount())
	// The cached turn still joins the conversation history.
	assert.Len(t, s.Memory().History(10), 2)
}

func TestProcess_CacheInvalidatedOnAgentToggle(t *testing.T) {
	s, client := newTestSession(t, 5)
	query := "What decisions were made across all meetings?"

	_, err := s.Process(context.Background(), query)
	require.NoError(t, err)

	// Off and back on: same enabled set, new revision.
	require.NoError(t, s.Knowledge().SetEnabled("meeting-2", false))
	require.NoError(t, s.Knowledge().SetEnabled("meeting-2", true))

	callsBefore := client.callCount()
	res, err := s.Process(context.Background(), query)
	require.NoError(t, err)

	assert.False(t, res.Metadata.Cached)
	assert.Greater(t, client.callCount(), callsBefore)
}

func TestProcess_DirectForSimpleQuery(t *testing.T) {
	s, _ := newTestSession(t, 2)

	res, err := s.Process(context.Background(), "vendor contract renewal date")
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Metadata.Strategy)
	assert.Equal(t, 1, res.Metadata.TotalSubQueries)
}

func TestProcess_ProgressEventsNeverBlock(t *testing.T) {
	s, _ := newTestSession(t, 5)

	// Nobody consumes events; the pipeline must not stall.
	for i := 0; i < 3; i++ {
		_, err := s.Process(context.Background(),
			fmt.Sprintf("What decisions were made across all meetings about topic %d?", i))
		require.NoError(t, err)
	}

	// Whatever fit in the buffer is observable.
	select {
	case ev := <-s.Events():
		assert.NotEmpty(t, ev.Stage)
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestProcess_FuzzyLookupCountsOneMissPerQuery(t *testing.T) {
	client := &scriptedClient{}
	cfg := testConfig()
	cfg.Cache.EnableFuzzy = true
	s, err := NewSession(cfg, client, testKnowledge(t, 3), nil)
	require.NoError(t, err)

	_, err = s.Process(context.Background(), "What decisions were made across all meetings?")
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Cache.Misses)

	// A near-duplicate phrasing lands as a fuzzy hit.
	res, err := s.Process(context.Background(), "What decisions were made across all the meetings?")
	require.NoError(t, err)
	assert.True(t, res.Metadata.Cached)

	st = s.Stats()
	assert.Equal(t, uint64(1), st.Cache.FuzzyHits)
	assert.Equal(t, uint64(2), st.Cache.Misses)
}

func TestProcess_UsageAccumulates(t *testing.T) {
	s, _ := newTestSession(t, 5)

	res, err := s.Process(context.Background(), "What decisions were made across all meetings?")
	require.NoError(t, err)
	assert.Greater(t, res.Metadata.Usage.CallCount, 0)
	assert.Greater(t, res.Metadata.Usage.TotalTokens, 0)
}

func TestRunCode_RecursiveAsk(t *testing.T) {
	s, _ := newTestSession(t, 2)

	code := `
import "host"

func RunQuery(input string) (string, error) {
	detail, err := host.Ask("vendor contract status")
	if err != nil {
		return "", err
	}
	return "computed: " + detail, nil
}
`
	out, err := s.RunCode(context.Background(), code, "input", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "computed: "))
	assert.Contains(t, out, "Meeting 1")
}

func TestRunCode_RecursionCeilingNeverHangs(t *testing.T) {
	s, _ := newTestSession(t, 2)

	code := `
import "host"

func RunQuery(input string) (string, error) {
	return host.Ask("too deep")
}
`
	maxDepth := s.config().Pipeline.MaxDepth
	_, err := s.RunCode(context.Background(), code, "input", maxDepth)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRecursionLimit)
}

func TestSession_ApplyConfigTakesEffect(t *testing.T) {
	s, _ := newTestSession(t, 2)

	next := testConfig()
	next.Sandbox.Enabled = false
	s.ApplyConfig(next)

	out, err := s.RunCode(context.Background(),
		`func RunQuery(input string) (string, error) { return input, nil }`, "x", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSession_ApplyConfigDuringProcess(t *testing.T) {
	s, _ := newTestSession(t, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s.ApplyConfig(testConfig())
		}
	}()

	_, err := s.Process(context.Background(), "What decisions were made across all meetings?")
	require.NoError(t, err)
	<-done
}

func TestSession_Stats(t *testing.T) {
	s, _ := newTestSession(t, 3)

	_, err := s.Process(context.Background(), "What decisions were made across all meetings?")
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 1, st.Queries)
	assert.Equal(t, 3, st.AgentsActive)
	assert.Greater(t, st.MemorySlices, -1)
}

func TestSession_ClearCache(t *testing.T) {
	s, client := newTestSession(t, 3)
	query := "What decisions were made across all meetings?"

	_, err := s.Process(context.Background(), query)
	require.NoError(t, err)
	s.ClearCache()

	callsBefore := client.callCount()
	res, err := s.Process(context.Background(), query)
	require.NoError(t, err)
	assert.False(t, res.Metadata.Cached)
	assert.Greater(t, client.callCount(), callsBefore)
}
