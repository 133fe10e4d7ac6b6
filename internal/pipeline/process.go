package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quorum/internal/cache"
	"quorum/internal/decompose"
	"quorum/internal/execute"
	"quorum/internal/logging"
	"quorum/internal/memory"
	"quorum/internal/prompt"
	"quorum/internal/types"
)

const cacheMode = "default"

// Process answers a query through the full pipeline. The sequence is cache
// check, decompose, execute, conflict-detect, aggregate, memory capture,
// cache write. Failures local to one sub-query never abort the turn.
func (s *Session) Process(ctx context.Context, query string) (*Result, error) {
	return s.processAt(ctx, query, 0)
}

func (s *Session) processAt(ctx context.Context, query string, depth int) (*Result, error) {
	started := time.Now()
	timer := logging.StartTimer(logging.CategoryPipeline, "process")
	defer timer.Stop()

	s.mu.Lock()
	s.queries++
	s.mu.Unlock()

	enabled := s.knowledge.EnabledIDs()
	if len(enabled) == 0 {
		resp := "No knowledge sources are active. Enable at least one agent and ask again."
		if depth == 0 {
			s.recordTurn(query, resp, nil, false)
		}
		s.emit(types.StageDone, "", "", "no active agents")
		return &Result{
			Response: resp,
			Metadata: Metadata{Depth: depth, Elapsed: time.Since(started)},
		}, nil
	}

	// The cache is only valid for the knowledge set it was built against.
	s.invalidateOnRevision()

	key := cache.Key(query, enabled, cacheMode)
	if entry, ok := s.lookupCache(query, enabled, key); ok {
		logging.Pipeline("cache hit for %q", query)
		s.mu.Lock()
		s.cacheHits++
		s.mu.Unlock()
		if depth == 0 {
			s.memory.AppendHistory(memory.Turn{
				Query: query, Response: entry.Response, AgentIDs: enabled,
				Timestamp: time.Now(), Cached: true,
			})
		}
		s.emit(types.StageDone, "", entry.Strategy, "cache hit")
		return &Result{
			Response: entry.Response,
			Metadata: Metadata{
				Strategy:        entry.Strategy,
				TotalSubQueries: entry.SubQCount,
				Cached:          true,
				Depth:           depth,
				Elapsed:         time.Since(started),
			},
		}, nil
	}

	retrieved := s.memory.Retrieve(memory.Query{Text: query, Limit: s.config().Memory.RetrieveLimit})

	if depth == 0 {
		if out, ok := s.tryEarlyStop(ctx, query, retrieved); ok {
			s.recordTurn(query, out.Response, enabled, false)
			s.writeCache(key, query, out)
			s.emit(types.StageDone, "", "early-stop", "")
			out.Metadata.Elapsed = time.Since(started)
			return out, nil
		}
	}

	plan := s.planner.Decompose(query, depth)
	s.emit(types.StageClassified, "", plan.Strategy.String(), string(plan.Classification.Type))
	s.emit(types.StagePlanReady, "", plan.Strategy.String(), "")

	s.maybeStartEpisode(query, depth, len(plan.SubQueries), false)

	outcome, execErr := s.runPlan(ctx, plan, retrieved)
	if execErr != nil {
		// Catastrophic only for a single-sub-query plan.
		detail := userFacingError(execErr)
		s.emit(types.StageDone, "", plan.Strategy.String(), "failed")
		return &Result{
			Response: detail,
			Metadata: Metadata{
				Strategy:        plan.Strategy.String(),
				TotalSubQueries: len(plan.SubQueries),
				Depth:           depth,
				Elapsed:         time.Since(started),
			},
		}, execErr
	}

	s.emit(types.StageAggregating, "", plan.Strategy.String(), "")
	successes := outcome.Successes()
	report := s.detector.Analyze(resultPtrs(successes))
	answer, err := s.agg.Aggregate(ctx, query, outcome.Results, report)
	if err != nil {
		return nil, err
	}
	answer = s.bridge.ResolveAll(ctx, answer)

	usage := types.UsageMetadata{}
	for _, r := range outcome.Results {
		usage.Add(r.Usage)
	}

	res := &Result{
		Response: answer,
		Metadata: Metadata{
			Strategy:        plan.Strategy.String(),
			TotalSubQueries: len(plan.SubQueries),
			Conflicts:       report.HasConflicts(),
			PlanTimedOut:    outcome.PlanTimedOut,
			Truncated:       plan.Truncated,
			Depth:           depth,
			Usage:           usage,
			Elapsed:         time.Since(started),
		},
	}

	if depth == 0 {
		// A plan that ran past its map phase marks a natural episode
		// boundary.
		if n := plan.MapCount(); n > 0 && n < len(plan.SubQueries) {
			s.maybeStartEpisode(query, depth, 0, true)
		}
		s.recordTurn(query, answer, enabled, true)
		s.emit(types.StageMemoryCaptured, "", plan.Strategy.String(), "")
		s.writeCache(key, query, res)
		s.finishEpisode(ctx)
	}

	s.emit(types.StageDone, "", plan.Strategy.String(), "")
	return res, nil
}

// runPlan executes the plan with a call function that assembles each
// sub-query's prompt under the token budget.
func (s *Session) runPlan(ctx context.Context, plan *decompose.Plan, retrieved []memory.Scored) (*execute.Outcome, error) {
	cfg := s.config()
	opts := execute.Options{
		MaxConcurrent:  cfg.Pipeline.MaxConcurrent,
		CallTimeout:    cfg.GetSubQueryTimeout(),
		PlanTimeout:    cfg.GetPlanTimeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: 500 * time.Millisecond,
		OnSubQueryStart: func(sq types.SubQuery) {
			s.emit(types.StageSubQueryStart, sq.ID, plan.Strategy.String(), string(sq.Phase))
		},
		OnSubQueryDone: func(r types.ExecutionResult) {
			detail := "ok"
			if !r.Success {
				detail = "failed"
			}
			s.emit(types.StageSubQueryDone, r.SubQueryID, plan.Strategy.String(), detail)
		},
	}

	call := func(ctx context.Context, sq types.SubQuery) (string, types.UsageMetadata, error) {
		return s.callSubQuery(ctx, sq, retrieved)
	}
	return execute.New(opts).Execute(ctx, plan, call)
}

// callSubQuery performs one model request: assemble the prompt from state,
// working window, retrieved slices, and the target agents' context, then
// call the client.
func (s *Session) callSubQuery(ctx context.Context, sq types.SubQuery, retrieved []memory.Scored) (string, types.UsageMetadata, error) {
	var slices []prompt.Slice
	for _, sc := range retrieved {
		slices = append(slices, prompt.Slice{Text: sc.Slice.Text, Score: sc.Score})
	}

	var turns []prompt.Turn
	for _, t := range s.memory.History(s.config().Prompt.WorkingTurns) {
		turns = append(turns, prompt.Turn{Query: t.Query, Response: t.Response})
	}

	local := s.knowledge.ContextSlice(sq.AgentIDs, s.config().Pipeline.TokensPerSubQry)

	system := sq.System
	if sq.Perspective != "" {
		system += " Adopt the perspective of a " + sq.Perspective + "."
	}

	built := s.builder.Build(prompt.Input{
		System:       sq.Prompt,
		StateBlock:   s.memory.StateBlock(4),
		WorkingTurns: turns,
		Slices:       slices,
		LocalContext: local,
	})
	if built.Degraded {
		logging.Prompt("sub-query %s degraded to state-only prompt", sq.ID)
	}

	text, err := s.client.CompleteWithSystem(ctx, system, built.Text)
	if err != nil {
		return "", types.UsageMetadata{}, err
	}
	usage := types.UsageMetadata{
		InputTokens:  built.EstimatedTokens,
		OutputTokens: prompt.EstimateTokens(text),
		CallCount:    1,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return text, usage, nil
}

// tryEarlyStop answers straight from retrieved memory when coverage is
// already sufficient.
func (s *Session) tryEarlyStop(ctx context.Context, query string, retrieved []memory.Scored) (*Result, bool) {
	ptrs := make([]*memory.Slice, len(retrieved))
	for i := range retrieved {
		ptrs[i] = &retrieved[i].Slice
	}
	if !s.agg.EarlyStopEligible(ptrs, query) {
		return nil, false
	}
	answer, err := s.agg.EarlyStop(ctx, query, ptrs)
	if err != nil {
		logging.Pipeline("early stop failed, running full plan: %v", err)
		return nil, false
	}
	return &Result{
		Response: answer,
		Metadata: Metadata{Strategy: "early-stop", EarlyStopped: true},
	}, true
}

// handleRecursive serves bridge requests: a fresh pipeline invocation one
// depth below the caller. Recursive turns skip memory capture and the
// cache write; only the top-level exchange belongs to the conversation.
func (s *Session) handleRecursive(ctx context.Context, req execute.Request) (string, error) {
	logging.Pipeline("recursive invocation at depth %d: %q", req.Depth+1, req.Query)
	s.memory.RecordRecursionDepth(req.Depth + 1)

	res, err := s.processAt(ctx, req.Query, req.Depth+1)
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

// RunCode executes model-generated helper code in the sandbox with the
// recursive ask hooks bound at the given depth. Placeholders from deferred
// asks are resolved before the output is returned.
func (s *Session) RunCode(ctx context.Context, code, input string, depth int) (string, error) {
	if !s.config().Sandbox.Enabled {
		return "", nil
	}
	s.memory.RecordToolCall()

	ask := func(query string) (string, error) {
		return s.bridge.Ask(ctx, query, input, depth)
	}
	deferred := func(query string) string {
		tok, err := s.bridge.AskDeferred(ctx, query, input, depth)
		if err != nil {
			return "[answer unavailable]"
		}
		return tok
	}

	out, err := s.box.Run(ctx, code, input, ask, deferred)
	if err != nil {
		return "", err
	}
	return s.bridge.ResolveAll(ctx, out), nil
}

func (s *Session) recordTurn(query, response string, agentIDs []string, capture bool) {
	t := memory.Turn{
		Query: query, Response: response, AgentIDs: agentIDs, Timestamp: time.Now(),
	}
	if !capture {
		s.memory.AppendHistory(t)
		return
	}
	var client types.LLMClient
	if s.config().Memory.SummarizeWithModel {
		client = s.client
	}
	ids := s.memory.CaptureTurn(context.Background(), t, client)
	logging.Memory("captured %d slices from turn", len(ids))

	if s.archive != nil {
		if err := s.archive.RecordTurn(query, response, agentIDs, false); err != nil {
			logging.Store("turn archive failed: %v", err)
		}
	}
}

// lookupCache does one lookup: GetFuzzy already covers the exact key, so
// the exact pass runs only when fuzzy is off.
func (s *Session) lookupCache(query string, enabled []string, key string) (*cache.Entry, bool) {
	if s.config().Cache.EnableFuzzy {
		return s.cache.GetFuzzy(query, enabled, cacheMode)
	}
	return s.cache.Get(key)
}

func (s *Session) writeCache(key, query string, res *Result) {
	s.cache.Put(key, &cache.Entry{
		Query:     query,
		Response:  res.Response,
		Strategy:  res.Metadata.Strategy,
		Usage:     res.Metadata.Usage,
		SubQCount: res.Metadata.TotalSubQueries,
		CreatedAt: time.Now(),
	})
}

// invalidateOnRevision drops the cache when the knowledge set changed.
func (s *Session) invalidateOnRevision() {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.knowledge.Revision()
	if rev != s.cachedRevision {
		logging.Cache("knowledge revision %d -> %d, invalidating cache", s.cachedRevision, rev)
		s.cache.InvalidateAll()
		s.cachedRevision = rev
	}
}

func (s *Session) maybeStartEpisode(query string, depth, planSize int, phaseComplete bool) {
	cfg := s.config()
	projected := float64(planSize*cfg.Pipeline.TokensPerSubQry) / float64(maxInt(cfg.Prompt.MaxTokens, 1))
	trig := memory.EpisodeTriggers{
		BudgetPressurePct: cfg.Memory.BudgetPressurePct,
		ToolCallThreshold: cfg.Memory.EpisodeToolCalls,
		DepthThreshold:    cfg.Memory.EpisodeDepth,
	}
	if t := s.memory.MaybeAutoStart(projected, depth, phaseComplete, trig); t != "" {
		logging.Memory("focus episode auto-started (%s) for %q", t, query)
	}
}

func (s *Session) finishEpisode(ctx context.Context) {
	trig := memory.EpisodeTriggers{ToolCallThreshold: s.config().Memory.EpisodeToolCalls}
	if !s.memory.ShouldComplete(trig) {
		return
	}
	var client types.LLMClient
	if s.config().Memory.SummarizeWithModel {
		client = s.client
	}
	if _, err := s.memory.CompleteEpisode(ctx, client); err != nil {
		logging.Memory("episode completion failed: %v", err)
	}
}

func resultPtrs(results []types.ExecutionResult) []*types.ExecutionResult {
	out := make([]*types.ExecutionResult, len(results))
	for i := range results {
		out[i] = &results[i]
	}
	return out
}

// userFacingError renders a plain-language failure with diagnosis detail,
// never a stack trace.
func userFacingError(err error) string {
	var sqErr *types.SubQueryError
	if errors.As(err, &sqErr) {
		return fmt.Sprintf("The question could not be answered: the source call failed. (sub-query %s, depth %d)",
			sqErr.SubQueryID, sqErr.Depth)
	}
	return "The question could not be answered: " + err.Error()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
