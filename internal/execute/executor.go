// Package execute runs a plan's sub-queries under a bounded worker pool.
// Map-phase sub-queries run concurrently up to the pool limit; debate and
// reduce phases wait for the phases before them. Failures stay local to
// their sub-query: the plan always finishes with whatever completed.
package execute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"quorum/internal/decompose"
	"quorum/internal/logging"
	"quorum/internal/types"
)

// CallFunc performs one language-model request for a sub-query.
type CallFunc func(ctx context.Context, sq types.SubQuery) (string, types.UsageMetadata, error)

// Options bound execution.
type Options struct {
	MaxConcurrent  int
	CallTimeout    time.Duration
	PlanTimeout    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration

	// Progress hooks, optional. Called from worker goroutines; they must
	// not block.
	OnSubQueryStart func(sq types.SubQuery)
	OnSubQueryDone  func(res types.ExecutionResult)
}

// DefaultOptions returns execution defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  4,
		CallTimeout:    90 * time.Second,
		PlanTimeout:    5 * time.Minute,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// Outcome is what a plan run produced. Results hold every sub-query the
// plan attempted, including failures and skips; aggregation filters.
type Outcome struct {
	Results      []types.ExecutionResult
	PlanTimedOut bool
	Skipped      int
}

// Successes returns only the results that completed.
func (o *Outcome) Successes() []types.ExecutionResult {
	var out []types.ExecutionResult
	for _, r := range o.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Executor schedules sub-queries over a weighted semaphore.
type Executor struct {
	opts Options
	sem  *semaphore.Weighted

	deadline time.Time
}

// New returns an executor with the given options.
func New(opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Executor{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Execute runs the plan. Map sub-queries run as the pool frees slots; the
// debate phase (if any) waits for the map phase, and the reduce phase waits
// for both. An iterative plan's follow-up runs only when the initial answer
// signals uncertainty. The returned error is non-nil only for the
// catastrophic case: a single-sub-query plan whose one call failed.
func (e *Executor) Execute(ctx context.Context, plan *decompose.Plan, call CallFunc) (*Outcome, error) {
	if len(plan.SubQueries) == 0 {
		return &Outcome{}, nil
	}
	if e.opts.PlanTimeout > 0 {
		e.deadline = time.Now().Add(e.opts.PlanTimeout)
	}

	var maps, followups, debates, reduces []types.SubQuery
	for _, sq := range plan.SubQueries {
		switch sq.Phase {
		case types.PhaseFollowup:
			followups = append(followups, sq)
		case types.PhaseDebate:
			debates = append(debates, sq)
		case types.PhaseReduce:
			reduces = append(reduces, sq)
		default:
			maps = append(maps, sq)
		}
	}

	outcome := &Outcome{}
	mapResults := e.runPhase(ctx, maps, "", call)
	outcome.Results = append(outcome.Results, mapResults...)

	if plan.Strategy == decompose.StrategyIterative && anyUncertain(mapResults) {
		logging.Execute("initial answer uncertain, running follow-up")
		fu := e.runPhase(ctx, followups, answersBlock(mapResults), call)
		outcome.Results = append(outcome.Results, fu...)
		mapResults = append(mapResults, fu...)
	}

	var debateText string
	if len(debates) > 0 {
		dr := e.runPhase(ctx, debates, answersBlock(mapResults), call)
		outcome.Results = append(outcome.Results, dr...)
		for _, r := range dr {
			if r.Success {
				debateText = r.Response
			}
		}
	}

	if len(reduces) > 0 {
		suffix := answersBlock(mapResults)
		if debateText != "" {
			suffix = "--- Tension report ---\n" + debateText + "\n\n" + suffix
		}
		rr := e.runPhase(ctx, reduces, suffix, call)
		outcome.Results = append(outcome.Results, rr...)
	}

	for _, r := range outcome.Results {
		if !r.Success && errors.Is(r.Err, types.ErrPlanTimeout) {
			outcome.PlanTimedOut = true
			outcome.Skipped++
		}
	}

	if len(plan.SubQueries) == 1 && !outcome.Results[0].Success {
		return outcome, outcome.Results[0].Err
	}
	return outcome, nil
}

// runPhase runs one phase's sub-queries concurrently and waits for all of
// them. suffix, when non-empty, is appended to each prompt (prior-phase
// answers for debate and reduce).
func (e *Executor) runPhase(ctx context.Context, subs []types.SubQuery, suffix string, call CallFunc) []types.ExecutionResult {
	if len(subs) == 0 {
		return nil
	}
	results := make([]types.ExecutionResult, len(subs))
	var g errgroup.Group
	for i, sq := range subs {
		i, sq := i, sq
		g.Go(func() error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				results[i] = e.failedResult(sq, types.ErrPlanTimeout, err)
				return nil
			}
			defer e.sem.Release(1)

			if e.deadlineElapsed() {
				logging.Execute("plan deadline elapsed, skipping %s", sq.ID)
				results[i] = e.failedResult(sq, types.ErrPlanTimeout, nil)
				return nil
			}
			results[i] = e.runOne(ctx, sq, suffix, call)
			return nil
		})
	}
	g.Wait()
	return results
}

func (e *Executor) deadlineElapsed() bool {
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}

// runOne executes a single sub-query with bounded retries. Timeouts and
// recursion-limit failures are not retried; upstream errors back off
// exponentially between attempts.
func (e *Executor) runOne(ctx context.Context, sq types.SubQuery, suffix string, call CallFunc) types.ExecutionResult {
	if e.opts.OnSubQueryStart != nil {
		e.opts.OnSubQueryStart(sq)
	}
	if suffix != "" {
		sq.Prompt = sq.Prompt + "\n\n" + suffix
	}

	start := time.Now()
	backoff := e.opts.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		}
		text, usage, err := call(callCtx, sq)
		cancel()

		if err == nil {
			res := types.ExecutionResult{
				SubQueryID:  sq.ID,
				Response:    text,
				AgentIDs:    sq.AgentIDs,
				Perspective: sq.Perspective,
				Phase:       sq.Phase,
				Latency:     time.Since(start),
				Usage:       usage,
				Success:     true,
			}
			// A result that lands after the plan deadline is ignored.
			if e.deadlineElapsed() {
				res.Success = false
				res.Err = types.NewSubQueryError(sq.ID, sq.Depth, types.ErrPlanTimeout, nil)
			}
			if e.opts.OnSubQueryDone != nil {
				e.opts.OnSubQueryDone(res)
			}
			if attempt > 0 && res.Success {
				logging.Execute("sub-query %s succeeded on attempt %d", sq.ID, attempt+1)
			}
			return res
		}

		lastErr = err
		logging.Execute("sub-query %s attempt %d failed: %v", sq.ID, attempt+1, err)

		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = types.ErrSubQueryTimeout
			break
		}
		if errors.Is(err, types.ErrRecursionLimit) || errors.Is(err, context.Canceled) {
			break
		}
		if attempt < e.opts.MaxRetries {
			select {
			case <-ctx.Done():
				attempt = e.opts.MaxRetries
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	kind := types.ErrUpstreamCall
	if errors.Is(lastErr, types.ErrSubQueryTimeout) {
		kind = types.ErrSubQueryTimeout
	}
	res := e.failedResult(sq, kind, lastErr)
	res.Latency = time.Since(start)
	if e.opts.OnSubQueryDone != nil {
		e.opts.OnSubQueryDone(res)
	}
	return res
}

func (e *Executor) failedResult(sq types.SubQuery, kind, cause error) types.ExecutionResult {
	if cause != nil && errors.Is(cause, kind) {
		cause = nil
	}
	return types.ExecutionResult{
		SubQueryID:  sq.ID,
		AgentIDs:    sq.AgentIDs,
		Perspective: sq.Perspective,
		Phase:       sq.Phase,
		Err:         types.NewSubQueryError(sq.ID, sq.Depth, kind, cause),
	}
}

// uncertaintySignals are checked against an iterative plan's initial answer
// to decide whether the follow-up fires.
var uncertaintySignals = []string{
	"not sure", "unclear", "uncertain", "cannot find", "can't find",
	"no information", "does not cover", "doesn't cover", "incomplete",
	"hard to say", "not mentioned",
}

// ResultUncertain reports whether a response text signals uncertainty.
func ResultUncertain(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range uncertaintySignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func anyUncertain(results []types.ExecutionResult) bool {
	for _, r := range results {
		if r.Success && ResultUncertain(r.Response) {
			return true
		}
	}
	return false
}

// answersBlock renders completed answers for a later phase's prompt.
func answersBlock(results []types.ExecutionResult) string {
	var b strings.Builder
	for _, r := range results {
		if !r.Success {
			continue
		}
		label := strings.Join(r.AgentIDs, ", ")
		if r.Perspective != "" {
			label = fmt.Sprintf("%s (%s)", label, r.Perspective)
		}
		fmt.Fprintf(&b, "--- Answer from %s ---\n%s\n\n", label, strings.TrimSpace(r.Response))
	}
	return strings.TrimSpace(b.String())
}
