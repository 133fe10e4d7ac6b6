// Package pipeline wires the whole query path together: cache lookup,
// classification and decomposition, bounded concurrent execution with
// recursive sandbox calls, conflict detection, aggregation, memory capture,
// and the cache write. One Session serves one conversation.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quorum/internal/aggregate"
	"quorum/internal/cache"
	"quorum/internal/config"
	"quorum/internal/conflict"
	"quorum/internal/decompose"
	"quorum/internal/execute"
	"quorum/internal/knowledge"
	"quorum/internal/logging"
	"quorum/internal/memory"
	"quorum/internal/prompt"
	"quorum/internal/sandbox"
	"quorum/internal/store"
	"quorum/internal/types"
)

// Metadata describes how a response was produced.
type Metadata struct {
	Strategy        string              `json:"strategy"`
	TotalSubQueries int                 `json:"total_sub_queries"`
	Cached          bool                `json:"cached"`
	EarlyStopped    bool                `json:"early_stopped"`
	Conflicts       bool                `json:"conflicts"`
	PlanTimedOut    bool                `json:"plan_timed_out"`
	Truncated       bool                `json:"truncated"`
	Depth           int                 `json:"depth"`
	Elapsed         time.Duration       `json:"elapsed"`
	Usage           types.UsageMetadata `json:"usage"`
}

// Result is one answered query.
type Result struct {
	Response string
	Metadata Metadata
}

// Stats summarizes a session's lifetime counters.
type Stats struct {
	Queries      int
	CacheHits    int
	Cache        cache.Stats
	CacheEntries int
	MemorySlices int
	AgentsTotal  int
	AgentsActive int
}

// Session holds everything one conversation needs. Knowledge and memory
// are mutated by at most one pipeline step at a time; execution itself
// runs outside the lock so recursive invocations cannot deadlock.
type Session struct {
	// Live tunables. Swapped wholesale by ApplyConfig, so readers load a
	// consistent snapshot regardless of watcher reloads.
	cfg atomic.Pointer[config.Config]

	client    types.LLMClient
	knowledge *knowledge.Store
	memory    *memory.Store
	cache     *cache.Cache
	builder   *prompt.Builder
	agg       *aggregate.Aggregator
	detector  *conflict.Detector
	planner   *decompose.Decomposer
	box       *sandbox.Executor
	bridge    *execute.Bridge
	archive   *store.Archive

	mu             sync.Mutex // guards memory/cache mutation and counters
	cachedRevision uint64
	queries        int
	cacheHits      int

	progress chan types.ProgressEvent
}

// NewSession wires a session from config. archive may be nil.
func NewSession(cfg *config.Config, client types.LLMClient, ks *knowledge.Store, archive *store.Archive) (*Session, error) {
	memOpts := memory.DefaultOptions()
	memOpts.MaxSlices = cfg.Memory.MaxSlices
	memOpts.DedupSimilarity = cfg.Memory.DedupSimilarity
	memOpts.MaxPerSourceAgent = cfg.Memory.MaxPerSourceAgent
	memOpts.MaxPerTagGroup = cfg.Memory.MaxPerTagGroup
	memOpts.RecencyWindow = cfg.GetRecencyWindow()
	mem := memory.NewStore(memOpts)
	if archive != nil {
		mem.SetArchiver(archive)
	}

	c, err := cache.New(cache.Options{
		MaxEntries:  cfg.Cache.MaxEntries,
		TTL:         cfg.GetCacheTTL(),
		EnableFuzzy: cfg.Cache.EnableFuzzy,
		FuzzyMinSim: cfg.Cache.FuzzyMinSim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	s := &Session{
		client:    client,
		knowledge: ks,
		memory:    mem,
		cache:     c,
		builder: prompt.NewBuilder(prompt.Options{
			MaxTokens:       cfg.Prompt.MaxTokens,
			ResponseReserve: cfg.Prompt.ResponseReserve,
			StateFloor:      cfg.Prompt.StateFloor,
			MaxWorkingTurns: cfg.Prompt.WorkingTurns,
			MaxSlices:       cfg.Prompt.RetrievedSlices,
		}),
		agg: aggregate.New(client, ks, aggregate.Options{
			DedupSimilarity:    0.85,
			EnableEarlyStop:    cfg.Pipeline.EnableEarlyStop,
			EarlyStopMaxSlices: cfg.Pipeline.EarlyStopMaxSlices,
		}),
		detector:       conflict.NewDetector(),
		box:            sandbox.New(cfg.GetSandboxCallTimeout()),
		archive:        archive,
		cachedRevision: ks.Revision(),
		progress:       make(chan types.ProgressEvent, 64),
	}
	s.cfg.Store(cfg)
	s.planner = decompose.NewDecomposer(ks, decompose.Options{
		MaxSubQueries:            cfg.Pipeline.MaxSubQueries,
		EnableGroupDecomposition: cfg.Pipeline.EnableGroupDecomposition,
		MinGroups:                cfg.Pipeline.MinGroups,
		MinGroupedAgents:         cfg.Pipeline.MinGroupedAgents,
		EnableDebatePhase:        cfg.Pipeline.EnableDebatePhase,
	})
	s.bridge = execute.NewBridge(s.handleRecursive, cfg.Pipeline.MaxDepth, cfg.GetSandboxAskTimeout())
	return s, nil
}

// config returns the current tunables snapshot. Each pipeline step loads
// once and works from that copy for its duration.
func (s *Session) config() *config.Config { return s.cfg.Load() }

// ApplyConfig swaps the live tunables; safe to call while queries run.
// Components sized at session creation (cache capacity, prompt budget,
// recursion ceiling) keep their original settings until a new session.
func (s *Session) ApplyConfig(next *config.Config) {
	cp := *next
	s.cfg.Store(&cp)
	logging.Pipeline("configuration applied: concurrency=%d retries=%d",
		cp.Pipeline.MaxConcurrent, cp.LLM.MaxRetries)
}

// Memory exposes the session's memory store.
func (s *Session) Memory() *memory.Store { return s.memory }

// Knowledge exposes the session's knowledge store.
func (s *Session) Knowledge() *knowledge.Store { return s.knowledge }

// Events returns the progress stream. Events are dropped, never blocked
// on, when the consumer lags.
func (s *Session) Events() <-chan types.ProgressEvent { return s.progress }

func (s *Session) emit(stage types.ProgressStage, subQueryID, strategy, detail string) {
	ev := types.ProgressEvent{
		Stage:      stage,
		SubQueryID: subQueryID,
		Strategy:   strategy,
		Detail:     detail,
		Timestamp:  time.Now(),
	}
	select {
	case s.progress <- ev:
	default:
	}
}

// Stats returns lifetime counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, active := s.knowledge.Count()
	return Stats{
		Queries:      s.queries,
		CacheHits:    s.cacheHits,
		Cache:        s.cache.Stats(),
		CacheEntries: s.cache.Len(),
		MemorySlices: s.memory.Len(),
		AgentsTotal:  total,
		AgentsActive: active,
	}
}

// ClearCache drops every cached response.
func (s *Session) ClearCache() {
	s.cache.InvalidateAll()
	logging.Pipeline("cache cleared by request")
}

// Close releases the archive handle if one is attached.
func (s *Session) Close() error {
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}
