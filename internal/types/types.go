// Package types holds the shared data model and interfaces for quorum.
// It exists to break import cycles between the pipeline packages.
package types

import (
	"context"
	"time"
)

// LLMClient defines the interface for LLM interactions.
// The core never knows how the call is transported.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// UsageReporter is implemented by clients that track token usage.
type UsageReporter interface {
	Usage() UsageMetadata
}

// UsageMetadata captures token usage metrics from the LLM.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CallCount    int `json:"call_count"`
}

// Add accumulates usage from another call.
func (u *UsageMetadata) Add(other UsageMetadata) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CallCount += other.CallCount
}

// QueryType classifies the user's intent.
type QueryType string

const (
	QueryFactual     QueryType = "factual"
	QueryComparative QueryType = "comparative"
	QueryAggregative QueryType = "aggregative"
	QuerySearch      QueryType = "search"
	QueryAnalytical  QueryType = "analytical"
	QueryTemporal    QueryType = "temporal"
)

// Complexity is a coarse difficulty estimate for a query.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityHigh
)

// String returns the string representation of Complexity.
func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Classification is the derived understanding of a raw query.
type Classification struct {
	Type           QueryType
	Complexity     Complexity
	FormatHint     string // e.g. "list", "table", "" for free-form
	DataPreference string // e.g. "summary", "transcript", ""
}

// Phase marks a sub-query's place in a multi-phase plan.
type Phase string

const (
	PhaseMap      Phase = "map"
	PhaseDebate   Phase = "debate"
	PhaseReduce   Phase = "reduce"
	PhaseFollowup Phase = "followup"
)

// SubQuery is one bounded-scope question derived from the original query.
type SubQuery struct {
	ID          string
	ParentQuery string
	AgentIDs    []string
	GroupID     string
	Perspective string // optional framing, e.g. "skeptical reviewer"
	Phase       Phase
	Depth       int
	Prompt      string
	System      string
}

// ExecutionResult is the outcome of one sub-query call.
type ExecutionResult struct {
	SubQueryID  string
	Response    string
	AgentIDs    []string
	Perspective string
	Phase       Phase
	Latency     time.Duration
	Usage       UsageMetadata
	Success     bool
	Err         error
}

// ProgressStage identifies a pipeline stage transition.
type ProgressStage string

const (
	StageClassified     ProgressStage = "classified"
	StagePlanReady      ProgressStage = "plan_ready"
	StageSubQueryStart  ProgressStage = "subquery_start"
	StageSubQueryDone   ProgressStage = "subquery_done"
	StageAggregating    ProgressStage = "aggregating"
	StageMemoryCaptured ProgressStage = "memory_captured"
	StageDone           ProgressStage = "done"
)

// ProgressEvent is published on stage transitions. Consumers must never
// assume delivery: events are dropped when the subscriber lags.
type ProgressEvent struct {
	Stage      ProgressStage
	SubQueryID string
	Strategy   string
	Detail     string
	Timestamp  time.Time
}
