// Package config holds all quorum configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all quorum configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Query orchestration limits
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Result cache
	Cache CacheConfig `yaml:"cache"`

	// Memory store
	Memory MemoryConfig `yaml:"memory"`

	// Prompt assembly budgets
	Prompt PromptConfig `yaml:"prompt"`

	// Code sandbox
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the upstream model call.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // gemini, offline
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// PipelineConfig bounds decomposition and execution.
type PipelineConfig struct {
	MaxSubQueries   int    `yaml:"max_sub_queries"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxDepth        int    `yaml:"max_depth"`
	TokensPerSubQry int    `yaml:"tokens_per_sub_query"`
	SubQueryTimeout string `yaml:"sub_query_timeout"`
	PlanTimeout     string `yaml:"plan_timeout"`

	// Group decomposition fires when at least MinGroups groups cover at
	// least MinGroupedAgents agents. Empirically chosen, tune freely.
	EnableGroupDecomposition bool `yaml:"enable_group_decomposition"`
	MinGroups                int  `yaml:"min_groups"`
	MinGroupedAgents         int  `yaml:"min_grouped_agents"`

	EnableDebatePhase bool `yaml:"enable_debate_phase"`

	EnableEarlyStop    bool `yaml:"enable_early_stop"`
	EarlyStopMaxSlices int  `yaml:"early_stop_max_slices"`
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	MaxEntries  int     `yaml:"max_entries"`
	TTL         string  `yaml:"ttl"`
	EnableFuzzy bool    `yaml:"enable_fuzzy"`
	FuzzyMinSim float64 `yaml:"fuzzy_min_similarity"`
}

// MemoryConfig configures slice capture and retrieval.
type MemoryConfig struct {
	MaxSlices          int     `yaml:"max_slices"`
	RetrieveLimit      int     `yaml:"retrieve_limit"`
	DedupSimilarity    float64 `yaml:"dedup_similarity"`
	MaxPerSourceAgent  int     `yaml:"max_per_source_agent"`
	MaxPerTagGroup     int     `yaml:"max_per_tag_group"`
	RecencyWindow      string  `yaml:"recency_window"`
	EpisodeToolCalls   int     `yaml:"episode_tool_call_threshold"`
	EpisodeDepth       int     `yaml:"episode_depth_threshold"`
	BudgetPressurePct  float64 `yaml:"budget_pressure_pct"`
	ArchivePath        string  `yaml:"archive_path"` // sqlite archive, "" disables
	SummarizeWithModel bool    `yaml:"summarize_with_model"`
}

// PromptConfig configures the token-budgeted prompt builder.
type PromptConfig struct {
	MaxTokens       int     `yaml:"max_tokens"`
	ResponseReserve float64 `yaml:"response_reserve"` // fraction held back for output
	StateFloor      int     `yaml:"state_floor_tokens"`
	WorkingTurns    int     `yaml:"working_turns"`
	RetrievedSlices int     `yaml:"retrieved_slices"`
}

// SandboxConfig configures interpreted code execution.
type SandboxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CallTimeout string `yaml:"call_timeout"`
	AskTimeout  string `yaml:"ask_timeout"` // recursive handshake wait
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "quorum",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
			Timeout:    "120s",
			MaxRetries: 2,
		},

		Pipeline: PipelineConfig{
			MaxSubQueries:            25,
			MaxConcurrent:            4,
			MaxDepth:                 3,
			TokensPerSubQry:          2000,
			SubQueryTimeout:          "90s",
			PlanTimeout:              "5m",
			EnableGroupDecomposition: true,
			MinGroups:                2,
			MinGroupedAgents:         6,
			EnableDebatePhase:        true,
			EnableEarlyStop:          true,
			EarlyStopMaxSlices:       2,
		},

		Cache: CacheConfig{
			MaxEntries:  256,
			TTL:         "30m",
			EnableFuzzy: false,
			FuzzyMinSim: 0.88,
		},

		Memory: MemoryConfig{
			MaxSlices:          2000,
			RetrieveLimit:      8,
			DedupSimilarity:    0.82,
			MaxPerSourceAgent:  3,
			MaxPerTagGroup:     4,
			RecencyWindow:      "72h",
			EpisodeToolCalls:   12,
			EpisodeDepth:       2,
			BudgetPressurePct:  0.80,
			ArchivePath:        ".quorum/archive.db",
			SummarizeWithModel: true,
		},

		Prompt: PromptConfig{
			MaxTokens:       8000,
			ResponseReserve: 0.15,
			StateFloor:      300,
			WorkingTurns:    2,
			RetrievedSlices: 8,
		},

		Sandbox: SandboxConfig{
			Enabled:     true,
			CallTimeout: "60s",
			AskTimeout:  "90s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("QUORUM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if model := os.Getenv("QUORUM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("QUORUM_ARCHIVE_DB"); path != "" {
		c.Memory.ArchivePath = path
	}
	if os.Getenv("QUORUM_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.Pipeline.MaxSubQueries < 1 {
		return fmt.Errorf("pipeline.max_sub_queries must be >= 1, got %d", c.Pipeline.MaxSubQueries)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be >= 1, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.MaxDepth < 0 {
		return fmt.Errorf("pipeline.max_depth must be >= 0, got %d", c.Pipeline.MaxDepth)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.FuzzyMinSim < 0 || c.Cache.FuzzyMinSim > 1 {
		return fmt.Errorf("cache.fuzzy_min_similarity must be in [0,1], got %f", c.Cache.FuzzyMinSim)
	}
	if c.Prompt.MaxTokens < c.Prompt.StateFloor {
		return fmt.Errorf("prompt.max_tokens (%d) below state floor (%d)", c.Prompt.MaxTokens, c.Prompt.StateFloor)
	}
	if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	return nil
}

// parseDuration returns the parsed duration or a fallback.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetSubQueryTimeout returns the per-sub-query timeout.
func (c *Config) GetSubQueryTimeout() time.Duration {
	return parseDuration(c.Pipeline.SubQueryTimeout, 90*time.Second)
}

// GetPlanTimeout returns the plan-level timeout.
func (c *Config) GetPlanTimeout() time.Duration {
	return parseDuration(c.Pipeline.PlanTimeout, 5*time.Minute)
}

// GetCacheTTL returns the cache entry TTL.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 30*time.Minute)
}

// GetRecencyWindow returns the memory retrieval recency window.
func (c *Config) GetRecencyWindow() time.Duration {
	return parseDuration(c.Memory.RecencyWindow, 72*time.Hour)
}

// GetSandboxCallTimeout returns the sandbox execution timeout.
func (c *Config) GetSandboxCallTimeout() time.Duration {
	return parseDuration(c.Sandbox.CallTimeout, 60*time.Second)
}

// GetSandboxAskTimeout returns the recursive handshake wait timeout.
func (c *Config) GetSandboxAskTimeout() time.Duration {
	return parseDuration(c.Sandbox.AskTimeout, 90*time.Second)
}
