package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 25, cfg.Pipeline.MaxSubQueries)
	assert.Equal(t, 3, cfg.Pipeline.MaxDepth)
	assert.False(t, cfg.Cache.EnableFuzzy)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline.MaxConcurrent, cfg.Pipeline.MaxConcurrent)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_concurrent: 9\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pipeline.MaxConcurrent)
	// Untouched sections retain defaults.
	assert.Equal(t, 25, cfg.Pipeline.MaxSubQueries)
	assert.Equal(t, "30m", cfg.Cache.TTL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("QUORUM_API_KEY", "test-key")
	t.Setenv("QUORUM_MODEL", "gemini-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, "gemini-test", cfg.LLM.Model)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.MaxDepth = 5
	cfg.Cache.EnableFuzzy = true

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Pipeline.MaxDepth)
	assert.True(t, loaded.Cache.EnableFuzzy)
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sub-queries", func(c *Config) { c.Pipeline.MaxSubQueries = 0 }},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }},
		{"negative depth", func(c *Config) { c.Pipeline.MaxDepth = -1 }},
		{"fuzzy similarity out of range", func(c *Config) { c.Cache.FuzzyMinSim = 1.5 }},
		{"tokens below state floor", func(c *Config) { c.Prompt.MaxTokens = 100 }},
		{"bad ttl", func(c *Config) { c.Cache.TTL = "soon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationAccessors_FallBackOnGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.PlanTimeout = "garbage"
	cfg.Sandbox.AskTimeout = ""

	assert.Equal(t, 5*time.Minute, cfg.GetPlanTimeout())
	assert.Equal(t, 90*time.Second, cfg.GetSandboxAskTimeout())
}
