// quorum answers questions over a library of per-document knowledge agents:
// it decomposes each query into bounded sub-queries, runs them concurrently
// against the model, detects conflicts between the answers, and synthesizes
// one attributed response.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"quorum/internal/config"
	"quorum/internal/knowledge"
	"quorum/internal/llm"
	"quorum/internal/logging"
	"quorum/internal/pipeline"
	"quorum/internal/store"
	"quorum/internal/types"
)

var (
	configPath    string
	agentsPath    string
	workspace     string
	verbose       bool
	showProgress  bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "quorum - conflict-aware query orchestration over knowledge agents",
	Long: `quorum loads a library of per-document knowledge agents and answers
questions across them. Queries are classified, decomposed into bounded
sub-queries, executed concurrently under token and time budgets, checked
for conflicting answers, and synthesized into one attributed response.

Knowledge agents are defined in a YAML library file (see the agents flag).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := logging.Initialize(workspace, cfg.Logging.DebugMode || verbose, cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".quorum/config.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVarP(&agentsPath, "agents", "a", ".quorum/agents.yaml", "knowledge agent library")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory for logs and archive")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	askCmd.Flags().BoolVar(&showProgress, "progress", false, "print pipeline stage transitions")
	rootCmd.AddCommand(askCmd, agentsCmd, statsCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newSession builds a session from the flags: knowledge library, model
// client, optional archive.
func newSession(ctx context.Context) (*pipeline.Session, error) {
	ks, err := knowledge.LoadFile(agentsPath)
	if err != nil {
		return nil, err
	}

	client, err := newClient(ctx)
	if err != nil {
		return nil, err
	}

	var archive *store.Archive
	if cfg.Memory.ArchivePath != "" {
		archive, err = store.Open(cfg.Memory.ArchivePath)
		if err != nil {
			logger.Warn("archive unavailable, continuing without it", zap.Error(err))
			archive = nil
		}
	}

	return pipeline.NewSession(cfg, client, ks, archive)
}

func newClient(ctx context.Context) (types.LLMClient, error) {
	var inner types.LLMClient
	switch cfg.LLM.Provider {
	case "offline":
		inner = llm.NewOfflineClient()
	default:
		gc, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		inner = gc
	}

	rc := llm.DefaultRetryConfig()
	if cfg.LLM.MaxRetries > 0 {
		rc.MaxRetries = cfg.LLM.MaxRetries
	}
	return llm.NewRetryingClient(inner, rc, logger), nil
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question across the active knowledge agents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		for i, a := range args {
			if i > 0 {
				query += " "
			}
			query += a
		}

		session, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer session.Close()

		done := make(chan struct{})
		go renderProgress(session.Events(), done)

		res, err := session.Process(cmd.Context(), query)
		close(done)
		if err != nil {
			// Process returns a plain-language response alongside the error.
			if res != nil && res.Response != "" {
				fmt.Println(res.Response)
				return nil
			}
			return err
		}

		fmt.Println(res.Response)
		if verbose {
			fmt.Printf("\n[%s, %d sub-queries, %v", res.Metadata.Strategy,
				res.Metadata.TotalSubQueries, res.Metadata.Elapsed.Round(time.Millisecond))
			if res.Metadata.Cached {
				fmt.Print(", cached")
			}
			if res.Metadata.Conflicts {
				fmt.Print(", conflicts detected")
			}
			fmt.Println("]")
		}
		return nil
	},
}

// renderProgress prints stage transitions until done closes. The session
// drops events when this consumer lags; missing a line is fine.
func renderProgress(events <-chan types.ProgressEvent, done <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			if showProgress {
				fmt.Fprintf(os.Stderr, "  [%s] %s %s\n", ev.Stage, ev.SubQueryID, ev.Detail)
			}
		case <-done:
			return
		}
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer session.Close()

		st := session.Stats()
		fmt.Printf("Agents:        %d loaded, %d active\n", st.AgentsTotal, st.AgentsActive)
		fmt.Printf("Cache:         %d entries (%d hits, %d misses, %d evictions)\n",
			st.CacheEntries, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
		fmt.Printf("Memory slices: %d\n", st.MemorySlices)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration, or write defaults with --init",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, _ := cmd.Flags().GetBool("init"); ok {
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Println("wrote", configPath)
			return nil
		}
		fmt.Printf("provider: %s, model: %s\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Printf("max sub-queries: %d, concurrency: %d, max depth: %d\n",
			cfg.Pipeline.MaxSubQueries, cfg.Pipeline.MaxConcurrent, cfg.Pipeline.MaxDepth)
		fmt.Printf("cache: %d entries, ttl %s, fuzzy=%v\n",
			cfg.Cache.MaxEntries, cfg.Cache.TTL, cfg.Cache.EnableFuzzy)
		fmt.Printf("group decomposition: %v (min %d groups, %d agents)\n",
			cfg.Pipeline.EnableGroupDecomposition, cfg.Pipeline.MinGroups, cfg.Pipeline.MinGroupedAgents)
		return nil
	},
}

func init() {
	configCmd.Flags().Bool("init", false, "write the default configuration file")
}
