package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quorum/internal/config"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive question loop over the agent library",
	Long: `Starts an interactive loop: each line is answered through the full
pipeline, sharing one session so conversation memory and the response
cache carry across questions. The configuration file is watched and
hot-reloaded between turns.

Commands inside the loop: /stats, /clear (drop the cache), /quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer session.Close()

		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			session.ApplyConfig(next)
			logger.Info("configuration reloaded", zap.String("path", configPath))
		})
		if err == nil {
			if err := watcher.Start(cmd.Context()); err == nil {
				defer watcher.Stop()
			}
		}

		fmt.Println("quorum: type a question, /stats, /clear, or /quit")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit" || line == "/exit":
				return nil
			case line == "/clear":
				session.ClearCache()
				fmt.Println("cache cleared")
				continue
			case line == "/stats":
				st := session.Stats()
				fmt.Printf("%d queries, %d cache hits, %d memory slices\n",
					st.Queries, st.CacheHits, st.MemorySlices)
				continue
			}

			res, err := session.Process(cmd.Context(), line)
			if err != nil {
				if res != nil && res.Response != "" {
					fmt.Println(res.Response)
				} else {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
				continue
			}
			fmt.Println(res.Response)
			fmt.Printf("  [%s, %d sub-queries, %v]\n", res.Metadata.Strategy,
				res.Metadata.TotalSubQueries, res.Metadata.Elapsed.Round(time.Millisecond))
		}
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}
