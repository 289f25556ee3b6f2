// Package main provides the CLI entry point for the Loom pipeline server.
//
// Loom executes DAG-shaped LLM pipelines and exposes them over a WebSocket
// chat protocol plus a small REST API for pipelines, traces and model
// lifecycle.
//
// # Basic Usage
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - OPENAI_BASE_URL: alternative OpenAI-compatible endpoint
//   - OLLAMA_BASE_URL: local Ollama server (default http://localhost:11434)
//   - LOOM_DB_PATH: SQLite database path
//   - LOOM_EXAMPLES_JSON: example pipelines used to seed an empty database
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - DAG pipeline server for LLM workflows",
		Long: `Loom runs configurable LLM pipelines: directed graphs of model calls
with parallel fan-out, per-node model selection and full execution tracing.

Clients connect over WebSocket for streaming chat and pipeline runs; a REST
API manages stored pipelines and traces.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)

	return rootCmd
}
