// Package main provides the CLI entry point for the Fixer chat agent service.
//
// Fixer exposes a streaming chat API backed by an LLM provider (Anthropic,
// OpenAI, or Amazon Bedrock) with tool execution, per-thread conversation
// state, and sliding-window rate limiting.
//
// # Basic Usage
//
// Start the server:
//
//	fixer serve --config fixer.yaml
//
// # Environment Variables
//
// Configuration values may reference environment variables with ${VAR}
// syntax. Commonly used:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: Bedrock credentials
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fixerlabs/fixer/internal/agent"
	"github.com/fixerlabs/fixer/internal/agent/providers"
	"github.com/fixerlabs/fixer/internal/config"
	"github.com/fixerlabs/fixer/internal/observability"
	"github.com/fixerlabs/fixer/internal/ratelimit"
	"github.com/fixerlabs/fixer/internal/sessions"
	"github.com/fixerlabs/fixer/internal/tools/websearch"
	"github.com/fixerlabs/fixer/internal/web"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fixer",
		Short: "Fixer - Streaming LLM chat agent service",
		Long: `Fixer serves a streaming chat agent over HTTP with tool execution.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Amazon Bedrock
Available tools: Web Search`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the HTTP server.
// This is the primary command for running Fixer in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Fixer chat server",
		Long: `Start the Fixer chat server with the configured LLM provider and tools.

The server will:
1. Load configuration from the specified file (or defaults)
2. Initialize the session store (memory or SQLite)
3. Initialize the LLM provider (Anthropic, OpenAI, or Bedrock)
4. Register enabled tools (Web Search)
5. Start the HTTP server for the chat API, health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (Bedrock, in-memory sessions)
  fixer serve

  # Start with custom config
  fixer serve --config /etc/fixer/production.yaml

  # Start with debug logging
  fixer serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting fixer",
		"version", version,
		"commit", commit,
		"provider", cfg.LLM.DefaultProvider,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	var metrics *observability.Metrics
	if cfg.Server.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	store, closeStore, err := buildSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer closeStore()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize llm provider: %w", err)
	}

	loop := agent.NewLoop(provider, agent.NewToolRegistry(), store, &agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		HistoryLimit:  cfg.Agent.HistoryLimit,
		Logger:        logger,
		Metrics:       metrics,
	})
	loop.SetDefaultSystem(cfg.Agent.SystemPrompt)
	if cfg.Agent.Model != "" {
		loop.SetDefaultModel(cfg.Agent.Model)
	}

	if cfg.Tools.WebSearch.Enabled {
		loop.RegisterTool(websearch.New(cfg.Tools.WebSearch.Config))
	}
	logger.Info("registered tools", "tools", loop.Registry().Names())

	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Sweep idle rate-limit windows in the background for the life of
	// the server.
	go limiter.Run(ctx)

	server := web.New(cfg.Server, loop, store, limiter, metrics, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("fixer stopped gracefully")
	return nil
}

// loadConfig loads the config file when a path is given, otherwise falls
// back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildSessionStore constructs the configured session backend. The returned
// closer is a no-op for the memory backend.
func buildSessionStore(cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Sessions.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

// buildProvider constructs the LLM provider named by the config.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	pc := cfg.Provider(name)

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:          pc.Region,
			AccessKeyID:     pc.AccessKeyID,
			SecretAccessKey: pc.SecretAccessKey,
			SessionToken:    pc.SessionToken,
			DefaultModel:    pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", name)
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fixer %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
