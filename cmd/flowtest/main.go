// Package main is the entry point for the flowtest binary.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/config"
	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/nodes"
	"github.com/flexinfer/flowtest/internal/provider"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowtest",
		Short: "Compile, run and score LLM flow graphs",
		Long: `flowtest validates node graphs, executes them with live event streaming,
and scores their output against test-case criteria.

Configuration is read from the environment (PORT, REDIS_URL, PROVIDER_*, ...);
flags override the logging settings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(
		newServeCmd(),
		newCompileCmd(),
		newCatalogCmd(),
		newCriteriaCmd(),
		newRunCmd(),
	)
	return rootCmd
}

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *provider.Registry
	nodes     *node.Registry
	compiler  *compiler.Compiler
	evaluator *criteria.Evaluator
}

// newApp loads configuration and builds the node catalog, compiler and
// evaluator. Logs go to stderr so command output stays machine readable.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg := config.Load()
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	providers, err := newProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg, err := nodes.NewRegistry(nodes.Deps{Providers: providers, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build node catalog: %w", err)
	}
	comp, err := compiler.New(reg, logger)
	if err != nil {
		return nil, fmt.Errorf("create compiler: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		nodes:     reg,
		compiler:  comp,
		evaluator: criteria.NewEvaluator(providers, &criteria.Config{JudgeTimeout: cfg.JudgeTimeout}, logger),
	}, nil
}

// newProviders registers the configured remote provider as the default and
// an in-process "echo" provider for offline flows.
func newProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	providers := provider.NewRegistry()
	remote := provider.NewOpenAICompatible(provider.OpenAIConfig{
		Name:    cfg.ProviderName,
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Model:   cfg.ProviderModel,
		Timeout: cfg.ProviderTimeout,
		RPS:     cfg.ProviderRPS,
		Burst:   cfg.ProviderBurst,
	}, logger)
	if err := providers.Register(remote); err != nil {
		return nil, err
	}
	if remote.Name() != "echo" {
		if err := providers.Register(provider.NewEcho("echo")); err != nil {
			return nil, err
		}
	}
	return providers, nil
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
