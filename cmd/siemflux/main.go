package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgerhart/siemflux/internal/config"
	"github.com/sgerhart/siemflux/internal/llm"
	"github.com/sgerhart/siemflux/internal/pipeline"
)

const version = "0.1.0"

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "siemflux",
	Short: "Multi-stage LLM log analysis pipeline",
	Long: `SIEMFlux normalizes security logs from syslog, NATS and datasets and runs
them through anomaly detection, threat intelligence, correlation and alert
generation stages backed by LLM inference.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before configuration")

	rootCmd.AddCommand(serveCmd, replayCmd, normalizeCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("siemflux version %s\n", version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads dotenv files and the configuration
func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Config{}, err
	}
	return config.Load(configPath)
}

// newLogger builds the process logger from the log section
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}

// newRouter builds the LLM router from either the route file or the
// single-provider settings
func newRouter(cfg config.LLMConfig, logger *slog.Logger) (*llm.Router, *llm.BudgetManager, error) {
	routes := llm.DefaultRouterConfig(cfg.Provider, cfg.Model, cfg.BaseURL)
	if cfg.RoutesFile != "" {
		loaded, err := llm.LoadRouterConfig(cfg.RoutesFile)
		if err != nil {
			return nil, nil, err
		}
		routes = loaded
	}

	budget := llm.NewBudgetManager(llm.BudgetConfig{
		RateLimitRPM:   cfg.RateLimitRPM,
		MaxCostPerHour: cfg.MaxCostPerHour,
		MaxWait:        cfg.MaxWait,
	}, logger)

	router, err := llm.NewRouter(routes, budget, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM router: %w", err)
	}
	return router, budget, nil
}

// newPipeline wires a pipeline from the configuration
func newPipeline(cfg config.Config, router *llm.Router, recorder pipeline.Recorder, logger *slog.Logger) (*pipeline.Pipeline, error) {
	pc := pipeline.DefaultConfig()
	pc.BatchSize = cfg.Pipeline.BatchSize
	pc.AlertThreshold = cfg.Pipeline.AlertThreshold
	pc.MaxConcurrent = cfg.Pipeline.MaxConcurrent
	pc.BatchInterval = cfg.Pipeline.BatchInterval
	pc.HistoryWindow = cfg.Pipeline.HistoryWindow
	pc.HistoryMaxEntries = cfg.Pipeline.HistoryMaxEntries
	pc.RelatedWindow = cfg.Pipeline.RelatedWindow
	pc.MaxRelated = cfg.Pipeline.MaxRelated

	return pipeline.New(pc, pipeline.Deps{
		Clients:    router,
		Indicators: cfg.Context.Indicators,
		Assets:     cfg.Context.Assets,
		Users:      cfg.Context.Users,
		Logger:     logger,
		Recorder:   recorder,
	})
}
