package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sgerhart/siemflux/internal/dataset"
	"github.com/sgerhart/siemflux/internal/metrics"
	"github.com/sgerhart/siemflux/internal/model"
)

var (
	replayFormat string
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay <csv file or directory>",
	Short: "Push a labelled dataset through the pipeline",
	Long: `Load a CSV dataset (optionally .csv.zst, or a directory of them), run every
row through the pipeline and print the generated alerts as JSON.

Supported formats: cicids2017, unsw_nb15, windows_security, firewall,
android_malware, generic. The format is detected from the header unless
--format is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "auto", "Dataset format")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "n", 0, "Maximum rows per file (0 = all)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	format, err := dataset.ParseFormat(replayFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := dataset.NewLoader(logger)
	opts := dataset.Options{Format: format, Limit: replayLimit}

	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", args[0], err)
	}
	var results []dataset.Result
	if info.IsDir() {
		if results, err = loader.LoadDir(ctx, args[0], opts); err != nil {
			return err
		}
	} else {
		res, err := loader.LoadFile(ctx, args[0], opts)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	var raws []model.RawLogEntry
	for _, res := range results {
		logger.Info("Dataset loaded", "path", res.Path, "format", res.Format, "entries", len(res.Entries), "skipped", res.Skipped)
		raws = append(raws, res.Entries...)
	}
	if len(raws) == 0 {
		return fmt.Errorf("no log entries loaded from %s", args[0])
	}

	router, _, err := newRouter(cfg.LLM, logger)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, router, metrics.NewMetrics(), logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	alerts, runErr := p.ProcessLogs(ctx, raws)
	if alerts == nil {
		alerts = []model.Alert{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"alerts": alerts,
		"stats":  p.Stats(),
	}); err != nil {
		return fmt.Errorf("failed to write alerts: %w", err)
	}
	return runErr
}
