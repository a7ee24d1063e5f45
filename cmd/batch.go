package main

import (
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itchdl/itch-dl/internal/batch"
	"github.com/itchdl/itch-dl/internal/resilience"
)

var (
	batchID       string
	batchRestart  bool
	batchRetryDLQ bool
	batchContinue bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <manifest>",
	Short: "Fetch every job in a manifest",
	Long: "Runs a YAML or plain-text manifest with retries and per-host circuit breakers. " +
		"Rerunning the same batch resumes where it stopped; --retry-dlq re-runs dead-lettered jobs.",
	Args: cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !batchRetryDLQ && len(args) == 0 {
			return eris.New("batch: manifest path is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := batchOptions()
		if opts.BatchID == "" && len(args) == 1 {
			opts.BatchID = defaultBatchID(args[0])
		}
		runner := batch.NewRunner(env.Engine, env.Store, env.Breakers, opts)

		if batchRetryDLQ {
			sum, err := runner.RetryDLQ(ctx)
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			return err
		}

		jobs, err := batch.LoadManifest(args[0])
		if err != nil {
			return err
		}
		sum, err := runner.Run(ctx, jobs)
		if sum != nil {
			printSummary(cmd.OutOrStdout(), sum)
		}
		return err
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchID, "id", "", "batch id (default: absolute manifest path)")
	batchCmd.Flags().BoolVar(&batchRestart, "restart", false, "forget earlier progress of this batch")
	batchCmd.Flags().BoolVar(&batchRetryDLQ, "retry-dlq", false, "re-run dead-lettered jobs instead of the manifest")
	batchCmd.Flags().BoolVar(&batchContinue, "continue", false, "keep going after a failed job and dead-letter it")
	rootCmd.AddCommand(batchCmd)
}

func batchOptions() batch.Options {
	return batch.Options{
		BatchID:       batchID,
		Restart:       batchRestart,
		Concurrency:   cfg.Batch.Concurrency,
		FailFast:      cfg.Batch.FailFast && !batchContinue,
		Retry:         resilience.FromRetryConfig(cfg.Batch.MaxAttempts, cfg.Batch.InitialBackoffMs, cfg.Batch.MaxBackoffMs),
		DLQMaxRetries: cfg.Batch.DLQMaxRetries,
		Fetch:         fetchOptions(cfg.Fetch),
	}
}

// defaultBatchID keys a batch by its manifest so reruns resume.
func defaultBatchID(manifest string) string {
	if abs, err := filepath.Abs(manifest); err == nil {
		return abs
	}
	return manifest
}

func printSummary(w io.Writer, sum *batch.Summary) {
	fmt.Fprintf(w, "batch %s: downloaded=%d skipped=%d failed=%d resumed=%d\n", //nolint:errcheck
		sum.BatchID, sum.Downloaded, sum.Skipped, sum.Failed, sum.Resumed)
}
