package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/morenocuratelo/archivista/internal/control"
	"github.com/morenocuratelo/archivista/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status [file-id]",
	Short: "Show job counts per state, or the lifecycle of one file",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()

	ctx := context.Background()
	app, err := control.NewApp(ctx, cfg, log)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = app.Stop(ctx)
	}()

	orch := app.Orchestrator()

	if len(args) == 1 {
		job, err := orch.Status(ctx, args[0])
		if err != nil {
			slog.Error("Failed to load job", "file", args[0], "error", err)
			os.Exit(1)
		}
		history, err := orch.History(ctx, args[0])
		if err != nil {
			slog.Error("Failed to load history", "file", args[0], "error", err)
			os.Exit(1)
		}

		fmt.Printf("%s: %s (%s)\n", job.FileID, job.State, domain.StateDescription(job.State))
		fmt.Printf("  stage: %s, progress: %d%%, retries: %d/%d\n",
			job.Stage, job.ProgressPercent, job.RetryCount, job.MaxRetries)
		if job.LastError != "" {
			fmt.Printf("  last error: %s\n", job.LastError)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "SEQ\tFROM\tTO\tREASON\tAT")
		for _, tr := range history {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				tr.Seq, tr.From, tr.To, tr.Reason, tr.Timestamp.Format("2006-01-02 15:04:05"))
		}
		_ = w.Flush()
		return
	}

	counts, err := orch.StateCounts(ctx)
	if err != nil {
		slog.Error("Failed to count jobs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNT")
	for _, state := range []domain.JobState{
		domain.StatePending, domain.StateQueued, domain.StateProcessing,
		domain.StateCompleted, domain.StateFailedTransient,
		domain.StateFailedPermanent, domain.StateRetryScheduled,
		domain.StateQuarantined, domain.StateCancelled, domain.StateSkipped,
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
	}
	_ = w.Flush()
}
