package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/morenocuratelo/archivista/internal/control"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List quarantined documents",
	Run:   runQuarantineList,
}

var readmitCmd = &cobra.Command{
	Use:   "readmit <file-id>",
	Short: "Re-admit a quarantined document for processing",
	Args:  cobra.ExactArgs(1),
	Run:   runReadmit,
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(readmitCmd)
}

func runQuarantineList(cmd *cobra.Command, args []string) {
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

	recs, err := app.Orchestrator().ListQuarantined(ctx)
	if err != nil {
		slog.Error("Failed to list quarantine", "error", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("No quarantined documents.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "FILE\tREASON\tQUARANTINED\tLOCATION")
	for _, rec := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.FileID, rec.Reason,
			rec.QuarantinedAt.Format("2006-01-02 15:04:05"),
			rec.QuarantineLocation)
	}
	_ = w.Flush()
}

func runReadmit(cmd *cobra.Command, args []string) {
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

	job, err := app.Orchestrator().ReAdmit(ctx, args[0])
	if err != nil {
		slog.Error("Failed to re-admit document", "file", args[0], "error", err)
		os.Exit(1)
	}

	fmt.Printf("Re-admitted %s (state %s)\n", job.FileID, job.State)
}
