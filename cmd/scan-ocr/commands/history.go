package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/scan-ocr/cmd/scan-ocr/ui"
	"github.com/spherical/scan-ocr/internal/ledger"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent jobs from the run ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := requireLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()

		runs, err := l.Runs(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("No jobs recorded")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				r.JobID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				ui.StatusString(r.Status),
				fmt.Sprintf("%d/%d", r.Processed, r.Total),
				fmt.Sprint(r.Failed),
				r.Duration.Round(time.Second).String(),
				r.Input,
			})
		}
		ui.Table([]string{"JOB", "STARTED", "STATUS", "DONE", "FAILED", "ELAPSED", "INPUT"}, rows)
		return nil
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures <job-id>",
	Short: "Show the failed items of a recorded job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := requireLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()

		run, err := l.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		failures, err := l.Failures(cmd.Context(), run.JobID)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			ui.Success("Job %s (%s) has no failures", run.JobID, ui.StatusString(run.Status))
			return nil
		}
		ui.Failures(failures)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of jobs to show")
	rootCmd.AddCommand(historyCmd, failuresCmd)
}

func requireLedger(cmd *cobra.Command) (*ledger.Ledger, error) {
	l, err := openLedger(cmd.Context())
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("run ledger is disabled; set ledger.path or SCANOCR_LEDGER_PATH")
	}
	return l, nil
}
