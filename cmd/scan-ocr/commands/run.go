package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/spherical/scan-ocr/cmd/scan-ocr/ui"
	"github.com/spherical/scan-ocr/internal/domain"
)

var (
	runMode     string
	runOutput   string
	runFormats  []string
	runDPI      int
	runCompress bool
	runDevice   string
	runStrict   bool
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "OCR an image, a folder or a PDF",
	Long: `Run OCR over a single image, a folder of images and PDFs (recursively),
or a single PDF. Ctrl-C cancels the job; temporary files are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "input mode: single, folder or pdf (default: detect)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output root for the session directory")
	runCmd.Flags().StringSliceVarP(&runFormats, "format", "f", nil, "output formats: pdf, hocr")
	runCmd.Flags().IntVar(&runDPI, "dpi", 0, "inference DPI override (0 = from image)")
	runCmd.Flags().BoolVar(&runCompress, "compress", false, "compress page PDFs")
	runCmd.Flags().StringVar(&runDevice, "device", "", "preferred device: gpu or cpu")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "fail a group when any page is missing at merge")
	rootCmd.AddCommand(runCmd)
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if runDevice != "" {
		cfg.OCR.Device = runDevice
	}
	if runStrict {
		cfg.Merge.Strict = true
	}
	cfg.Supervisor.HandleSignals = true
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	if l != nil {
		defer l.Close()
	}

	runner, err := newRunner(l)
	if err != nil {
		return err
	}
	defer runner.Close()

	job := domain.Job{
		Input:      args[0],
		Mode:       domain.InputMode(runMode),
		OutputRoot: runOutput,
		DPI:        runDPI,
		Compress:   runCompress,
	}
	for _, f := range runFormats {
		job.Formats = append(job.Formats, domain.OutputFormat(f))
	}

	ui.Info("Processing %s", job.Input)

	spin := ui.NewSpinner("discovering input...")
	spin.Start()

	var (
		once sync.Once
		bar  *ui.ProgressBar
	)
	progress := func(completed, total, percent int) bool {
		once.Do(func() {
			spin.Stop()
			bar = ui.NewProgressBar("OCR")
		})
		bar.Update(completed, total)
		return true
	}

	res, runErr := runner.Run(ctx, job, progress)
	once.Do(spin.Stop)
	if bar != nil {
		bar.Finish()
	}

	if res == nil {
		return runErr
	}
	ui.Summary(res)

	switch res.Status {
	case domain.StatusSuccess:
		ui.Success("Done")
	case domain.StatusPartial:
		ui.Warning("%d of %d items failed", res.Failed, res.Total)
	case domain.StatusNoFiles:
		ui.Warning("No supported files found in %s", job.Input)
	case domain.StatusCancelled:
		return fmt.Errorf("job cancelled")
	case domain.StatusFailed:
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("job failed")
	}
	return nil
}
