// Package commands implements the scan-ocr command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical/scan-ocr/cmd/scan-ocr/ui"
	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scan-ocr",
	Short: "Batch OCR for scanned images and PDFs",
	Long: `scan-ocr turns scanned images and image-only PDFs into searchable PDFs
and hOCR files. Output is written to a timestamped session directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitUI(noColor, verbose)

		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		if verbose {
			cfg.Observability.LogLevel = "debug"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      cfg.Observability.LogFormat,
			ServiceName: "scan-ocr",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
