package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar shows page progress of a running job.
type ProgressBar struct {
	bar   *progressbar.ProgressBar
	total int
}

// NewProgressBar creates a bar; the total is set once rasterization has
// counted the pages.
func NewProgressBar(description string) *ProgressBar {
	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Update moves the bar to completed of total pages.
func (p *ProgressBar) Update(completed, total int) {
	if total > 0 && total != p.total {
		p.total = total
		p.bar.ChangeMax(total)
	}
	_ = p.bar.Set(completed)
}

// Finish completes the bar.
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Spinner is shown while the total page count is unknown.
type Spinner struct {
	spinner *spinner.Spinner
}

func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	return &Spinner{spinner: s}
}

func (s *Spinner) Start() { s.spinner.Start() }
func (s *Spinner) Stop()  { s.spinner.Stop() }

func Error(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

func Success(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func Warning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s %s\n", color.CyanString("ℹ"), fmt.Sprintf(format, args...))
}
