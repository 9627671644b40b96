package ui

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/spherical/scan-ocr/internal/domain"
)

// Table prints rows under headers in aligned columns.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(sep, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// StatusString colors a job status.
func StatusString(s domain.JobStatus) string {
	switch s {
	case domain.StatusSuccess:
		return color.GreenString(string(s))
	case domain.StatusPartial, domain.StatusNoFiles:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

// Summary prints the outcome of a job.
func Summary(res *domain.JobResult) {
	bold := color.New(color.Bold)

	fmt.Fprintln(os.Stdout)
	bold.Fprintln(os.Stdout, "OCR summary")
	fmt.Fprintf(os.Stdout, "  status:    %s\n", StatusString(res.Status))
	fmt.Fprintf(os.Stdout, "  processed: %d\n", res.Processed)
	fmt.Fprintf(os.Stdout, "  failed:    %d\n", res.Failed)
	fmt.Fprintf(os.Stdout, "  total:     %d\n", res.Total)
	fmt.Fprintf(os.Stdout, "  elapsed:   %s\n", res.Duration.Round(time.Millisecond))
	if res.Session != "" {
		fmt.Fprintf(os.Stdout, "  session:   %s\n", res.Session)
	}

	if len(res.Outputs) > 0 {
		fmt.Fprintln(os.Stdout)
		bold.Fprintln(os.Stdout, "Outputs")
		for _, out := range res.Outputs {
			fmt.Fprintf(os.Stdout, "  %s\n", out)
		}
	}

	if len(res.Failures) > 0 {
		fmt.Fprintln(os.Stdout)
		bold.Fprintln(os.Stdout, "Failures")
		Failures(res.Failures)
	}
}

// Failures prints one row per failed item.
func Failures(failures []domain.Failure) {
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		page := "-"
		if f.PageIndex >= 0 {
			page = fmt.Sprint(f.PageIndex + 1)
		}
		rows = append(rows, []string{f.Source, page, string(f.Stage), f.Error})
	}
	Table([]string{"SOURCE", "PAGE", "STAGE", "ERROR"}, rows)
}
