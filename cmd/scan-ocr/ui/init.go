// Package ui renders scan-ocr progress and summaries on the terminal.
package ui

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var verboseFlag bool

// InitUI applies the color and verbosity flags. Color is also disabled when
// stderr is not a terminal.
func InitUI(noColor, verbose bool) {
	verboseFlag = verbose
	if noColor || !IsTerminal() {
		color.NoColor = true
	}
}

// Verbose reports whether verbose output was requested.
func Verbose() bool {
	return verboseFlag
}

// IsTerminal reports whether stderr is attached to a terminal.
func IsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
