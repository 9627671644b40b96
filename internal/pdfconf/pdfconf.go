// Package pdfconf builds the pdfcpu configuration shared by every component
// that reads or writes PDFs in-process.
package pdfconf

import (
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// New returns a relaxed-validation configuration. pdfcpu's on-disk config
// directory is turned off once per process.
func New() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
