package commands

import (
	"context"

	"github.com/spherical/scan-ocr/internal/ledger"
	"github.com/spherical/scan-ocr/internal/pipeline"
)

// openLedger opens the configured run ledger, or returns nil when disabled.
func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if cfg.Ledger.Path == "" {
		return nil, nil
	}
	return ledger.Open(ctx, cfg.Ledger.Path)
}

func newRunner(l *ledger.Ledger) (*pipeline.Runner, error) {
	return pipeline.NewRunner(cfg, pipeline.Dependencies{Ledger: l}, logger)
}
