// Package ocr selects the recognition engine named by configuration.
package ocr

import (
	"fmt"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/ocr/remote"
	"github.com/spherical/scan-ocr/internal/ocr/tesseract"
)

// NewEngine builds the engine for cfg.Engine.
func NewEngine(cfg config.OCRConfig, logger *observability.Logger) (domain.Engine, error) {
	switch cfg.Engine {
	case "tesseract", "":
		return tesseract.New(cfg.Languages), nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, domain.ConfigError("remote engine requires ocr.remote_url", nil)
		}
		engine := remote.NewEngine(cfg.RemoteURL, cfg.Timeout, cfg.Languages, logger)
		if cfg.MaxRetries > 0 {
			retry := remote.DefaultRetryConfig()
			retry.MaxRetries = cfg.MaxRetries
			engine.WithRetry(retry)
		}
		return engine, nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown engine type: %s", cfg.Engine), nil)
	}
}
