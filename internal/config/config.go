// Package config provides unified configuration loading for scan-ocr.
// Supports YAML files, .env files, environment variables and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SCANOCR_"

// Config holds all configuration for the OCR pipeline.
type Config struct {
	Output        OutputConfig        `yaml:"output"`
	Raster        RasterConfig        `yaml:"raster"`
	OCR           OCRConfig           `yaml:"ocr"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Merge         MergeConfig         `yaml:"merge"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// OutputConfig controls where sessions are written and what they contain.
type OutputConfig struct {
	Root          string   `yaml:"root"`           // parent of OCR_Session_* directories, empty = next to input
	Formats       []string `yaml:"formats"`        // pdf, hocr
	SessionPrefix string   `yaml:"session_prefix"` // default OCR_Session
}

// RasterConfig holds PDF rasterization settings.
type RasterConfig struct {
	DPI         int           `yaml:"dpi"`
	Strategies  []string      `yaml:"strategies"` // ordered: pdftoppm, ghostscript, mupdf
	Timeout     time.Duration `yaml:"timeout"`    // per external tool invocation
	Pdftoppm    string        `yaml:"pdftoppm_path"`
	Ghostscript string        `yaml:"ghostscript_path"`
}

// OCRConfig holds inference engine settings.
type OCRConfig struct {
	Engine      string        `yaml:"engine"` // tesseract or remote
	Device      string        `yaml:"device"` // gpu or cpu
	Languages   []string      `yaml:"languages"`
	DPIOverride int           `yaml:"dpi_override"`
	DefaultDPI  int           `yaml:"default_dpi"`
	RemoteURL   string        `yaml:"remote_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// SynthesisConfig holds page artifact settings.
type SynthesisConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	Compress           bool    `yaml:"compress"`
	Compressor         string  `yaml:"compressor"` // pdfcpu or ghostscript
	CompressionQuality int     `yaml:"compression_quality"`
	SizeTolerance      float64 `yaml:"size_tolerance"`
}

// MergeConfig holds group reassembly settings.
type MergeConfig struct {
	Wait         time.Duration `yaml:"wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Strict       bool          `yaml:"strict"`
}

// SupervisorConfig holds cancellation settings.
type SupervisorConfig struct {
	Grace         time.Duration `yaml:"grace"`
	HandleSignals bool          `yaml:"handle_signals"` // cancel the running job on SIGINT/SIGTERM
}

// LedgerConfig holds the run ledger settings.
type LedgerConfig struct {
	Path string `yaml:"path"` // empty disables the ledger
}

// ServerConfig holds HTTP job API settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			Formats:       []string{"pdf"},
			SessionPrefix: "OCR_Session",
		},
		Raster: RasterConfig{
			DPI:         300,
			Strategies:  []string{"pdftoppm", "ghostscript", "mupdf"},
			Timeout:     5 * time.Minute,
			Pdftoppm:    "pdftoppm",
			Ghostscript: "gs",
		},
		OCR: OCRConfig{
			Engine:     "tesseract",
			Device:     "cpu",
			Languages:  []string{"eng"},
			DefaultDPI: 300,
			Timeout:    2 * time.Minute,
			MaxRetries: 3,
		},
		Synthesis: SynthesisConfig{
			MaxAttempts:        3,
			Compress:           false,
			Compressor:         "pdfcpu",
			CompressionQuality: 80,
			SizeTolerance:      1.10,
		},
		Merge: MergeConfig{
			Wait:         30 * time.Second,
			PollInterval: time.Second,
		},
		Supervisor: SupervisorConfig{
			Grace: 5 * time.Second,
		},
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Output.Formats) == 0 {
		return fmt.Errorf("at least one output format is required")
	}
	for _, f := range c.Output.Formats {
		if f != "pdf" && f != "hocr" {
			return fmt.Errorf("invalid output format: %s", f)
		}
	}

	if c.Raster.DPI < 72 || c.Raster.DPI > 1200 {
		return fmt.Errorf("raster dpi must be between 72 and 1200, got %d", c.Raster.DPI)
	}
	if len(c.Raster.Strategies) == 0 {
		return fmt.Errorf("at least one raster strategy is required")
	}
	for _, s := range c.Raster.Strategies {
		switch s {
		case "pdftoppm", "ghostscript", "mupdf":
		default:
			return fmt.Errorf("invalid raster strategy: %s", s)
		}
	}

	if c.OCR.Engine != "tesseract" && c.OCR.Engine != "remote" {
		return fmt.Errorf("invalid ocr engine: %s", c.OCR.Engine)
	}
	if c.OCR.Engine == "remote" && c.OCR.RemoteURL == "" {
		return fmt.Errorf("ocr remote_url is required for the remote engine")
	}
	if c.OCR.Device != "gpu" && c.OCR.Device != "cpu" {
		return fmt.Errorf("invalid ocr device: %s", c.OCR.Device)
	}
	if c.OCR.DefaultDPI <= 0 {
		return fmt.Errorf("ocr default_dpi must be positive")
	}

	if c.Synthesis.MaxAttempts < 1 {
		return fmt.Errorf("synthesis max_attempts must be at least 1")
	}
	if c.Synthesis.Compressor != "pdfcpu" && c.Synthesis.Compressor != "ghostscript" {
		return fmt.Errorf("invalid compressor: %s", c.Synthesis.Compressor)
	}
	if c.Synthesis.CompressionQuality < 1 || c.Synthesis.CompressionQuality > 100 {
		return fmt.Errorf("compression_quality must be between 1 and 100")
	}
	if c.Synthesis.SizeTolerance < 1 {
		return fmt.Errorf("size_tolerance must be at least 1.0")
	}

	if c.Merge.Wait < 0 || c.Merge.PollInterval <= 0 {
		return fmt.Errorf("merge wait must be >= 0 and poll_interval > 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// applyEnvOverrides applies SCANOCR_* environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := env("OUTPUT_ROOT"); v != "" {
		cfg.Output.Root = v
	}

	if v := env("FORMATS"); v != "" {
		cfg.Output.Formats = splitList(v)
	}

	if v := env("RASTER_DPI"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Raster.DPI = n
		}
	}

	if v := env("RASTER_STRATEGIES"); v != "" {
		cfg.Raster.Strategies = splitList(v)
	}

	if v := env("OCR_ENGINE"); v != "" {
		cfg.OCR.Engine = v
	}

	if v := env("OCR_DEVICE"); v != "" {
		cfg.OCR.Device = v
	}

	if v := env("OCR_LANGUAGES"); v != "" {
		cfg.OCR.Languages = splitList(v)
	}

	if v := env("OCR_REMOTE_URL"); v != "" {
		cfg.OCR.RemoteURL = v
	}

	if v := env("OCR_DPI"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OCR.DPIOverride = n
		}
	}

	if v := env("COMPRESS"); v != "" {
		cfg.Synthesis.Compress = v == "true" || v == "1"
	}

	if v := env("COMPRESSOR"); v != "" {
		cfg.Synthesis.Compressor = v
	}

	if v := env("MERGE_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Merge.Wait = d
		}
	}

	if v := env("LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}

	if v := env("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := env("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := env("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Addr returns the listen address for the job API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
