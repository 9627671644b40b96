// Package scanocr is the library entry point for running OCR jobs.
package scanocr

import (
	"context"
	"os"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/pipeline"
)

// Re-exported job types
type (
	Config       = config.Config
	Job          = domain.Job
	JobResult    = domain.JobResult
	JobStatus    = domain.JobStatus
	Failure      = domain.Failure
	InputMode    = domain.InputMode
	OutputFormat = domain.OutputFormat
	Engine       = domain.Engine
)

const (
	ModeSingle = domain.ModeSingle
	ModeFolder = domain.ModeFolder
	ModePDF    = domain.ModePDF

	FormatPDF  = domain.FormatPDF
	FormatHOCR = domain.FormatHOCR

	StatusSuccess   = domain.StatusSuccess
	StatusPartial   = domain.StatusPartial
	StatusCancelled = domain.StatusCancelled
	StatusNoFiles   = domain.StatusNoFiles
	StatusFailed    = domain.StatusFailed
)

// EventType identifies a stream event
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is streamed while a job runs. Result is set on EventComplete and,
// when the job produced one, on EventError.
type Event struct {
	Type      EventType
	Completed int
	Total     int
	Percent   int
	Result    *JobResult
	Err       error
}

// Client runs OCR jobs one at a time.
type Client struct {
	runner *pipeline.Runner
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	engine Engine
	logger *observability.Logger
}

// WithEngine replaces the configured inference engine.
func WithEngine(e Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithLogger sets the structured logger; the default discards output.
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient creates a client from SCANOCR_* environment variables and an
// optional .env file.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, domain.ConfigError("load configuration", err)
	}
	return NewClientWithConfig(cfg, opts...)
}

// NewClientWithConfig creates a client with an explicit configuration.
func NewClientWithConfig(cfg *Config, opts ...Option) (*Client, error) {
	o := options{logger: observability.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.ConfigError("invalid configuration", err)
	}

	runner, err := pipeline.NewRunner(cfg, pipeline.Dependencies{Engine: o.engine}, o.logger)
	if err != nil {
		return nil, err
	}
	return &Client{runner: runner}, nil
}

// Run processes job and blocks until it terminates.
func (c *Client) Run(ctx context.Context, job Job) (*JobResult, error) {
	return c.runner.Run(ctx, job, nil)
}

// Process starts job and streams its progress. The channel is closed after
// the final EventComplete or EventError. Cancelling ctx cancels the job.
func (c *Client) Process(ctx context.Context, job Job) (<-chan Event, error) {
	if _, err := os.Stat(job.Input); err != nil {
		return nil, domain.ValidationError("input not found", err)
	}

	eventCh := make(chan Event, 100)
	send := func(ev Event) bool {
		select {
		case eventCh <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	progress := func(completed, total, percent int) bool {
		return send(Event{Type: EventProgress, Completed: completed, Total: total, Percent: percent})
	}

	h := c.runner.Submit(ctx, job, progress)
	go func() {
		defer close(eventCh)
		<-h.Done()
		res, err := h.Result()

		final := Event{Type: EventComplete, Result: res}
		if err != nil || res == nil || res.Status == StatusFailed {
			final.Type = EventError
			final.Err = err
		}
		if res != nil {
			final.Completed, final.Total = res.Processed+res.Failed, res.Total
		}
		// the final event is sent even after ctx is cancelled; callers drain the channel
		eventCh <- final
	}()
	return eventCh, nil
}

// Close releases the inference engine.
func (c *Client) Close() error {
	return c.runner.Close()
}
