// Package remote implements domain.Engine against an HTTP inference server
// that hosts the recognition model on a GPU (or CPU) worker.
//
// Wire protocol:
//
//	POST /v1/recognize {image, dpi, device, languages} → TextLayer JSON
//	POST /v1/device    {device}
//	POST /v1/release
//
// Errors are returned as {"error": {"code", "message"}}; the code
// "accelerator_error" (HTTP 507) marks device failures.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
)

const acceleratorErrorCode = "accelerator_error"

// Engine talks to the inference server
type Engine struct {
	baseURL    string
	httpClient *http.Client
	retry      *RetryConfig
	languages  []string
	logger     *observability.Logger
}

// RecognizeRequest is the body of POST /v1/recognize
type RecognizeRequest struct {
	Image     string   `json:"image"` // base64 PNG
	DPI       int      `json:"dpi"`
	Device    string   `json:"device"`
	Languages []string `json:"languages,omitempty"`
}

// DeviceRequest is the body of POST /v1/device
type DeviceRequest struct {
	Device string `json:"device"`
}

// ErrorResponse is the server's error envelope
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewEngine creates a remote engine client
func NewEngine(baseURL string, timeout time.Duration, languages []string, logger *observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Engine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig(),
		languages:  languages,
		logger:     logger.WithOperation("remote-engine"),
	}
}

// WithRetry overrides the retry configuration
func (e *Engine) WithRetry(cfg *RetryConfig) *Engine {
	e.retry = cfg
	return e
}

func (e *Engine) Name() string { return "remote" }

// Recognize sends img to the server and decodes the text layer.
func (e *Engine) Recognize(ctx context.Context, img image.Image, opts domain.RecognizeOptions) (*domain.TextLayer, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}

	langs := opts.Languages
	if len(langs) == 0 {
		langs = e.languages
	}

	body, err := json.Marshal(RecognizeRequest{
		Image:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		DPI:       opts.DPI,
		Device:    string(opts.Device),
		Languages: langs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var layer domain.TextLayer
	if err := e.call(ctx, "/v1/recognize", body, &layer); err != nil {
		return nil, err
	}

	if layer.Width == 0 || layer.Height == 0 {
		b := img.Bounds()
		layer.Width, layer.Height = b.Dx(), b.Dy()
	}
	return &layer, nil
}

// MoveTo asks the server to relocate the model.
func (e *Engine) MoveTo(ctx context.Context, device domain.Device) error {
	body, err := json.Marshal(DeviceRequest{Device: string(device)})
	if err != nil {
		return err
	}
	return e.call(ctx, "/v1/device", body, nil)
}

// Release asks the server to free device memory.
func (e *Engine) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.call(ctx, "/v1/release", []byte("{}"), nil)
}

func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// call POSTs body to path and decodes a 200 response into out (if non-nil).
func (e *Engine) call(ctx context.Context, path string, body []byte, out interface{}) error {
	resp, err := e.send(ctx, path, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.InferenceError("decode response", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		msg := fmt.Sprintf("server returned %d %s: %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		if envelope.Error.Code == acceleratorErrorCode {
			return fmt.Errorf("%s: %w", msg, domain.ErrAccelerator)
		}
		return domain.InferenceError(msg, nil)
	}

	if resp.StatusCode == http.StatusInsufficientStorage {
		return fmt.Errorf("server returned 507: %w", domain.ErrAccelerator)
	}
	return domain.InferenceError(fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
}
