package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestEngine_Recognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/recognize", r.URL.Path)

		var req RecognizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpu", req.Device)
		assert.Equal(t, 300, req.DPI)
		assert.Equal(t, []string{"eng"}, req.Languages)
		_, err := base64.StdEncoding.DecodeString(req.Image)
		assert.NoError(t, err)

		_ = json.NewEncoder(w).Encode(domain.TextLayer{
			Width:  40,
			Height: 20,
			Words:  []domain.Word{{Text: "hi", Box: domain.Box{X0: 1, Y0: 2, X1: 10, Y1: 12}, Confidence: 97, Line: 1}},
		})
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL, time.Second, []string{"eng"}, nil)
	layer, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{DPI: 300, Device: domain.DeviceGPU})
	require.NoError(t, err)
	require.Len(t, layer.Words, 1)
	assert.Equal(t, "hi", layer.Words[0].Text)
	assert.Equal(t, 10, layer.Words[0].Box.X1)
}

func TestEngine_AcceleratorError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInsufficientStorage)
		_, _ = w.Write([]byte(`{"error":{"code":"accelerator_error","message":"CUDA out of memory"}}`))
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL, time.Second, nil, nil).WithRetry(fastRetry())
	_, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{Device: domain.DeviceGPU})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAccelerator)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "accelerator errors are not retried here")
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.TextLayer{})
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL, time.Second, nil, nil).WithRetry(fastRetry())
	layer, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 40, layer.Width, "missing dimensions fall back to the image bounds")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEngine_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL, time.Second, nil, nil).WithRetry(fastRetry())
	_, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
	assert.NotErrorIs(t, err, domain.ErrAccelerator)
}

func TestEngine_MoveToAndRelease(t *testing.T) {
	var paths []string
	var device DeviceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/device" {
			_ = json.NewDecoder(r.Body).Decode(&device)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL+"/", time.Second, nil, nil)
	require.NoError(t, engine.MoveTo(context.Background(), domain.DeviceCPU))
	require.NoError(t, engine.Release())

	assert.Equal(t, []string{"/v1/device", "/v1/release"}, paths)
	assert.Equal(t, "cpu", device.Device)
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := &RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.backoff(0))
	assert.Equal(t, 4*time.Second, cfg.backoff(2))
	assert.Equal(t, 5*time.Second, cfg.backoff(5))
	assert.Equal(t, 5*time.Second, cfg.backoff(60))
}

func TestEngine_HonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.TextLayer{})
	}))
	defer srv.Close()

	// without the header the first retry would wait a minute
	engine := NewEngine(srv.URL, time.Second, nil, nil).
		WithRetry(&RetryConfig{MaxRetries: 1, InitialBackoff: time.Minute, MaxBackoff: time.Minute})

	start := time.Now()
	_, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngine_CancelledWhileWaiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := NewEngine(srv.URL, time.Second, nil, nil).
		WithRetry(&RetryConfig{MaxRetries: 5, InitialBackoff: time.Minute, MaxBackoff: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := engine.Recognize(ctx, testImage(), domain.RecognizeOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeCancellation))
}

func TestEngine_UnreachableServerIsNotRetriedForever(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	engine := NewEngine(url, time.Second, nil, nil).WithRetry(fastRetry())
	_, err := engine.Recognize(context.Background(), testImage(), domain.RecognizeOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
}
