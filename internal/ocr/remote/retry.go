package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
)

// RetryConfig bounds how often a transient inference-server failure is
// retried. The wait doubles per attempt up to MaxBackoff; a Retry-After
// header from a busy server takes precedence when it is shorter.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig suits a model server that queues one request per GPU.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

func (c *RetryConfig) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// transientStatus reports statuses that mean "busy or restarting". 507 is
// deliberately absent: the server uses it for accelerator failures, which
// device fallback handles.
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// transientNetErr covers a server that is still loading its model: refused
// connections and timeouts.
func transientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// retryAfter parses a delay-seconds Retry-After header.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// send issues the request built by newReq, retrying transient failures.
// Any non-transient response is returned for the caller to decode.
func (e *Engine) send(ctx context.Context, path string, newReq func() (*http.Request, error)) (*http.Response, error) {
	cfg := e.retry
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.CancellationError("inference request "+path, err)
		}

		req, err := newReq()
		if err != nil {
			return nil, domain.InferenceError("build request "+path, err)
		}

		wait := cfg.backoff(attempt)
		resp, err := e.httpClient.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, domain.CancellationError("inference request "+path, ctx.Err())
			}
			if !transientNetErr(err) {
				return nil, domain.InferenceError("inference request "+path, err)
			}
			lastErr = err
		case transientStatus(resp.StatusCode):
			lastErr = fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
			if d, ok := retryAfter(resp); ok && d < wait {
				wait = d
			}
			resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt >= cfg.MaxRetries {
			return nil, domain.InferenceError(fmt.Sprintf("inference server unavailable after %d attempts", attempt+1), lastErr)
		}

		e.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("wait", wait).Msg("inference server busy, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.CancellationError("inference request "+path, ctx.Err())
		case <-timer.C:
		}
	}
}
