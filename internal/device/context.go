// Package device tracks which compute device inference runs on.
package device

import (
	"errors"
	"strings"
	"sync"

	"github.com/spherical/scan-ocr/internal/domain"
)

// Context is the device state shared by the inference stages of a runner.
// It starts on the preferred device and flips to CPU at most once.
type Context struct {
	mu        sync.Mutex
	preferred domain.Device
	current   domain.Device
	fellBack  bool
	cause     error
}

// NewContext returns a device context starting on preferred.
func NewContext(preferred domain.Device) *Context {
	if preferred == "" {
		preferred = domain.DeviceCPU
	}
	return &Context{preferred: preferred, current: preferred}
}

// Current returns the device new work should run on.
func (c *Context) Current() domain.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// FellBack reports whether the context has switched to CPU.
func (c *Context) FellBack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fellBack
}

// Cause returns the error that triggered the fallback, if any.
func (c *Context) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// FallBack switches to CPU. It returns true only for the call that
// performed the switch; later calls and CPU-only contexts return false.
func (c *Context) FallBack(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fellBack || c.current == domain.DeviceCPU {
		return false
	}
	c.current = domain.DeviceCPU
	c.fellBack = true
	c.cause = cause
	return true
}

// IsAcceleratorError reports whether err belongs to the accelerator failure
// class: out of device memory, driver errors, device unavailable.
func IsAcceleratorError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrAccelerator) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range acceleratorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var acceleratorMarkers = []string{
	"cuda",
	"cudnn",
	"out of memory",
	"device-side assert",
	"no kernel image is available",
}
