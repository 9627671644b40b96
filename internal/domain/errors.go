package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfig        ErrorType = "config"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeDiscovery     ErrorType = "discovery"
	ErrorTypeRasterization ErrorType = "rasterization"
	ErrorTypeInference     ErrorType = "inference"
	ErrorTypeSynthesis     ErrorType = "synthesis"
	ErrorTypeMerge         ErrorType = "merge"
	ErrorTypeCancellation  ErrorType = "cancellation"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNoWorkFound  = errors.New("no supported files found")
	ErrToolNotFound = errors.New("external tool not found")
	ErrAccelerator  = errors.New("accelerator device error")
	ErrMergeFailed  = errors.New("no pages available to merge")
	ErrCancelled    = errors.New("job cancelled")
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// IsType reports whether any error in err's chain is a DomainError of type t.
func IsType(err error, t ErrorType) bool {
	var de *DomainError
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Type == t {
			return true
		}
		err = de.Err
	}
	return false
}

// TypeOf returns the outermost domain error type, or "" when err carries none.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func DiscoveryError(message string, err error) *DomainError {
	return NewError(ErrorTypeDiscovery, message, err)
}

func RasterizationError(message string, err error) *DomainError {
	return NewError(ErrorTypeRasterization, message, err)
}

func InferenceError(message string, err error) *DomainError {
	return NewError(ErrorTypeInference, message, err)
}

func SynthesisError(message string, err error) *DomainError {
	return NewError(ErrorTypeSynthesis, message, err)
}

func MergeError(message string, err error) *DomainError {
	return NewError(ErrorTypeMerge, message, err)
}

func CancellationError(message string, err error) *DomainError {
	return NewError(ErrorTypeCancellation, message, err)
}
