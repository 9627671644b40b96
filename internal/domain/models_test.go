package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestTempPageName(t *testing.T) {
	tests := []struct {
		key   string
		index int
		want  string
	}{
		{"scans-1a2b3c4d", 0, "scans-1a2b3c4d-0000.pdf"},
		{"root", 7, "root-0007.pdf"},
		{"report", 12345, "report-12345.pdf"},
	}

	for _, tt := range tests {
		if got := TempPageName(tt.key, tt.index); got != tt.want {
			t.Errorf("TempPageName(%q, %d) = %q, want %q", tt.key, tt.index, got, tt.want)
		}
	}

	page := &PageTask{GroupKey: "root", Index: 3}
	if page.TempName() != "root-0003.pdf" {
		t.Errorf("unexpected temp name %q", page.TempName())
	}
}

func TestJob_Wants(t *testing.T) {
	job := Job{Formats: []OutputFormat{FormatHOCR}}
	if job.Wants(FormatPDF) {
		t.Error("Expected hocr-only job not to want pdf")
	}
	if !job.Wants(FormatHOCR) {
		t.Error("Expected job to want hocr")
	}
}

func TestIsType(t *testing.T) {
	inner := RasterizationError("pdftoppm failed", ErrToolNotFound)
	outer := MergeError("group failed", fmt.Errorf("wrapped: %w", inner))

	tests := []struct {
		name string
		err  error
		typ  ErrorType
		want bool
	}{
		{"outer type", outer, ErrorTypeMerge, true},
		{"nested type", outer, ErrorTypeRasterization, true},
		{"absent type", outer, ErrorTypeInference, false},
		{"plain error", errors.New("boom"), ErrorTypeIO, false},
		{"nil", nil, ErrorTypeIO, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(tt.err, tt.typ); got != tt.want {
				t.Errorf("IsType() = %v, want %v", got, tt.want)
			}
		})
	}

	if !errors.Is(outer, ErrToolNotFound) {
		t.Error("Expected sentinel to be reachable through the chain")
	}
	if TypeOf(outer) != ErrorTypeMerge {
		t.Errorf("TypeOf() = %q", TypeOf(outer))
	}
}

func TestDomainError_Error(t *testing.T) {
	err := InferenceError("page 2", ErrAccelerator)
	want := "[inference] page 2: accelerator device error"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := ValidationError("empty path", nil)
	if bare.Error() != "[validation] empty path" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
