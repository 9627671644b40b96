package domain

import (
	"fmt"
	"time"
)

// InputMode selects how the input path is interpreted
type InputMode string

const (
	ModeSingle InputMode = "single" // one image file
	ModeFolder InputMode = "folder" // recursive directory of images and PDFs
	ModePDF    InputMode = "pdf"    // one source PDF
)

// OutputFormat is a requested artifact kind
type OutputFormat string

const (
	FormatPDF  OutputFormat = "pdf"
	FormatHOCR OutputFormat = "hocr"
)

// Device is the compute device used for inference
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// GroupKind distinguishes folder-of-images groups from source PDFs
type GroupKind string

const (
	GroupImages GroupKind = "images"
	GroupPDF    GroupKind = "pdf"
)

// PageStatus tracks a page through the stages
type PageStatus string

const (
	PagePending     PageStatus = "pending"
	PageSynthesized PageStatus = "synthesized"
	PageFailed      PageStatus = "failed"
	PageSkipped     PageStatus = "skipped"
)

// JobStatus is the terminal outcome of a Job
type JobStatus string

const (
	StatusSuccess   JobStatus = "success"
	StatusPartial   JobStatus = "partial"
	StatusCancelled JobStatus = "cancelled"
	StatusNoFiles   JobStatus = "no_files"
	StatusFailed    JobStatus = "failed"
)

// Job is one user-submitted batch
type Job struct {
	ID         string
	Input      string
	Mode       InputMode
	OutputRoot string
	Formats    []OutputFormat
	DPI        int  // explicit inference DPI override, 0 = auto
	Compress   bool // recompress page artifacts
}

// Wants reports whether the job requested the given output format.
func (j Job) Wants(f OutputFormat) bool {
	for _, have := range j.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// Group is an ordered set of pages producing one output artifact
type Group struct {
	Key        string
	Kind       GroupKind
	Source     string // folder (images) or PDF path
	RelDir     string // output directory relative to the session pdf/hocr roots
	Name       string // output file base name without extension
	Pages      []*PageTask
	OutputPath string
}

// Expected is the number of pages the merge barrier waits for.
func (g *Group) Expected() int {
	return len(g.Pages)
}

// PageTask is one page of a group
type PageTask struct {
	GroupKey     string
	Index        int    // 0-based position within the group
	Source       string // original file (image or PDF)
	ImagePath    string // raster image fed to inference
	ArtifactPath string // per-page PDF in the temp dir
	HOCRPath     string // final hOCR location, empty if not requested
	Status       PageStatus
	Device       Device
	Err          error
}

// TempName is the on-disk name of the page artifact.
func (p *PageTask) TempName() string {
	return TempPageName(p.GroupKey, p.Index)
}

// TempPageName formats a group key and page index as a temp artifact name.
func TempPageName(groupKey string, index int) string {
	return fmt.Sprintf("%s-%04d.pdf", groupKey, index)
}

// Box is a pixel rectangle with a top-left origin
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

func (b Box) Width() int  { return b.X1 - b.X0 }
func (b Box) Height() int { return b.Y1 - b.Y0 }

// Word is one recognized word with its bounding box
type Word struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Line       int     `json:"line"`
}

// TextLayer is the recognition output for one page
type TextLayer struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Words    []Word `json:"words"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

// ProgressEvent reports pipeline advancement
type ProgressEvent struct {
	Completed int
	Total     int
	Percent   int
}

// ProgressFunc receives progress; returning false requests cancellation.
type ProgressFunc func(completed, total, percent int) bool

// Failure carries enough context to reprocess one item
type Failure struct {
	GroupKey  string    `json:"group_key"`
	PageIndex int       `json:"page_index"` // -1 for group-level failures
	Source    string    `json:"source"`
	Stage     ErrorType `json:"stage"`
	Error     string    `json:"error"`
}

// JobResult is the summary returned when a Job terminates
type JobResult struct {
	JobID     string        `json:"job_id"`
	Status    JobStatus     `json:"status"`
	Processed int           `json:"processed_count"`
	Failed    int           `json:"failed_count"`
	Total     int           `json:"total_count"`
	Outputs   []string      `json:"outputs,omitempty"`
	Failures  []Failure     `json:"failures,omitempty"`
	Session   string        `json:"session,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
