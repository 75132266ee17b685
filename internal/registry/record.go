package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a processing record.
type Status string

// Record lifecycle states. Processing is the only non-terminal state.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

var (
	// ErrNotFound indicates an unknown processing identifier.
	ErrNotFound = errors.New("processing record not found")
	// ErrExists indicates a processing identifier collision on create.
	ErrExists = errors.New("processing record already exists")
	// ErrTerminal indicates a transition attempt on a settled record.
	// Callers treat it as an idempotent no-op.
	ErrTerminal = errors.New("processing record already terminal")
)

// ImageInfo describes the stored upload. Write-once at intake.
type ImageInfo struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	UploadTime   time.Time `json:"uploadTime"`
}

// Result is the structured recognition output of a completed record.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Record tracks one submitted image through its lifecycle.
type Record struct {
	ProcessingID string     `json:"processingId"`
	Status       Status     `json:"status"`
	ImageInfo    ImageInfo  `json:"imageInfo"`
	Result       *Result    `json:"result"`
	Error        string     `json:"error,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with
// the registry.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Result != nil {
		res := *r.Result
		dup.Result = &res
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		dup.CompletedAt = &at
	}
	return &dup
}

// Stats aggregates record counts by status.
type Stats struct {
	Total      int64 `json:"total"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Errored    int64 `json:"errored"`
}

// Registry is the single source of truth for processing records. Every
// component reads and transitions records through it; per-key operations
// are atomic with respect to each other.
type Registry interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, processingID string) (*Record, error)
	Complete(ctx context.Context, processingID string, result *Result) (*Record, error)
	Fail(ctx context.Context, processingID string, message string) (*Record, error)
	Stats(ctx context.Context) (*Stats, error)
}

// NewProcessingID generates a fresh opaque identifier. The UUID suffix
// keeps identifiers unguessable.
func NewProcessingID() string {
	return "proc_" + uuid.NewString()
}

// NewRecord builds the initial record for a submitted image.
func NewRecord(info ImageInfo) *Record {
	return &Record{
		ProcessingID: NewProcessingID(),
		Status:       StatusProcessing,
		ImageInfo:    info,
		Timestamp:    time.Now().UTC(),
	}
}
