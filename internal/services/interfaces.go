package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// ErrNotFound is returned by ObjectStore reads of missing objects.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the work bucket plus read access to source objects.
// Handles are gs://bucket/name URIs.
type ObjectStore interface {
	// Put writes name in the work bucket unless it already exists and returns its handle.
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
	// DeletePrefix removes every work-bucket object under prefix.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	SignedURL(ctx context.Context, handle string, ttl time.Duration) (string, error)
}

// ImageRef points a model at one stored page image.
type ImageRef struct {
	Page     int
	Handle   string
	URL      string
	MIMEType string
}

// VisionModel transcribes page images.
type VisionModel interface {
	ExtractText(ctx context.Context, instruction string, images []ImageRef) (string, error)
}

// TextModel generates text from a prompt under a role-specific system prompt.
type TextModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// RunStore mirrors run state for consumers outside Temporal.
type RunStore interface {
	CreateRun(ctx context.Context, run models.Run) error
	UpdateRun(ctx context.Context, workflowID string, fields map[string]interface{}) error
}

// Notifier tells the outside world that a run has ended.
type Notifier interface {
	Notify(ctx context.Context, req models.NotifyRequest) error
}

// Object layout under the work bucket.
const (
	runsPrefix = "runs/"
)

func RunPrefix(runID string) string { return runsPrefix + runID + "/" }
func PagesPrefix(runID string) string { return RunPrefix(runID) + "pages/" }
func TextPrefix(runID string) string { return RunPrefix(runID) + "text/" }
func ChunksPrefix(runID string) string { return RunPrefix(runID) + "chunks/" }
func ExtractedTextName(runID string) string { return RunPrefix(runID) + "extracted.txt" }
