package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-enry/go-enry/v2"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/progress"
)

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Generation  string            `json:"generation"`
	Size        string            `json:"size"`
	Metadata    map[string]string `json:"metadata"`
}

// WorkflowStarter starts an analysis run under a caller-chosen workflow ID.
// Starting an ID that is already running is not an error.
type WorkflowStarter interface {
	StartAnalysis(ctx context.Context, workflowID string, req models.AnalysisRequest) (runID string, err error)
}

// UploadPath is a parsed object name of the form
// uploads/<user>/<YYYY>/<MM>/<DD>/<uuid>_<name>.
type UploadPath struct {
	UserID   string
	Uploaded time.Time
	FileID   string
	FileName string
}

var uploadPattern = regexp.MustCompile(`^uploads/([^/]+)/(\d{4}/\d{2}/\d{2})/([0-9a-fA-F-]{36})_([^/]+)$`)

// ParseUploadPath splits an upload object name into its parts.
func ParseUploadPath(name string) (UploadPath, error) {
	m := uploadPattern.FindStringSubmatch(name)
	if m == nil {
		return UploadPath{}, models.NewValidationError("parse upload path", fmt.Sprintf("%q is not an upload object", name), nil)
	}
	day, err := time.Parse("2006/01/02", m[2])
	if err != nil {
		return UploadPath{}, models.NewValidationError("parse upload path", "bad upload date", err)
	}
	return UploadPath{UserID: m[1], Uploaded: day, FileID: m[3], FileName: m[4]}, nil
}

// UploadObjectName builds the object name an upload is stored under.
func UploadObjectName(userID string, day time.Time, fileID, fileName string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_").Replace(fileName)
	return fmt.Sprintf("uploads/%s/%s/%s_%s", userID, day.UTC().Format("2006/01/02"), fileID, safe)
}

var (
	codeContentTypes = map[string]bool{"text/x-python": true, "application/javascript": true, "text/javascript": true, "text/x-java-source": true, "text/x-go": true}
	dataContentTypes = map[string]bool{"application/json": true, "text/csv": true, "application/vnd.ms-excel": true, "text/tab-separated-values": true}
)

// AnalysisTypeFor derives the analysis type of an upload from its content type,
// then from its extension. Unknown files are analyzed as documents.
func AnalysisTypeFor(contentType, fileName string) models.AnalysisType {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return models.AnalysisImage
	case ct == "application/pdf":
		return models.AnalysisDocument
	case codeContentTypes[ct]:
		return models.AnalysisCode
	case dataContentTypes[ct]:
		return models.AnalysisData
	}

	ext := strings.ToLower(path.Ext(fileName))
	if _, ok := imageExtensions[ext]; ok {
		return models.AnalysisImage
	}
	if lang, _ := enry.GetLanguageByExtension(fileName); lang != "" {
		switch enry.GetLanguageType(lang) {
		case enry.Programming:
			return models.AnalysisCode
		case enry.Data:
			return models.AnalysisData
		}
	}
	return models.AnalysisDocument
}

// TriggerWorkflowID is stable for one object generation, so a redelivered
// event maps onto the run it already started.
func TriggerWorkflowID(bucket, object, generation string) string {
	sum := sha256.Sum256([]byte(bucket + "/" + object + "/" + generation))
	return "analyze-" + hex.EncodeToString(sum[:])[:20]
}

// UploadTrigger starts a run for every finalized upload.
type UploadTrigger struct {
	starter   WorkflowStarter
	publisher progress.Publisher
}

func NewUploadTrigger(starter WorkflowStarter, publisher progress.Publisher) *UploadTrigger {
	if publisher == nil {
		publisher = progress.Nop{}
	}
	return &UploadTrigger{starter: starter, publisher: publisher}
}

// Process returns the workflow ID of the started run, or an empty string when
// the object is not an upload.
func (t *UploadTrigger) Process(ctx context.Context, e GCSEvent) (string, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	if strings.HasSuffix(e.Name, "/") || !strings.HasPrefix(e.Name, "uploads/") {
		logCtx.Info("Object is not an upload, skipping.")
		return "", nil
	}
	up, err := ParseUploadPath(e.Name)
	if err != nil {
		// Retrying cannot fix a bad object name.
		logCtx.Warn("Skipping upload with unexpected path.", "error", err)
		return "", nil
	}

	analysisType := AnalysisTypeFor(e.ContentType, up.FileName)
	if override := models.AnalysisType(e.Metadata["analysisType"]); override != "" && override != "auto" {
		analysisType = override
	}
	req := models.AnalysisRequest{
		SourceURL:    fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name),
		UserID:       up.UserID,
		FileName:     up.FileName,
		AnalysisType: analysisType,
	}
	if err := req.Validate(); err != nil {
		logCtx.Warn("Skipping invalid upload.", "error", err)
		return "", nil
	}

	workflowID := TriggerWorkflowID(e.Bucket, e.Name, e.Generation)
	runID, err := t.starter.StartAnalysis(ctx, workflowID, req)
	if err != nil {
		logCtx.Error("Failed to start analysis", "error", err, "workflowId", workflowID)
		return "", fmt.Errorf("failed to start analysis: %w", err)
	}

	if err := t.publisher.Publish(ctx, progress.Event{
		WorkflowID: workflowID,
		UserID:     req.UserID,
		Step:       models.StepInitializing,
		Message:    "Analysis started for " + up.FileName,
		Timestamp:  time.Now(),
	}); err != nil {
		logCtx.Warn("Failed to publish start event", "error", err)
	}
	logCtx.Info("Analysis started.", "workflowId", workflowID, "runId", runID, "analysisType", analysisType, "userId", up.UserID)
	return workflowID, nil
}
