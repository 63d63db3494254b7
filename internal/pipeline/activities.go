package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/progress"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

// Deps are the services behind the activities. Any of them may be nil on a
// worker that will never run the matching activity.
type Deps struct {
	Downloader *services.Downloader
	Converter  *services.Converter
	Vision     *services.VisionExtractor
	Text       *services.TextExtractor
	Preparer   *services.ChunkPreparer
	Analyzer   *services.ChunkAnalyzer
	Synth      *services.Synthesizer
	Embedder   *services.ChunkEmbedder
	Announcer  *services.Announcer
	Cleaner    *services.Cleaner
	Progress   progress.Publisher
}

// Activities adapts the services to Temporal activities. Method names match
// the registered activity names.
type Activities struct {
	deps Deps
}

func NewActivities(d Deps) *Activities {
	if d.Progress == nil {
		d.Progress = progress.Nop{}
	}
	return &Activities{deps: d}
}

// Registrar is satisfied by worker.Worker and by the test workflow environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register binds the workflow and every activity under their stable names.
func Register(r Registrar, wf *Workflow, a *Activities) {
	r.RegisterWorkflowWithOptions(wf.Run, workflow.RegisterOptions{Name: WorkflowName})
	for name, fn := range map[string]interface{}{
		ActivityDownloadSource:      a.DownloadSource,
		ActivityConvertPageRange:    a.ConvertPageRange,
		ActivityExtractVisionBatch:  a.ExtractVisionBatch,
		ActivityExtractDocumentText: a.ExtractDocumentText,
		ActivityPrepareTextChunks:   a.PrepareTextChunks,
		ActivityAnalyzeChunk:        a.AnalyzeChunk,
		ActivitySynthesizeReport:    a.SynthesizeReport,
		ActivityEmbedChunks:         a.EmbedChunks,
		ActivityNotifyUser:          a.NotifyUser,
		ActivityCleanupRun:          a.CleanupRun,
	} {
		r.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
}

func heartbeat(ctx context.Context) services.HeartbeatFunc {
	return func(details ...interface{}) {
		activity.RecordHeartbeat(ctx, details...)
	}
}

// publish is best-effort.
func (a *Activities) publish(ctx context.Context, userID, step string, pct int, msg string) {
	e := progress.Event{
		WorkflowID: activity.GetInfo(ctx).WorkflowExecution.ID,
		UserID:     userID,
		Step:       step,
		Progress:   pct,
		Message:    msg,
		Timestamp:  time.Now().UTC(),
	}
	if err := a.deps.Progress.Publish(ctx, e); err != nil {
		activity.GetLogger(ctx).Warn("Failed to publish progress.", "error", err)
	}
}

// observe records the duration and outcome of one activity call.
func observe(ctx context.Context, name string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(models.KindOf(err))
	}
	h := activity.GetMetricsHandler(ctx).WithTags(map[string]string{"activity": name, "outcome": outcome})
	h.Timer("docanalysis_activity_latency").Record(time.Since(start))
	h.Counter("docanalysis_activity_calls").Inc(1)
}

// toApplicationError maps a classified error onto Temporal's retry model.
func toApplicationError(name string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return err
	}
	msg := err.Error()
	var pe *models.PipelineError
	if errors.As(err, &pe) {
		msg = fmt.Sprintf("%s: %s", pe.Op, pe.Message)
	}
	if models.IsValidation(err) {
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeValidation, err)
	}
	return temporal.NewApplicationErrorWithCause(msg, name+"Error", err)
}

func (a *Activities) DownloadSource(ctx context.Context, req *models.DownloadRequest) (resp *models.DownloadResponse, err error) {
	defer func(start time.Time) { observe(ctx, ActivityDownloadSource, start, err) }(time.Now())
	a.publish(ctx, req.Request.UserID, models.StepDownloading, progressDownloading, "Downloading "+req.Request.FileName)
	resp, err = a.deps.Downloader.Process(ctx, activity.GetInfo(ctx).WorkflowExecution.ID, req, heartbeat(ctx))
	return resp, toApplicationError(ActivityDownloadSource, err)
}

func (a *Activities) ConvertPageRange(ctx context.Context, req *models.ConvertRequest) (resp *models.ConversionResult, err error) {
	defer func(start time.Time) { observe(ctx, ActivityConvertPageRange, start, err) }(time.Now())
	resp, err = a.deps.Converter.Process(ctx, req, heartbeat(ctx))
	if err == nil {
		a.publish(ctx, req.UserID, models.StepConverting, progressConverting, fmt.Sprintf("Converted %s", req.Chunk.Range()))
	}
	return resp, toApplicationError(ActivityConvertPageRange, err)
}

func (a *Activities) ExtractVisionBatch(ctx context.Context, req *models.VisionBatchRequest) (resp *models.VisionChunkResult, err error) {
	defer func(start time.Time) { observe(ctx, ActivityExtractVisionBatch, start, err) }(time.Now())
	resp, err = a.deps.Vision.Process(ctx, req)
	if err == nil {
		a.publish(ctx, req.UserID, models.StepExtracting, progressExtracting, fmt.Sprintf("Read %s", req.Range()))
	}
	return resp, toApplicationError(ActivityExtractVisionBatch, err)
}

func (a *Activities) ExtractDocumentText(ctx context.Context, req *models.TextExtractRequest) (resp *models.TextExtractResponse, err error) {
	defer func(start time.Time) { observe(ctx, ActivityExtractDocumentText, start, err) }(time.Now())
	a.publish(ctx, req.Request.UserID, models.StepExtracting, progressExtracting, "Reading text")
	resp, err = a.deps.Text.Process(ctx, req, heartbeat(ctx))
	return resp, toApplicationError(ActivityExtractDocumentText, err)
}

func (a *Activities) PrepareTextChunks(ctx context.Context, req *models.PrepareChunksRequest) (resp *models.PrepareChunksResponse, err error) {
	defer func(start time.Time) { observe(ctx, ActivityPrepareTextChunks, start, err) }(time.Now())
	resp, err = a.deps.Preparer.Process(ctx, req)
	if err == nil {
		a.publish(ctx, req.UserID, models.StepAnalyzing, progressAnalyzing, fmt.Sprintf("Analyzing %d sections", len(resp.Chunks)))
	}
	return resp, toApplicationError(ActivityPrepareTextChunks, err)
}

func (a *Activities) AnalyzeChunk(ctx context.Context, req *models.AnalyzeChunkRequest) (resp *models.ChunkAnalysisResult, err error) {
	defer func(start time.Time) { observe(ctx, ActivityAnalyzeChunk, start, err) }(time.Now())
	resp, err = a.deps.Analyzer.Process(ctx, req)
	return resp, toApplicationError(ActivityAnalyzeChunk, err)
}

func (a *Activities) SynthesizeReport(ctx context.Context, req *models.SynthesisRequest) (resp *models.Report, err error) {
	defer func(start time.Time) { observe(ctx, ActivitySynthesizeReport, start, err) }(time.Now())
	a.publish(ctx, req.UserID, models.StepFinalizing, progressFinalizing, "Writing report")
	resp, err = a.deps.Synth.Process(ctx, req)
	return resp, toApplicationError(ActivitySynthesizeReport, err)
}

func (a *Activities) EmbedChunks(ctx context.Context, req *models.EmbedRequest) (resp *models.EmbedResponse, err error) {
	if a.deps.Embedder == nil || !a.deps.Embedder.Enabled() {
		return &models.EmbedResponse{}, nil
	}
	defer func(start time.Time) { observe(ctx, ActivityEmbedChunks, start, err) }(time.Now())
	resp, err = a.deps.Embedder.Process(ctx, req)
	return resp, toApplicationError(ActivityEmbedChunks, err)
}

// NotifyUser records the terminal state and publishes the final progress event.
func (a *Activities) NotifyUser(ctx context.Context, req *models.NotifyRequest) (err error) {
	defer func(start time.Time) { observe(ctx, ActivityNotifyUser, start, err) }(time.Now())
	step, pct := models.StepCompleted, progressCompleted
	switch req.Status {
	case models.StatusFailed:
		step, pct = models.StepFailed, 0
	case models.StatusCanceled:
		step, pct = models.StepCanceled, 0
	}
	a.publish(ctx, req.UserID, step, pct, services.NotificationMessage(*req))

	if a.deps.Announcer == nil {
		return nil
	}
	return toApplicationError(ActivityNotifyUser, a.deps.Announcer.Announce(ctx, *req))
}

func (a *Activities) CleanupRun(ctx context.Context, req *models.CleanupRequest) (err error) {
	defer func(start time.Time) { observe(ctx, ActivityCleanupRun, start, err) }(time.Now())
	if a.deps.Cleaner == nil {
		return nil
	}
	n, err := a.deps.Cleaner.Cleanup(ctx, req.RunID, req.TempDir, req.KeepImages)
	activity.GetLogger(ctx).Info("Cleaned up run.", "runId", req.RunID, "objects", n, "keepImages", req.KeepImages)
	return toApplicationError(ActivityCleanupRun, err)
}
