package pipeline

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/planner"
	"github.com/Lllllllleong/docanalysis/internal/report"
)

// Workflow is the analysis orchestrator. Policies must be identical on every
// worker of a task queue.
type Workflow struct {
	policies Policies
}

func NewWorkflow(p Policies) *Workflow {
	return &Workflow{policies: p}
}

// errCanceled marks a run stopped at a boundary by the cancel signal.
var errCanceled = errors.New("analysis canceled")

// execution carries the state of one run through the workflow.
type execution struct {
	p     Policies
	req   models.AnalysisRequest
	state *runState
	runID string
	wfID  string

	artifact   *models.DownloadedArtifact
	language   string
	pageImages []string
	failures   []models.StageFailure
	meta       models.ResultMetadata
}

// Run analyzes one document. Failed and canceled runs return a result with a
// nil error so callers always get a status and a reason.
func (w *Workflow) Run(ctx workflow.Context, req models.AnalysisRequest) (*models.AnalysisResult, error) {
	info := workflow.GetInfo(ctx)
	logger := workflow.GetLogger(ctx)
	e := &execution{
		p:     w.policies,
		req:   req,
		state: newRunState(),
		runID: info.WorkflowExecution.RunID,
		wfID:  info.WorkflowExecution.ID,
	}
	e.meta = models.ResultMetadata{
		WorkflowID:   e.wfID,
		RunID:        e.runID,
		FileName:     req.FileName,
		AnalysisType: req.AnalysisType,
	}

	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (models.PipelineStatus, error) {
		return e.state.snapshot(), nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register status query: %w", err)
	}
	e.listen(ctx)

	logger.Info("Analysis started.", "fileName", req.FileName, "analysisType", req.AnalysisType)
	defer e.cleanup(ctx)

	result, err := e.execute(ctx)
	if err != nil {
		result = e.failed(ctx, err)
	}
	workflow.GetMetricsHandler(ctx).WithTags(map[string]string{"status": result.Status}).Counter("docanalysis_runs").Inc(1)
	logger.Info("Analysis finished.", "status", result.Status, "error", result.Error)
	return result, nil
}

// listen applies cancel and progress signals for the life of the run.
func (e *execution) listen(ctx workflow.Context) {
	cancelCh := workflow.GetSignalChannel(ctx, CancelSignal)
	progressCh := workflow.GetSignalChannel(ctx, ProgressSignal)
	workflow.Go(ctx, func(ctx workflow.Context) {
		for {
			sel := workflow.NewSelector(ctx)
			sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(ctx, nil)
				workflow.GetLogger(ctx).Info("Cancel requested.")
				e.state.cancel()
			})
			sel.AddReceive(progressCh, func(c workflow.ReceiveChannel, _ bool) {
				var u models.ProgressUpdate
				c.Receive(ctx, &u)
				e.state.apply(u)
			})
			sel.Select(ctx)
		}
	})
}

// boundary is checked between steps. In-flight activities are never interrupted.
func (e *execution) boundary() error {
	if e.state.canceled() {
		return errCanceled
	}
	return nil
}

func (e *execution) execute(ctx workflow.Context) (*models.AnalysisResult, error) {
	// --- 1. Validate ---
	if err := e.req.Validate(); err != nil {
		return nil, err
	}

	// --- 2. Download ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	e.state.advance(models.StepDownloading, progressDownloading)
	var dl models.DownloadResponse
	actx := workflow.WithActivityOptions(ctx, e.p.Download.Options())
	if err := workflow.ExecuteActivity(actx, ActivityDownloadSource, &models.DownloadRequest{RunID: e.runID, Request: e.req}).Get(ctx, &dl); err != nil {
		return nil, err
	}
	e.artifact = &dl.Artifact
	e.meta.ContentType = dl.Artifact.ContentType
	e.meta.ByteSize = dl.Artifact.ByteSize
	if e.p.ProgressPacing > 0 {
		if err := workflow.Sleep(ctx, e.p.ProgressPacing); err != nil {
			return nil, err
		}
	}

	// --- 3. Extract text by route ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	var textHandles []string
	var err error
	switch dl.Artifact.Kind {
	case models.KindPDF:
		plan := planner.Compute(dl.Artifact.ByteSize, dl.PageCount, e.p.Planner)
		e.meta.PageCountSource = "pdf"
		if plan.Estimated {
			e.meta.PageCountSource = "estimate"
		}
		textHandles, err = e.visionRoute(ctx, plan)
	case models.KindImage:
		plan := planner.Plan{
			TotalPages:    1,
			PagesPerChunk: 1,
			WorkerCount:   1,
			Chunks:        []models.PageRangeChunk{{StartPage: 1, EndPage: 1}},
		}
		e.meta.PageCountSource = "image"
		textHandles, err = e.visionRoute(ctx, plan)
	case models.KindText:
		textHandles, err = e.textRoute(ctx)
	default:
		err = models.NewValidationError("route", fmt.Sprintf("unsupported document kind %q", dl.Artifact.Kind), nil)
	}
	if err != nil {
		return nil, err
	}

	// --- 4. Chunk and analyze ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	e.state.advance(models.StepAnalyzing, progressAnalyzing)
	var prep models.PrepareChunksResponse
	sctx := workflow.WithActivityOptions(ctx, e.p.Standard.Options())
	if err := workflow.ExecuteActivity(sctx, ActivityPrepareTextChunks, &models.PrepareChunksRequest{RunID: e.runID, TextHandles: textHandles, UserID: e.req.UserID}).Get(ctx, &prep); err != nil {
		return nil, err
	}
	e.meta.TextChunks = len(prep.Chunks)
	e.meta.ExtractedChars = prep.TotalChars
	e.meta.ExtractedTextURI = prep.ExtractedTextHandle

	analyses, err := e.analyze(ctx, prep.Chunks)
	if err != nil {
		return nil, err
	}

	// --- 5. Synthesize ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	rep := e.synthesize(ctx, analyses)

	// --- 6. Embed (non-critical) ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	var emb models.EmbedResponse
	if err := workflow.ExecuteActivity(sctx, ActivityEmbedChunks, &models.EmbedRequest{RunID: e.runID, Chunks: prep.Chunks}).Get(ctx, &emb); err != nil {
		workflow.GetLogger(ctx).Warn("Embedding failed, continuing without embeddings.", "error", err)
		emb = models.EmbedResponse{}
	}

	// --- 7. Finalize ---
	if err := e.boundary(); err != nil {
		return nil, err
	}
	e.state.advance(models.StepFinalizing, progressFinalizing)

	e.meta.Trades = rep.Trades
	e.meta.Materials = rep.Materials
	e.meta.SynthesisMode = rep.Mode
	e.meta.Confidence = rep.Confidence
	e.meta.Failures = orderFailures(e.failures)
	if e.req.Options.WantLanguage() {
		e.meta.Language = e.language
		if e.meta.Language == "" {
			e.meta.Language = rep.Language
		}
	}
	if e.req.Options.WantImages() {
		e.meta.PageImages = e.pageImages
	}
	result := &models.AnalysisResult{
		Status:        models.StatusSuccess,
		ExtractedText: prep.ExtractedText,
		Summary:       rep.Summary,
		Insights:      rep.Insights,
		Embeddings:    emb.Embeddings,
		Metadata:      e.meta,
	}

	e.notify(ctx, result)
	e.state.complete(result)
	return result, nil
}

// visionRoute converts the planned page ranges and transcribes the pages.
func (e *execution) visionRoute(ctx workflow.Context, plan planner.Plan) ([]string, error) {
	e.meta.PageCount = plan.TotalPages
	e.meta.ConversionChunks = len(plan.Chunks)

	e.state.advance(models.StepConverting, progressConverting)
	conversions, err := e.convert(ctx, plan)
	if err != nil {
		return nil, err
	}
	pages := flattenPages(conversions)
	if len(pages) == 0 {
		return nil, models.NewValidationError("convert", "document has no renderable pages", nil)
	}
	e.meta.PageCount = len(pages)
	for _, p := range pages {
		e.pageImages = append(e.pageImages, p.Handle)
	}

	if err := e.boundary(); err != nil {
		return nil, err
	}
	e.state.advance(models.StepExtracting, progressExtracting)
	return e.transcribe(ctx, pages)
}

// convert runs the page-range conversions with at most WorkerCount in flight.
func (e *execution) convert(ctx workflow.Context, plan planner.Plan) ([]models.ConversionResult, error) {
	actx := workflow.WithActivityOptions(ctx, e.p.Conversion.Options())
	workers := max(plan.WorkerCount, 1)
	total := len(plan.Chunks)

	results := make([]models.ConversionResult, 0, total)
	sel := workflow.NewSelector(ctx)
	inFlight, next := 0, 0
	var firstErr error

	start := func(chunk models.PageRangeChunk) {
		inFlight++
		f := workflow.ExecuteActivity(actx, ActivityConvertPageRange, &models.ConvertRequest{
			RunID:    e.runID,
			Artifact: *e.artifact,
			Chunk:    chunk,
			UserID:   e.req.UserID,
		})
		sel.AddFuture(f, func(f workflow.Future) {
			inFlight--
			var r models.ConversionResult
			if err := f.Get(ctx, &r); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to convert %s: %w", chunk.Range(), err)
				}
				return
			}
			results = append(results, r)
			e.state.raise(stepProgress(progressConverting, progressExtracting, len(results), total))
		})
	}

	for next < total && inFlight < workers {
		start(plan.Chunks[next])
		next++
	}
	for inFlight > 0 {
		sel.Select(ctx)
		// After a failure, drain what is running but start nothing new.
		for firstErr == nil && next < total && inFlight < workers {
			start(plan.Chunks[next])
			next++
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return orderConversions(results), nil
}

// transcribe dispatches every vision batch at once and tolerates a bounded
// share of failed batches.
func (e *execution) transcribe(ctx workflow.Context, pages []models.PageImage) ([]string, error) {
	actx := workflow.WithActivityOptions(ctx, e.p.Model.Options())
	batches := batchPages(pages, e.p.BatchSize())
	e.meta.VisionBatches = len(batches)

	var results []models.VisionChunkResult
	var failures []models.StageFailure
	sel := workflow.NewSelector(ctx)
	for i, batch := range batches {
		req := &models.VisionBatchRequest{RunID: e.runID, BatchIndex: i, AnalysisType: e.req.AnalysisType, Images: batch, UserID: e.req.UserID}
		f := workflow.ExecuteActivity(actx, ActivityExtractVisionBatch, req)
		sel.AddFuture(f, func(f workflow.Future) {
			var r models.VisionChunkResult
			if err := f.Get(ctx, &r); err != nil {
				failures = append(failures, models.StageFailure{
					Stage:      "vision",
					ChunkIndex: req.BatchIndex,
					Pages:      req.Range(),
					Error:      errorMessage(err),
				})
			} else {
				results = append(results, r)
			}
			e.state.raise(stepProgress(progressExtracting, progressAnalyzing, len(results)+len(failures), len(batches)))
		})
	}
	for range batches {
		sel.Select(ctx)
	}

	if exceedsTolerance(len(failures), len(batches), e.p.VisionFailureTolerance) {
		return nil, &models.PipelineError{
			Kind:    models.KindPartial,
			Op:      "vision",
			Message: fmt.Sprintf("%d of %d page batches failed", len(failures), len(batches)),
		}
	}
	if len(failures) > 0 {
		workflow.GetLogger(ctx).Warn("Continuing without some page batches.", "failed", len(failures), "batches", len(batches))
		e.failures = append(e.failures, failures...)
	}

	handles := make([]string, 0, len(results))
	for _, r := range orderVision(results) {
		handles = append(handles, r.TextHandle)
	}
	return handles, nil
}

func (e *execution) textRoute(ctx workflow.Context) ([]string, error) {
	e.state.advance(models.StepExtracting, progressExtracting)
	actx := workflow.WithActivityOptions(ctx, e.p.Standard.Options())
	var resp models.TextExtractResponse
	err := workflow.ExecuteActivity(actx, ActivityExtractDocumentText, &models.TextExtractRequest{
		RunID:    e.runID,
		Artifact: *e.artifact,
		Request:  e.req,
	}).Get(ctx, &resp)
	if err != nil {
		return nil, err
	}
	e.language = resp.Language
	return []string{resp.TextHandle}, nil
}

type analysisOutcome struct {
	chunk  models.TextChunkRef
	result models.ChunkAnalysisResult
	err    error
}

// analyze runs one analysis per chunk. Starts are staggered to spread load on
// the model provider.
func (e *execution) analyze(ctx workflow.Context, chunks []models.TextChunkRef) ([]models.ChunkAnalysisResult, error) {
	if len(chunks) == 0 {
		return nil, models.NewValidationError("analyze", "no text chunks to analyze", nil)
	}
	actx := workflow.WithActivityOptions(ctx, e.p.Model.Options())
	outcomes := workflow.NewBufferedChannel(ctx, len(chunks))

	for i, chunk := range chunks {
		workflow.Go(ctx, func(gctx workflow.Context) {
			if d := time.Duration(i) * e.p.AnalysisStagger; d > 0 {
				_ = workflow.Sleep(gctx, d)
			}
			var r models.ChunkAnalysisResult
			err := workflow.ExecuteActivity(actx, ActivityAnalyzeChunk, &models.AnalyzeChunkRequest{
				RunID:        e.runID,
				FileName:     e.req.FileName,
				AnalysisType: e.req.AnalysisType,
				Chunk:        chunk,
			}).Get(gctx, &r)
			outcomes.Send(gctx, analysisOutcome{chunk: chunk, result: r, err: err})
		})
	}

	var results []models.ChunkAnalysisResult
	var failures []models.StageFailure
	for range chunks {
		var o analysisOutcome
		outcomes.Receive(ctx, &o)
		if o.err != nil {
			failures = append(failures, models.StageFailure{Stage: "analysis", ChunkIndex: o.chunk.ChunkIndex, Error: errorMessage(o.err)})
		} else {
			results = append(results, o.result)
		}
		e.state.raise(stepProgress(progressAnalyzing, progressFinalizing, len(results)+len(failures), len(chunks)))
	}

	if exceedsTolerance(len(failures), len(chunks), e.p.AnalysisFailureTolerance) {
		return nil, &models.PipelineError{
			Kind:    models.KindPartial,
			Op:      "analysis",
			Message: fmt.Sprintf("%d of %d chunk analyses failed", len(failures), len(chunks)),
		}
	}
	e.failures = append(e.failures, failures...)
	return orderAnalyses(results), nil
}

// synthesize never fails: a failed synthesis call falls back to a merge of
// the chunk analyses.
func (e *execution) synthesize(ctx workflow.Context, analyses []models.ChunkAnalysisResult) models.Report {
	wantSummary := e.req.Options.WantSummary()
	var rep models.Report
	if len(analyses) == 1 {
		rep = report.Parse(analyses[0].RawAnalysisText)
		rep.Mode = models.ModeSingle
	} else {
		actx := workflow.WithActivityOptions(ctx, e.p.Model.Options())
		err := workflow.ExecuteActivity(actx, ActivitySynthesizeReport, &models.SynthesisRequest{
			RunID:           e.runID,
			FileName:        e.req.FileName,
			AnalysisType:    e.req.AnalysisType,
			GenerateSummary: wantSummary,
			Analyses:        analyses,
			UserID:          e.req.UserID,
		}).Get(ctx, &rep)
		if err != nil {
			workflow.GetLogger(ctx).Warn("Synthesis failed, merging chunk analyses.", "error", err)
			workflow.GetMetricsHandler(ctx).Counter("docanalysis_synthesis_fallbacks").Inc(1)
			rep = report.BasicMerge(analyses)
		}
	}
	if !wantSummary {
		rep.Summary = ""
	}
	return rep
}

// failed turns an error into the terminal result and tells the user.
func (e *execution) failed(ctx workflow.Context, err error) *models.AnalysisResult {
	status := models.StatusFailed
	msg := errorMessage(err)
	if errors.Is(err, errCanceled) || temporal.IsCanceledError(err) || e.state.canceled() {
		status = models.StatusCanceled
		e.state.cancel()
	}
	e.meta.Failures = orderFailures(e.failures)
	result := &models.AnalysisResult{Status: status, Error: msg, Metadata: e.meta}
	workflow.GetLogger(ctx).Error("Analysis did not complete.", "status", status, "error", msg)

	// The run may have been canceled while an activity was failing; notify anyway.
	nctx, _ := workflow.NewDisconnectedContext(ctx)
	e.notify(nctx, result)
	e.state.fail(result)
	return result
}

// notify is best-effort.
func (e *execution) notify(ctx workflow.Context, result *models.AnalysisResult) {
	actx := workflow.WithActivityOptions(ctx, e.p.Standard.Options())
	err := workflow.ExecuteActivity(actx, ActivityNotifyUser, &models.NotifyRequest{
		RunID:      e.runID,
		WorkflowID: e.wfID,
		UserID:     e.req.UserID,
		FileName:   e.req.FileName,
		Status:     result.Status,
		Summary:    result.Summary,
		Error:      result.Error,
		Metadata:   result.Metadata,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Failed to notify user.", "error", err)
	}
}

// cleanup runs on every exit path, including cancellation of the workflow
// itself, so it uses a disconnected context.
func (e *execution) cleanup(ctx workflow.Context) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	actx := workflow.WithActivityOptions(dctx, e.p.Standard.Options())
	req := &models.CleanupRequest{RunID: e.runID, KeepImages: e.req.Options.WantImages()}
	if e.artifact != nil {
		req.TempDir = e.artifact.TempDir
	}
	if err := workflow.ExecuteActivity(actx, ActivityCleanupRun, req).Get(dctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Cleanup failed.", "error", err)
	}
}

// errorMessage returns the innermost application message of an activity error.
func errorMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
