package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/planner"
)

const structuredAnalysis = `{"summary":"Two storey timber frame house.","trades":[{"name":"Carpentry","scope":["Wall framing"]}],"materials":["timber"],"insights":["Confirm bracing schedule"]}`

type WorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env *testsuite.TestWorkflowEnvironment
}

func TestWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(WorkflowTestSuite))
}

func (s *WorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	Register(s.env, NewWorkflow(DefaultPolicies()), &Activities{})

	s.env.OnActivity(ActivityEmbedChunks, mock.Anything, mock.Anything).Return(&models.EmbedResponse{}, nil)
	s.env.OnActivity(ActivityNotifyUser, mock.Anything, mock.Anything).Return(nil)
	s.env.OnActivity(ActivityCleanupRun, mock.Anything, mock.Anything).Return(nil)
}

func request(fileName string) models.AnalysisRequest {
	return models.AnalysisRequest{
		SourceURL:    "gs://uploads/" + fileName,
		UserID:       "user-42",
		FileName:     fileName,
		AnalysisType: models.AnalysisDocument,
	}
}

func (s *WorkflowTestSuite) result() models.AnalysisResult {
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())
	var result models.AnalysisResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	return result
}

func (s *WorkflowTestSuite) status() models.PipelineStatus {
	val, err := s.env.QueryWorkflow(StatusQuery)
	s.Require().NoError(err)
	var st models.PipelineStatus
	s.Require().NoError(val.Get(&st))
	return st
}

func (s *WorkflowTestSuite) mockTextRoute(analyzeDelay time.Duration) {
	s.env.OnActivity(ActivityDownloadSource, mock.Anything, mock.Anything).Return(&models.DownloadResponse{
		Artifact: models.DownloadedArtifact{Kind: models.KindText, ContentType: "text/plain", ByteSize: 64, TempDir: "/tmp/run"},
	}, nil).Once()
	s.env.OnActivity(ActivityExtractDocumentText, mock.Anything, mock.Anything).Return(&models.TextExtractResponse{
		TextHandle: "gs://work/runs/r/text/source.txt",
		CharCount:  64,
		Language:   "Text",
	}, nil).Once()
	s.env.OnActivity(ActivityPrepareTextChunks, mock.Anything, mock.Anything).Return(&models.PrepareChunksResponse{
		Chunks:              []models.TextChunkRef{{Handle: "gs://work/runs/r/chunks/00000.txt", ChunkIndex: 0, Total: 1, IsFirst: true, IsLast: true}},
		ExtractedTextHandle: "gs://work/runs/r/extracted.txt",
		ExtractedText:       "page one\npage two\npage three",
		TotalChars:          28,
	}, nil).Once()
	s.env.OnActivity(ActivityAnalyzeChunk, mock.Anything, mock.Anything).After(analyzeDelay).Return(&models.ChunkAnalysisResult{
		ChunkIndex:      0,
		RawAnalysisText: structuredAnalysis,
	}, nil).Once()
}

func (s *WorkflowTestSuite) Test_TextDocument() {
	s.mockTextRoute(0)

	s.env.ExecuteWorkflow(WorkflowName, request("notes.txt"))

	result := s.result()
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal("Two storey timber frame house.", result.Summary)
	s.Equal([]string{"Confirm bracing schedule"}, result.Insights)
	s.Equal("page one\npage two\npage three", result.ExtractedText)
	s.Equal(models.ModeSingle, result.Metadata.SynthesisMode)
	s.Equal("Text", result.Metadata.Language)
	s.Equal(1, result.Metadata.TextChunks)
	s.Empty(result.Metadata.Failures)

	st := s.status()
	s.Equal(models.StepCompleted, st.Step)
	s.Equal(100, st.Progress)

	s.env.AssertActivityNumberOfCalls(s.T(), ActivityConvertPageRange, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivitySynthesizeReport, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}

func (s *WorkflowTestSuite) Test_LowerProgressSignalIsIgnored() {
	s.mockTextRoute(2 * time.Minute)

	var mid models.PipelineStatus
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(ProgressSignal, models.ProgressUpdate{Step: "reviewing", Progress: 5})
	}, time.Minute)
	s.env.RegisterDelayedCallback(func() {
		mid = s.status()
	}, 90*time.Second)

	s.env.ExecuteWorkflow(WorkflowName, request("notes.txt"))

	s.Equal(models.StatusSuccess, s.result().Status)
	s.Equal("reviewing", mid.Step)
	s.Equal(progressAnalyzing, mid.Progress)
}

func (s *WorkflowTestSuite) Test_TerminalStepSignalDoesNotEndRun() {
	s.mockTextRoute(2 * time.Minute)

	var mid models.PipelineStatus
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(ProgressSignal, models.ProgressUpdate{Step: models.StepCompleted})
	}, time.Minute)
	s.env.RegisterDelayedCallback(func() {
		mid = s.status()
	}, 65*time.Second)
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(CancelSignal, nil)
	}, 70*time.Second)

	s.env.ExecuteWorkflow(WorkflowName, request("notes.txt"))

	s.Equal(models.StepAnalyzing, mid.Step)
	s.Equal(progressAnalyzing, mid.Progress)
	s.False(mid.Terminal())

	s.Equal(models.StatusCanceled, s.result().Status)
	st := s.status()
	s.Equal(models.StepCanceled, st.Step)
	s.True(st.Canceled)
}

// mockTextChunks sets up the text route with n chunks. Chunks for which fail
// returns true fail their analysis.
func (s *WorkflowTestSuite) mockTextChunks(n int, delay time.Duration, fail func(int) bool) {
	s.env.OnActivity(ActivityDownloadSource, mock.Anything, mock.Anything).Return(&models.DownloadResponse{
		Artifact: models.DownloadedArtifact{Kind: models.KindText, ContentType: "text/markdown", ByteSize: 400 << 10},
	}, nil).Once()
	s.env.OnActivity(ActivityExtractDocumentText, mock.Anything, mock.Anything).Return(&models.TextExtractResponse{
		TextHandle: "gs://work/runs/r/text/source.txt",
		CharCount:  400 << 10,
	}, nil).Once()

	chunks := make([]models.TextChunkRef, n)
	for i := range chunks {
		chunks[i] = models.TextChunkRef{
			Handle:     fmt.Sprintf("gs://work/runs/r/chunks/%05d.txt", i),
			ChunkIndex: i,
			Total:      n,
			IsFirst:    i == 0,
			IsLast:     i == n-1,
		}
	}
	s.env.OnActivity(ActivityPrepareTextChunks, mock.Anything, mock.Anything).Return(&models.PrepareChunksResponse{Chunks: chunks}, nil).Once()
	s.env.OnActivity(ActivityAnalyzeChunk, mock.Anything, mock.Anything).After(delay).Return(
		func(_ context.Context, req *models.AnalyzeChunkRequest) (*models.ChunkAnalysisResult, error) {
			if fail(req.Chunk.ChunkIndex) {
				return nil, temporal.NewNonRetryableApplicationError("model refused the chunk", "AnalyzeChunkError", nil)
			}
			return &models.ChunkAnalysisResult{ChunkIndex: req.Chunk.ChunkIndex, RawAnalysisText: structuredAnalysis}, nil
		})
}

func (s *WorkflowTestSuite) Test_AnalysisFailuresWithinTolerance() {
	s.mockTextChunks(8, 0, func(i int) bool { return i == 1 || i == 5 })

	var analyzed []int
	s.env.OnActivity(ActivitySynthesizeReport, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req *models.SynthesisRequest) (*models.Report, error) {
			for _, a := range req.Analyses {
				analyzed = append(analyzed, a.ChunkIndex)
			}
			return &models.Report{Summary: "Merged.", Mode: models.ModeModel}, nil
		})

	s.env.ExecuteWorkflow(WorkflowName, request("specs.md"))

	result := s.result()
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal("Merged.", result.Summary)
	s.Equal(models.ModeModel, result.Metadata.SynthesisMode)
	s.Equal([]int{0, 2, 3, 4, 6, 7}, analyzed)
	s.Require().Len(result.Metadata.Failures, 2)
	s.Equal("analysis", result.Metadata.Failures[0].Stage)
	s.Equal(1, result.Metadata.Failures[0].ChunkIndex)
	s.Equal(5, result.Metadata.Failures[1].ChunkIndex)
	s.Equal("model refused the chunk", result.Metadata.Failures[1].Error)
}

func (s *WorkflowTestSuite) Test_AnalysisFailuresOverTolerance() {
	s.mockTextChunks(8, 0, func(i int) bool { return i == 1 || i == 4 || i == 6 })

	s.env.ExecuteWorkflow(WorkflowName, request("specs.md"))

	result := s.result()
	s.Equal(models.StatusFailed, result.Status)
	s.Contains(result.Error, "3 of 8 chunk analyses failed")
	s.Equal(models.StepFailed, s.status().Step)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityAnalyzeChunk, 8)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivitySynthesizeReport, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityNotifyUser, 1)
}

func (s *WorkflowTestSuite) Test_CancelDuringAnalysisSkipsSynthesis() {
	s.mockTextChunks(3, 2*time.Minute, func(int) bool { return false })

	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(CancelSignal, nil)
	}, time.Minute)

	s.env.ExecuteWorkflow(WorkflowName, request("specs.md"))

	s.Equal(models.StatusCanceled, s.result().Status)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityAnalyzeChunk, 3)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivitySynthesizeReport, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityEmbedChunks, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}

func (s *WorkflowTestSuite) mockPDFDownload(pages int) {
	s.env.OnActivity(ActivityDownloadSource, mock.Anything, mock.Anything).Return(&models.DownloadResponse{
		Artifact:  models.DownloadedArtifact{Kind: models.KindPDF, ContentType: "application/pdf", ByteSize: 4 << 20, TempDir: "/tmp/run"},
		PageCount: pages,
	}, nil).Once()
}

func convertPages(_ context.Context, req *models.ConvertRequest) (*models.ConversionResult, error) {
	out := &models.ConversionResult{ChunkIndex: req.Chunk.ChunkIndex, StartPage: req.Chunk.StartPage, PageCount: req.Chunk.Pages()}
	for p := req.Chunk.StartPage; p <= req.Chunk.EndPage; p++ {
		out.ImageHandles = append(out.ImageHandles, fmt.Sprintf("gs://work/runs/r/pages/%05d.png", p))
	}
	return out, nil
}

func (s *WorkflowTestSuite) Test_CancelStopsAtNextBoundary() {
	s.mockPDFDownload(24)
	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.Anything).After(10 * time.Minute).Return(convertPages)

	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(CancelSignal, nil)
	}, time.Minute)

	s.env.ExecuteWorkflow(WorkflowName, request("plans.pdf"))

	result := s.result()
	s.Equal(models.StatusCanceled, result.Status)
	s.Equal(models.StepCanceled, s.status().Step)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityConvertPageRange, 1)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityExtractVisionBatch, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityNotifyUser, 1)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}

func (s *WorkflowTestSuite) Test_VisionPartialFailureAndSynthesisFallback() {
	s.mockPDFDownload(24)
	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.Anything).Return(convertPages)
	s.env.OnActivity(ActivityExtractVisionBatch, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req *models.VisionBatchRequest) (*models.VisionChunkResult, error) {
			if req.BatchIndex == 2 {
				return nil, temporal.NewNonRetryableApplicationError("model refused the pages", "ExtractVisionBatchError", nil)
			}
			r := req.Range()
			return &models.VisionChunkResult{
				ChunkIndex: req.BatchIndex,
				StartPage:  r.StartPage,
				EndPage:    r.EndPage,
				TextHandle: fmt.Sprintf("gs://work/runs/r/text/batch-%05d.txt", req.BatchIndex),
			}, nil
		})

	var handles []string
	s.env.OnActivity(ActivityPrepareTextChunks, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req *models.PrepareChunksRequest) (*models.PrepareChunksResponse, error) {
			handles = req.TextHandles
			return &models.PrepareChunksResponse{
				Chunks: []models.TextChunkRef{
					{Handle: "gs://work/runs/r/chunks/00000.txt", ChunkIndex: 0, Total: 2, IsFirst: true},
					{Handle: "gs://work/runs/r/chunks/00001.txt", ChunkIndex: 1, Total: 2, IsLast: true},
				},
				ExtractedTextHandle: "gs://work/runs/r/extracted.txt",
			}, nil
		})
	s.env.OnActivity(ActivityAnalyzeChunk, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req *models.AnalyzeChunkRequest) (*models.ChunkAnalysisResult, error) {
			return &models.ChunkAnalysisResult{ChunkIndex: req.Chunk.ChunkIndex, RawAnalysisText: structuredAnalysis}, nil
		})
	s.env.OnActivity(ActivitySynthesizeReport, mock.Anything, mock.Anything).Return(
		nil, temporal.NewNonRetryableApplicationError("synthesis timed out", "SynthesizeReportError", nil))

	s.env.ExecuteWorkflow(WorkflowName, request("plans.pdf"))

	result := s.result()
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal([]string{
		"gs://work/runs/r/text/batch-00000.txt",
		"gs://work/runs/r/text/batch-00001.txt",
		"gs://work/runs/r/text/batch-00003.txt",
	}, handles)

	meta := result.Metadata
	s.Equal(24, meta.PageCount)
	s.Equal("pdf", meta.PageCountSource)
	s.Equal(4, meta.VisionBatches)
	s.Equal(models.ModeBasicMerge, meta.SynthesisMode)
	s.Require().Len(meta.Failures, 1)
	s.Equal(models.StageFailure{
		Stage:      "vision",
		ChunkIndex: 2,
		Pages:      models.PageRange{StartPage: 13, EndPage: 18},
		Error:      "model refused the pages",
	}, meta.Failures[0])
	s.Empty(meta.PageImages)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityAnalyzeChunk, 2)
}

func (s *WorkflowTestSuite) Test_AllVisionBatchesFail() {
	s.mockPDFDownload(12)
	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.Anything).Return(convertPages)
	s.env.OnActivity(ActivityExtractVisionBatch, mock.Anything, mock.Anything).Return(
		nil, temporal.NewNonRetryableApplicationError("quota exceeded", "ExtractVisionBatchError", nil))

	s.env.ExecuteWorkflow(WorkflowName, request("plans.pdf"))

	result := s.result()
	s.Equal(models.StatusFailed, result.Status)
	s.Contains(result.Error, "2 of 2 page batches failed")
	s.Equal(models.StepFailed, s.status().Step)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityPrepareTextChunks, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityNotifyUser, 1)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}

func (s *WorkflowTestSuite) Test_InvalidRequest() {
	req := request("plans.pdf")
	req.SourceURL = ""

	s.env.ExecuteWorkflow(WorkflowName, req)

	result := s.result()
	s.Equal(models.StatusFailed, result.Status)
	s.Contains(result.Error, "sourceUrl is required")
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityDownloadSource, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}

func (s *WorkflowTestSuite) Test_ImagesKeptWhenRequested() {
	keep := true
	req := request("site.png")
	req.AnalysisType = models.AnalysisImage
	req.Options.ExtractImages = &keep

	s.env.OnActivity(ActivityDownloadSource, mock.Anything, mock.Anything).Return(&models.DownloadResponse{
		Artifact: models.DownloadedArtifact{Kind: models.KindImage, ContentType: "image/png", ByteSize: 2048},
	}, nil).Once()
	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.Anything).Return(convertPages).Once()
	s.env.OnActivity(ActivityExtractVisionBatch, mock.Anything, mock.Anything).Return(&models.VisionChunkResult{
		TextHandle: "gs://work/runs/r/text/batch-00000.txt",
		StartPage:  1,
		EndPage:    1,
	}, nil).Once()
	s.env.OnActivity(ActivityPrepareTextChunks, mock.Anything, mock.Anything).Return(&models.PrepareChunksResponse{
		Chunks: []models.TextChunkRef{{Handle: "gs://work/runs/r/chunks/00000.txt", Total: 1, IsFirst: true, IsLast: true}},
	}, nil).Once()
	s.env.OnActivity(ActivityAnalyzeChunk, mock.Anything, mock.Anything).Return(&models.ChunkAnalysisResult{RawAnalysisText: structuredAnalysis}, nil).Once()

	s.env.ExecuteWorkflow(WorkflowName, req)

	result := s.result()
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal("image", result.Metadata.PageCountSource)
	s.Equal([]string{"gs://work/runs/r/pages/00001.png"}, result.Metadata.PageImages)
	s.env.AssertActivityCalled(s.T(), ActivityCleanupRun, mock.Anything, mock.MatchedBy(func(r *models.CleanupRequest) bool {
		return r.KeepImages && r.RunID != ""
	}))
}

func (s *WorkflowTestSuite) Test_LargeDocumentReassembledInPageOrder() {
	const pages = 250
	plan := planner.Compute(4<<20, pages, DefaultPolicies().Planner)
	s.Require().Greater(len(plan.Chunks), plan.WorkerCount)
	s.mockPDFDownload(pages)

	// Completion order is shuffled against dispatch order in both fan-outs.
	rng := rand.New(rand.NewSource(7))
	convDelays := rng.Perm(len(plan.Chunks))
	for _, c := range plan.Chunks {
		idx := c.ChunkIndex
		s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.MatchedBy(func(r *models.ConvertRequest) bool {
			return r.Chunk.ChunkIndex == idx
		})).After(time.Duration(convDelays[idx]) * time.Second).Return(convertPages)
	}

	batches := (pages + DefaultPolicies().BatchSize() - 1) / DefaultPolicies().BatchSize()
	visionDelays := rng.Perm(batches)
	for b := 0; b < batches; b++ {
		idx := b
		s.env.OnActivity(ActivityExtractVisionBatch, mock.Anything, mock.MatchedBy(func(r *models.VisionBatchRequest) bool {
			return r.BatchIndex == idx
		})).After(time.Duration(visionDelays[idx]) * time.Second).Return(
			func(_ context.Context, req *models.VisionBatchRequest) (*models.VisionChunkResult, error) {
				r := req.Range()
				return &models.VisionChunkResult{
					ChunkIndex: req.BatchIndex,
					StartPage:  r.StartPage,
					EndPage:    r.EndPage,
					TextHandle: fmt.Sprintf("gs://work/runs/r/text/p%03d-%03d.txt", r.StartPage, r.EndPage),
				}, nil
			})
	}

	var handles []string
	s.env.OnActivity(ActivityPrepareTextChunks, mock.Anything, mock.Anything).Return(
		func(_ context.Context, req *models.PrepareChunksRequest) (*models.PrepareChunksResponse, error) {
			handles = req.TextHandles
			return &models.PrepareChunksResponse{
				Chunks: []models.TextChunkRef{{Handle: "gs://work/runs/r/chunks/00000.txt", Total: 1, IsFirst: true, IsLast: true}},
			}, nil
		})
	s.env.OnActivity(ActivityAnalyzeChunk, mock.Anything, mock.Anything).Return(&models.ChunkAnalysisResult{RawAnalysisText: structuredAnalysis}, nil)

	s.env.ExecuteWorkflow(WorkflowName, request("tender.pdf"))

	result := s.result()
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal(pages, result.Metadata.PageCount)
	s.Equal(len(plan.Chunks), result.Metadata.ConversionChunks)
	s.Equal(batches, result.Metadata.VisionBatches)

	var want []string
	for start := 1; start <= pages; start += DefaultPolicies().BatchSize() {
		end := min(start+DefaultPolicies().BatchSize()-1, pages)
		want = append(want, fmt.Sprintf("gs://work/runs/r/text/p%03d-%03d.txt", start, end))
	}
	s.Equal(want, handles)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityConvertPageRange, len(plan.Chunks))
}

func (s *WorkflowTestSuite) Test_ConversionFailureStartsNothingNew() {
	const pages = 250
	plan := planner.Compute(4<<20, pages, DefaultPolicies().Planner)
	s.Require().Greater(len(plan.Chunks), plan.WorkerCount)
	s.mockPDFDownload(pages)

	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.MatchedBy(func(r *models.ConvertRequest) bool {
		return r.Chunk.ChunkIndex == 2
	})).Return(nil, temporal.NewNonRetryableApplicationError("render failed", "ConvertPageRangeError", nil))
	s.env.OnActivity(ActivityConvertPageRange, mock.Anything, mock.Anything).After(time.Minute).Return(convertPages)

	s.env.ExecuteWorkflow(WorkflowName, request("tender.pdf"))

	result := s.result()
	s.Equal(models.StatusFailed, result.Status)
	s.Contains(result.Error, "render failed")
	s.Equal(models.StepFailed, s.status().Step)
	// Only the first window was dispatched; in-flight conversions were drained.
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityConvertPageRange, plan.WorkerCount)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityExtractVisionBatch, 0)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityNotifyUser, 1)
	s.env.AssertActivityNumberOfCalls(s.T(), ActivityCleanupRun, 1)
}
