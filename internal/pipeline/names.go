// Package pipeline is the durable orchestrator of document analysis runs: the
// Temporal workflow, its activities and the client used to drive it.
package pipeline

// Registered names. Changing any of them breaks in-flight runs.
const (
	WorkflowName     = "analyzeDocumentWorkflow"
	CancelSignal     = "cancelAnalysis"
	ProgressSignal   = "updateProgress"
	StatusQuery      = "getAnalysisStatus"
	DefaultTaskQueue = "pip-ai-task-queue"
)

const (
	ActivityDownloadSource      = "DownloadSource"
	ActivityConvertPageRange    = "ConvertPageRange"
	ActivityExtractVisionBatch  = "ExtractVisionBatch"
	ActivityExtractDocumentText = "ExtractDocumentText"
	ActivityPrepareTextChunks   = "PrepareTextChunks"
	ActivityAnalyzeChunk        = "AnalyzeChunk"
	ActivitySynthesizeReport    = "SynthesizeReport"
	ActivityEmbedChunks         = "EmbedChunks"
	ActivityNotifyUser          = "NotifyUser"
	ActivityCleanupRun          = "CleanupRun"
)

// Progress values reported at each step.
const (
	progressDownloading = 10
	progressConverting  = 25
	progressExtracting  = 45
	progressAnalyzing   = 60
	progressFinalizing  = 90
	progressCompleted   = 100
)
