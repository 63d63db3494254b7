package models

import (
	"fmt"
	"strings"
)

// AnalysisType selects the prompt family and the extraction route for a run.
type AnalysisType string

const (
	AnalysisDocument AnalysisType = "document"
	AnalysisCode     AnalysisType = "code"
	AnalysisData     AnalysisType = "data"
	AnalysisImage    AnalysisType = "image"
)

// Pipeline steps as reported through the status query.
const (
	StepInitializing = "initializing"
	StepDownloading  = "downloading"
	StepConverting   = "converting"
	StepExtracting   = "extracting"
	StepAnalyzing    = "analyzing"
	StepFinalizing   = "finalizing"
	StepCompleted    = "completed"
	StepFailed       = "failed"
	StepCanceled     = "canceled"
)

// Terminal result statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// AnalysisOptions are optional switches on a run. Nil pointers take the defaults.
type AnalysisOptions struct {
	ExtractImages   *bool `json:"extractImages,omitempty"`
	GenerateSummary *bool `json:"generateSummary,omitempty"`
	DetectLanguage  *bool `json:"detectLanguage,omitempty"`
}

func (o AnalysisOptions) WantImages() bool   { return boolOr(o.ExtractImages, false) }
func (o AnalysisOptions) WantSummary() bool  { return boolOr(o.GenerateSummary, true) }
func (o AnalysisOptions) WantLanguage() bool { return boolOr(o.DetectLanguage, true) }

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// AnalysisRequest is the immutable input of one pipeline run.
type AnalysisRequest struct {
	SourceURL    string          `json:"sourceUrl"`
	UserID       string          `json:"userId"`
	FileName     string          `json:"fileName"`
	AnalysisType AnalysisType    `json:"analysisType"`
	Options      AnalysisOptions `json:"options"`
}

// Validate checks the request before any work is scheduled.
func (r AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.SourceURL) == "" {
		return NewValidationError("validate request", "sourceUrl is required", nil)
	}
	if !strings.HasPrefix(r.SourceURL, "gs://") && !strings.HasPrefix(r.SourceURL, "https://") && !strings.HasPrefix(r.SourceURL, "http://") {
		return NewValidationError("validate request", fmt.Sprintf("unsupported source scheme in %q", r.SourceURL), nil)
	}
	if strings.TrimSpace(r.FileName) == "" {
		return NewValidationError("validate request", "fileName is required", nil)
	}
	switch r.AnalysisType {
	case AnalysisDocument, AnalysisCode, AnalysisData, AnalysisImage:
	default:
		return NewValidationError("validate request", fmt.Sprintf("unknown analysis type %q", r.AnalysisType), nil)
	}
	return nil
}

// PipelineStatus is the orchestrator-owned view of a run, returned by the status query.
type PipelineStatus struct {
	Step     string          `json:"step"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Canceled bool            `json:"canceled,omitempty"`
	Result   *AnalysisResult `json:"result,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (s PipelineStatus) Terminal() bool {
	return IsTerminalStep(s.Step)
}

// IsTerminalStep reports whether step names a final state.
func IsTerminalStep(step string) bool {
	switch step {
	case StepCompleted, StepFailed, StepCanceled:
		return true
	}
	return false
}

// ProgressUpdate is the payload of the progress signal. Zero fields are left untouched.
type ProgressUpdate struct {
	Step     string `json:"step,omitempty"`
	Progress int    `json:"progress,omitempty"`
}

// PageRange identifies an inclusive, 1-based span of pages.
type PageRange struct {
	StartPage int `json:"startPage"`
	EndPage   int `json:"endPage"`
}

func (p PageRange) String() string {
	if p.StartPage == p.EndPage {
		return fmt.Sprintf("page %d", p.StartPage)
	}
	return fmt.Sprintf("pages %d-%d", p.StartPage, p.EndPage)
}

// StageFailure records a tolerated sub-task failure within a fan-out stage.
type StageFailure struct {
	Stage      string    `json:"stage"`
	ChunkIndex int       `json:"chunkIndex"`
	Pages      PageRange `json:"pages"`
	Error      string    `json:"error"`
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	WorkflowID       string         `json:"workflowId"`
	RunID            string         `json:"runId"`
	FileName         string         `json:"fileName"`
	ContentType      string         `json:"contentType"`
	AnalysisType     AnalysisType   `json:"analysisType"`
	ByteSize         int64          `json:"byteSize"`
	PageCount        int            `json:"pageCount,omitempty"`
	PageCountSource  string         `json:"pageCountSource,omitempty"`
	ConversionChunks int            `json:"conversionChunks,omitempty"`
	VisionBatches    int            `json:"visionBatches,omitempty"`
	TextChunks       int            `json:"textChunks"`
	ExtractedTextURI string         `json:"extractedTextUri,omitempty"`
	ExtractedChars   int            `json:"extractedChars"`
	PageImages       []string       `json:"pageImages,omitempty"`
	Failures         []StageFailure `json:"failures,omitempty"`
	Trades           []TradeScope   `json:"trades,omitempty"`
	Materials        []string       `json:"materials,omitempty"`
	SynthesisMode    string         `json:"synthesisMode,omitempty"`
	Confidence       string         `json:"confidence,omitempty"`
	Language         string         `json:"language,omitempty"`
}

// AnalysisResult is the terminal output of a run.
type AnalysisResult struct {
	Status        string         `json:"status"`
	ExtractedText string         `json:"extractedText,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Insights      []string       `json:"insights,omitempty"`
	Embeddings    [][]float32    `json:"embeddings,omitempty"`
	Metadata      ResultMetadata `json:"metadata"`
	Error         string         `json:"error,omitempty"`
}
