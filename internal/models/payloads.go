package models

import "time"

// These structs are the typed request/response pairs of the pipeline activities.
// Large payloads (page images, extracted text) travel as object-storage handles.

// DocumentKind is the extraction route chosen for a downloaded source.
type DocumentKind string

const (
	KindPDF   DocumentKind = "pdf"
	KindImage DocumentKind = "image"
	KindText  DocumentKind = "text"
)

// DownloadedArtifact describes the source file once it has been fetched.
type DownloadedArtifact struct {
	LocalPath       string       `json:"localPath"`
	ByteSize        int64        `json:"byteSize"`
	ContentType     string       `json:"contentType"`
	Kind            DocumentKind `json:"kind"`
	TempDir         string       `json:"tempDir"`
	OriginalURL     string       `json:"originalUrl"`
	AccessHandle    string       `json:"accessHandle"`
	AccessExpiresAt time.Time    `json:"accessExpiresAt"`
	CacheKey        string       `json:"cacheKey"`
	FileHash        string       `json:"fileHash"`
}

type DownloadRequest struct {
	RunID   string          `json:"runId"`
	Request AnalysisRequest `json:"request"`
}

type DownloadResponse struct {
	Artifact DownloadedArtifact `json:"artifact"`
	// PageCount is the authoritative page count; zero when it could not be read.
	PageCount int `json:"pageCount"`
}

// PageRangeChunk is one unit of conversion work.
type PageRangeChunk struct {
	StartPage  int `json:"startPage"`
	EndPage    int `json:"endPage"`
	ChunkIndex int `json:"chunkIndex"`
}

// Pages returns the number of pages covered by the chunk.
func (c PageRangeChunk) Pages() int {
	return c.EndPage - c.StartPage + 1
}

func (c PageRangeChunk) Range() PageRange {
	return PageRange{StartPage: c.StartPage, EndPage: c.EndPage}
}

type ConvertRequest struct {
	RunID    string             `json:"runId"`
	Artifact DownloadedArtifact `json:"artifact"`
	Chunk    PageRangeChunk     `json:"chunk"`
	// UserID tags progress events for the per-user feed.
	UserID string `json:"userId,omitempty"`
}

// ConversionResult lists the uploaded page images of one chunk, ordered by page.
type ConversionResult struct {
	ChunkIndex       int      `json:"chunkIndex"`
	StartPage        int      `json:"startPage"`
	ImageHandles     []string `json:"imageHandles"`
	PageCount        int      `json:"pageCount"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// PageImage is a single rendered page ready for the vision model.
type PageImage struct {
	Page   int    `json:"page"`
	Handle string `json:"handle"`
}

type VisionBatchRequest struct {
	RunID        string       `json:"runId"`
	BatchIndex   int          `json:"batchIndex"`
	AnalysisType AnalysisType `json:"analysisType"`
	Images       []PageImage  `json:"images"`
	// UserID tags progress events for the per-user feed.
	UserID string `json:"userId,omitempty"`
}

func (r VisionBatchRequest) Range() PageRange {
	if len(r.Images) == 0 {
		return PageRange{}
	}
	return PageRange{StartPage: r.Images[0].Page, EndPage: r.Images[len(r.Images)-1].Page}
}

// VisionChunkResult points at the text extracted from one batch of pages.
type VisionChunkResult struct {
	ChunkIndex int    `json:"chunkIndex"`
	StartPage  int    `json:"startPage"`
	EndPage    int    `json:"endPage"`
	TextHandle string `json:"textHandle"`
	CharCount  int    `json:"charCount"`
}

type TextExtractRequest struct {
	RunID    string             `json:"runId"`
	Artifact DownloadedArtifact `json:"artifact"`
	Request  AnalysisRequest    `json:"request"`
}

type TextExtractResponse struct {
	TextHandle string `json:"textHandle"`
	CharCount  int    `json:"charCount"`
	Language   string `json:"language,omitempty"`
}

// TextChunk is a span of extracted text prepared for independent analysis.
type TextChunk struct {
	Text           string `json:"text"`
	ContextLabel   string `json:"contextLabel"`
	PageReferences []int  `json:"pageReferences,omitempty"`
	ChunkIndex     int    `json:"chunkIndex"`
	IsFirst        bool   `json:"isFirst"`
	IsLast         bool   `json:"isLast"`
}

// TextChunkRef is a TextChunk whose text lives in object storage.
type TextChunkRef struct {
	Handle         string `json:"handle"`
	CharCount      int    `json:"charCount"`
	ContextLabel   string `json:"contextLabel"`
	PageReferences []int  `json:"pageReferences,omitempty"`
	ChunkIndex     int    `json:"chunkIndex"`
	Total          int    `json:"total"`
	IsFirst        bool   `json:"isFirst"`
	IsLast         bool   `json:"isLast"`
}

type PrepareChunksRequest struct {
	RunID       string   `json:"runId"`
	TextHandles []string `json:"textHandles"`
	// UserID tags progress events for the per-user feed.
	UserID string `json:"userId,omitempty"`
}

type PrepareChunksResponse struct {
	Chunks              []TextChunkRef `json:"chunks"`
	ExtractedTextHandle string         `json:"extractedTextHandle"`
	// ExtractedText is only set when the text is small enough to inline.
	ExtractedText string `json:"extractedText,omitempty"`
	TotalChars    int    `json:"totalChars"`
}

type AnalyzeChunkRequest struct {
	RunID        string       `json:"runId"`
	FileName     string       `json:"fileName"`
	AnalysisType AnalysisType `json:"analysisType"`
	Chunk        TextChunkRef `json:"chunk"`
}

// ChunkAnalysisResult is the raw model output for one text chunk.
type ChunkAnalysisResult struct {
	ChunkIndex      int    `json:"chunkIndex"`
	RawAnalysisText string `json:"rawAnalysisText"`
}

type SynthesisRequest struct {
	RunID           string                `json:"runId"`
	FileName        string                `json:"fileName"`
	AnalysisType    AnalysisType          `json:"analysisType"`
	GenerateSummary bool                  `json:"generateSummary"`
	Analyses        []ChunkAnalysisResult `json:"analyses"`
	// UserID tags progress events for the per-user feed.
	UserID string `json:"userId,omitempty"`
}

type EmbedRequest struct {
	RunID  string         `json:"runId"`
	Chunks []TextChunkRef `json:"chunks"`
}

type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model,omitempty"`
}

type CleanupRequest struct {
	RunID      string `json:"runId"`
	TempDir    string `json:"tempDir,omitempty"`
	KeepImages bool   `json:"keepImages"`
}

type NotifyRequest struct {
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	UserID     string         `json:"userId"`
	FileName   string         `json:"fileName"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   ResultMetadata `json:"metadata"`
}
