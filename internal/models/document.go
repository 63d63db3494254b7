package models

import "time"

// Run represents the Firestore record of one pipeline run.
// It mirrors the workflow status for consumers that cannot query Temporal.
type Run struct {
	WorkflowID    string       `firestore:"workflowId,omitempty"`
	RunID         string       `firestore:"runId,omitempty"`
	UserID        string       `firestore:"userId,omitempty"`
	FileName      string       `firestore:"fileName,omitempty"`
	SourceURL     string       `firestore:"sourceUrl,omitempty"`
	AnalysisType  AnalysisType `firestore:"analysisType,omitempty"`
	FileHash      string       `firestore:"fileHash,omitempty"`
	ContentType   string       `firestore:"contentType,omitempty"`
	ByteSize      int64        `firestore:"byteSize,omitempty"`
	PageCount     int          `firestore:"pageCount,omitempty"`
	Status        string       `firestore:"status,omitempty"`
	Summary       string       `firestore:"summary,omitempty"`
	ErrorDetails  string       `firestore:"errorDetails,omitempty"`
	ResultTextURI string       `firestore:"resultTextUri,omitempty"`
	CreatedAt     time.Time    `firestore:"createdAt,omitempty"`
	UpdatedAt     time.Time    `firestore:"updatedAt,omitempty"`
}

// Notification is a user-facing message written when a run ends.
type Notification struct {
	UserID     string    `firestore:"userId"`
	WorkflowID string    `firestore:"workflowId"`
	FileName   string    `firestore:"fileName"`
	Status     string    `firestore:"status"`
	Message    string    `firestore:"message"`
	Read       bool      `firestore:"read"`
	CreatedAt  time.Time `firestore:"createdAt"`
}
