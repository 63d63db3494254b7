package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalysisRequest_Validate(t *testing.T) {
	valid := AnalysisRequest{
		SourceURL:    "gs://uploads/u1/plans.pdf",
		UserID:       "u1",
		FileName:     "plans.pdf",
		AnalysisType: AnalysisDocument,
	}

	tests := []struct {
		name    string
		mutate  func(r *AnalysisRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *AnalysisRequest) {}},
		{name: "https source", mutate: func(r *AnalysisRequest) { r.SourceURL = "https://example.com/a.pdf?sig=x" }},
		{name: "missing source", mutate: func(r *AnalysisRequest) { r.SourceURL = " " }, wantErr: true},
		{name: "ftp source", mutate: func(r *AnalysisRequest) { r.SourceURL = "ftp://host/a.pdf" }, wantErr: true},
		{name: "missing file name", mutate: func(r *AnalysisRequest) { r.FileName = "" }, wantErr: true},
		{name: "unknown type", mutate: func(r *AnalysisRequest) { r.AnalysisType = "video" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				assert.True(t, IsValidation(err), "expected validation error, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAnalysisOptions_Defaults(t *testing.T) {
	var opts AnalysisOptions
	assert.False(t, opts.WantImages())
	assert.True(t, opts.WantSummary())
	assert.True(t, opts.WantLanguage())

	off := false
	opts.GenerateSummary = &off
	assert.False(t, opts.WantSummary())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewExpensiveError("analyze", "model call failed", errors.New("503")))
	assert.Equal(t, KindExpensive, KindOf(wrapped))
	assert.Equal(t, KindTransient, KindOf(errors.New("plain")))
	assert.False(t, IsValidation(nil))
}

func TestPipelineStatus_Terminal(t *testing.T) {
	assert.False(t, PipelineStatus{Step: StepAnalyzing}.Terminal())
	assert.True(t, PipelineStatus{Step: StepCanceled}.Terminal())
}
