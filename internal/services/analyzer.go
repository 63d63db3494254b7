package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// ChunkAnalyzer runs the analysis model over one text chunk.
type ChunkAnalyzer struct {
	store  ObjectStore
	models map[models.AnalysisType]TextModel
}

// NewChunkAnalyzer takes one model per analysis type. Types without a model
// use the document model.
func NewChunkAnalyzer(store ObjectStore, byType map[models.AnalysisType]TextModel) *ChunkAnalyzer {
	return &ChunkAnalyzer{store: store, models: byType}
}

func (a *ChunkAnalyzer) modelFor(t models.AnalysisType) (TextModel, error) {
	if m, ok := a.models[t]; ok && m != nil {
		return m, nil
	}
	if m, ok := a.models[models.AnalysisDocument]; ok && m != nil {
		return m, nil
	}
	return nil, models.NewValidationError("analyze chunk", fmt.Sprintf("no analysis model for %q", t), nil)
}

func (a *ChunkAnalyzer) Process(ctx context.Context, req *models.AnalyzeChunkRequest) (*models.ChunkAnalysisResult, error) {
	chunk := req.Chunk
	logCtx := slog.With("runId", req.RunID, "chunkIndex", chunk.ChunkIndex, "section", chunk.ContextLabel)

	model, err := a.modelFor(req.AnalysisType)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Get(ctx, chunk.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	out, err := model.Generate(ctx, AnalysisPrompt(req.FileName, chunk, string(data)))
	if err != nil {
		logCtx.Error("Analysis model call failed", "error", err)
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, models.NewExpensiveError("analyze chunk", "model returned an empty analysis", nil)
	}
	if IsRefusal(out) {
		return nil, models.NewExpensiveError("analyze chunk", "model refused the chunk", nil)
	}
	logCtx.Info("Chunk analyzed.", "chars", len(out))
	return &models.ChunkAnalysisResult{ChunkIndex: chunk.ChunkIndex, RawAnalysisText: out}, nil
}
