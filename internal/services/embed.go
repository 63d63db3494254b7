package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// ChunkEmbedder embeds the analysis chunks of a run. A nil Embedder disables it.
type ChunkEmbedder struct {
	store    ObjectStore
	embedder Embedder
}

func NewChunkEmbedder(store ObjectStore, embedder Embedder) *ChunkEmbedder {
	return &ChunkEmbedder{store: store, embedder: embedder}
}

func (e *ChunkEmbedder) Enabled() bool { return e.embedder != nil }

func (e *ChunkEmbedder) Process(ctx context.Context, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	if !e.Enabled() || len(req.Chunks) == 0 {
		return &models.EmbedResponse{}, nil
	}
	texts := make([]string, len(req.Chunks))
	for i, c := range req.Chunks {
		data, err := e.store.Get(ctx, c.Handle)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", c.ChunkIndex, err)
		}
		texts[i] = string(data)
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	slog.Info("Chunks embedded.", "runId", req.RunID, "count", len(vectors), "model", e.embedder.ModelName())
	return &models.EmbedResponse{Embeddings: vectors, Model: e.embedder.ModelName()}, nil
}
