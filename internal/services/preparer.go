package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/textsplit"
)

// InlineTextLimit is the largest extracted text returned in the workflow result
// itself. Larger texts are only referenced by handle.
const InlineTextLimit = 256 << 10

// ChunkTextName is the object name of one analysis chunk.
func ChunkTextName(runID string, idx int) string {
	return fmt.Sprintf("%s%05d.txt", ChunksPrefix(runID), idx)
}

// ChunkPreparer joins extracted text in order and splits it for analysis.
type ChunkPreparer struct {
	store    ObjectStore
	splitter *textsplit.Splitter
}

func NewChunkPreparer(store ObjectStore, splitter *textsplit.Splitter) *ChunkPreparer {
	return &ChunkPreparer{store: store, splitter: splitter}
}

func (p *ChunkPreparer) Process(ctx context.Context, req *models.PrepareChunksRequest) (*models.PrepareChunksResponse, error) {
	logCtx := slog.With("runId", req.RunID, "textHandles", len(req.TextHandles))
	if len(req.TextHandles) == 0 {
		return nil, models.NewValidationError("prepare chunks", "no text to analyze", nil)
	}

	// --- 1. Read every part, keeping the given order ---
	parts := make([]string, len(req.TextHandles))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, h := range req.TextHandles {
		eg.Go(func() error {
			data, err := p.store.Get(gctx, h)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", h, err)
			}
			parts[i] = strings.TrimRight(string(data), "\n") + "\n"
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	full := strings.Join(parts, "\n")
	if strings.TrimSpace(full) == "" {
		return nil, models.NewValidationError("prepare chunks", "extraction produced no text", nil)
	}

	extractedHandle, err := p.store.Put(ctx, ExtractedTextName(req.RunID), []byte(full), "text/plain; charset=utf-8")
	if err != nil {
		return nil, err
	}

	// --- 2. Split and store each chunk ---
	chunks := p.splitter.Split(full)
	refs := make([]models.TextChunkRef, len(chunks))
	eg, gctx = errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, c := range chunks {
		eg.Go(func() error {
			h, err := p.store.Put(gctx, ChunkTextName(req.RunID, c.ChunkIndex), []byte(c.Text), "text/plain; charset=utf-8")
			if err != nil {
				return err
			}
			refs[i] = models.TextChunkRef{
				Handle:         h,
				CharCount:      len(c.Text),
				ContextLabel:   c.ContextLabel,
				PageReferences: c.PageReferences,
				ChunkIndex:     c.ChunkIndex,
				Total:          len(chunks),
				IsFirst:        c.IsFirst,
				IsLast:         c.IsLast,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	resp := &models.PrepareChunksResponse{
		Chunks:              refs,
		ExtractedTextHandle: extractedHandle,
		TotalChars:          len(full),
	}
	if len(full) <= InlineTextLimit {
		resp.ExtractedText = full
	}
	logCtx.Info("Text prepared for analysis.", "chars", len(full), "chunks", len(refs))
	return resp, nil
}
