package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/textsplit"
)

type VisionConfig struct {
	// SignURLs is needed by models that fetch images over HTTPS.
	SignURLs     bool
	SignedURLTTL time.Duration
}

// VisionExtractor transcribes one batch of page images.
type VisionExtractor struct {
	store  ObjectStore
	model  VisionModel
	config VisionConfig
}

func NewVisionExtractor(cfg VisionConfig, store ObjectStore, model VisionModel) *VisionExtractor {
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	return &VisionExtractor{store: store, model: model, config: cfg}
}

// BatchTextName is the object name of one batch transcription.
func BatchTextName(runID string, batch int) string {
	return fmt.Sprintf("%sbatch-%05d.txt", TextPrefix(runID), batch)
}

func (v *VisionExtractor) Process(ctx context.Context, req *models.VisionBatchRequest) (*models.VisionChunkResult, error) {
	pr := req.Range()
	logCtx := slog.With("runId", req.RunID, "batchIndex", req.BatchIndex, "pages", pr.String())
	if len(req.Images) == 0 {
		return nil, models.NewValidationError("vision batch", "batch has no images", nil)
	}

	refs := make([]ImageRef, len(req.Images))
	pages := make([]int, len(req.Images))
	for i, img := range req.Images {
		refs[i] = ImageRef{Page: img.Page, Handle: img.Handle, MIMEType: "image/png"}
		pages[i] = img.Page
		if v.config.SignURLs {
			url, err := v.store.SignedURL(ctx, img.Handle, v.config.SignedURLTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to sign page %d: %w", img.Page, err)
			}
			refs[i].URL = url
		}
	}

	text, err := v.model.ExtractText(ctx, VisionInstruction(req.AnalysisType, pages), refs)
	if err != nil {
		logCtx.Error("Vision model call failed", "error", err)
		return nil, err
	}

	// A refusal must fail the step rather than be stored as content.
	if IsRefusal(text) {
		logCtx.Error("Vision model refused the batch.", "response", truncate(text, 200))
		return nil, models.NewExpensiveError("vision batch", fmt.Sprintf("model refused %s", pr), nil)
	}
	if strings.TrimSpace(text) == "" {
		logCtx.Warn("No text extracted from batch. Treating pages as blank.")
	}
	text = ensurePageMarkers(text, pages)

	handle, err := v.store.Put(ctx, BatchTextName(req.RunID, req.BatchIndex), []byte(text), "text/markdown; charset=utf-8")
	if err != nil {
		return nil, err
	}
	logCtx.Info("Batch transcribed.", "chars", len(text), "handle", handle)
	return &models.VisionChunkResult{
		ChunkIndex: req.BatchIndex,
		StartPage:  pr.StartPage,
		EndPage:    pr.EndPage,
		TextHandle: handle,
		CharCount:  len(text),
	}, nil
}

// ensurePageMarkers guarantees the batch text opens with its first page marker
// so later chunking can attribute text to pages.
func ensurePageMarkers(text string, pages []int) string {
	text = strings.TrimSpace(text)
	first := textsplit.PageMarker(pages[0])
	if strings.HasPrefix(text, first) {
		return text + "\n"
	}
	if strings.Contains(text, "--- Page ") {
		return first + "\n" + text + "\n"
	}
	// Without any markers, attribute everything to the batch's page range.
	var b strings.Builder
	b.WriteString(first)
	b.WriteString("\n")
	b.WriteString(text)
	b.WriteString("\n")
	for _, p := range pages[1:] {
		b.WriteString(textsplit.PageMarker(p))
		b.WriteString("\n")
	}
	return b.String()
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
