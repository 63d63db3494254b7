package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/raster"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
)

type ConverterConfig struct {
	DPI               float64
	MaxEdge           int
	MaxBytes          int64
	UploadConcurrency int
}

// OpenRendererFunc opens a renderer for a local source file.
type OpenRendererFunc func(path string, kind models.DocumentKind, dpi float64) (raster.Renderer, error)

// Converter renders one page range to PNGs and uploads them.
type Converter struct {
	store  ObjectStore
	cache  *sourcecache.Cache
	http   *http.Client
	open   OpenRendererFunc
	config ConverterConfig
}

func NewConverter(cfg ConverterConfig, store ObjectStore, cache *sourcecache.Cache, httpClient *http.Client, open OpenRendererFunc) *Converter {
	if cfg.DPI <= 0 {
		cfg.DPI = raster.DefaultDPI
	}
	if cfg.MaxEdge <= 0 {
		cfg.MaxEdge = raster.DefaultMaxEdge
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 8
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if open == nil {
		open = raster.Open
	}
	return &Converter{store: store, cache: cache, http: httpClient, open: open, config: cfg}
}

// PageImageName is the object name of a rendered page.
func PageImageName(runID string, page int) string {
	return fmt.Sprintf("%s%05d.png", PagesPrefix(runID), page)
}

func (c *Converter) Process(ctx context.Context, req *models.ConvertRequest, heartbeat HeartbeatFunc) (*models.ConversionResult, error) {
	started := time.Now()
	chunk := req.Chunk
	logCtx := slog.With("runId", req.RunID, "chunkIndex", chunk.ChunkIndex, "pages", chunk.Range().String())

	// --- 1. Local copy of the source, shared with sibling tasks on this host ---
	art := req.Artifact
	fetch := FetchSource(c.store, c.http, c.config.MaxBytes, art.AccessHandle)
	entry, err := c.cache.Acquire(ctx, art.OriginalURL, fetch, sourcecache.OnWait(func(attempt int) {
		heartbeat.beat("waiting for source", attempt)
	}))
	if err != nil {
		return nil, err
	}

	renderer, err := c.open(entry.Path, art.Kind, c.config.DPI)
	if err != nil {
		return nil, err
	}
	defer renderer.Close()

	// Plans built from a size estimate may run past the real end of the document.
	last := min(chunk.EndPage, renderer.PageCount())
	result := &models.ConversionResult{ChunkIndex: chunk.ChunkIndex, StartPage: chunk.StartPage}
	if chunk.StartPage > last {
		logCtx.Info("Chunk starts past the last page, nothing to convert.", "documentPages", renderer.PageCount())
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
		return result, nil
	}

	// --- 2. Render sequentially, upload concurrently ---
	handles := make([]string, last-chunk.StartPage+1)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.config.UploadConcurrency)
	for page := chunk.StartPage; page <= last; page++ {
		img, err := renderer.Render(gctx, page)
		if err != nil {
			_ = eg.Wait()
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		data, err := raster.EncodePNG(raster.Normalize(img, c.config.MaxEdge))
		if err != nil {
			_ = eg.Wait()
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		heartbeat.beat("rendered", page)

		idx := page - chunk.StartPage
		name := PageImageName(req.RunID, page)
		eg.Go(func() error {
			h, err := c.store.Put(gctx, name, data, "image/png")
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			handles[idx] = h
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("One or more pages failed to upload", "error", err)
		return nil, err
	}

	result.ImageHandles = handles
	result.PageCount = len(handles)
	result.ProcessingTimeMs = time.Since(started).Milliseconds()
	logCtx.Info("Page range converted.", "pageCount", result.PageCount, "ms", result.ProcessingTimeMs)
	return result, nil
}
