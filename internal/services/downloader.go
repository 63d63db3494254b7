package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
)

type DownloaderConfig struct {
	MaxBytes     int64
	TempRoot     string
	SignedURLTTL time.Duration
}

// Downloader fetches the source into the shared cache, classifies it, counts
// its pages and records the run.
type Downloader struct {
	store  ObjectStore
	cache  *sourcecache.Cache
	runs   RunStore
	http   *http.Client
	config DownloaderConfig
}

func NewDownloader(cfg DownloaderConfig, store ObjectStore, cache *sourcecache.Cache, runs RunStore, httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	return &Downloader{store: store, cache: cache, runs: runs, http: httpClient, config: cfg}
}

// TempDirFor is the per-run scratch directory. It is stable across retries.
func (d *Downloader) TempDirFor(runID string) string {
	return filepath.Join(d.config.TempRoot, "docanalysis-run-"+runID)
}

func (d *Downloader) Process(ctx context.Context, workflowID string, req *models.DownloadRequest, heartbeat HeartbeatFunc) (*models.DownloadResponse, error) {
	src := req.Request
	logCtx := slog.With("runId", req.RunID, "workflowId", workflowID, "sourceUrl", src.SourceURL)
	logCtx.Info("Downloading source.")

	if err := src.Validate(); err != nil {
		return nil, err
	}

	// --- 1. Scratch space ---
	tempDir := d.TempDirFor(req.RunID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	// --- 2. Fill the shared cache, or wait for a sibling that is filling it ---
	fetch := FetchSource(d.store, d.http, d.config.MaxBytes, src.SourceURL)
	entry, err := d.cache.Acquire(ctx, src.SourceURL, fetch, sourcecache.OnWait(func(attempt int) {
		heartbeat.beat("waiting for source", attempt)
	}))
	if err != nil {
		logCtx.Error("Failed to acquire source", "error", err)
		return nil, err
	}
	if entry.Size > d.config.MaxBytes {
		return nil, tooLarge(d.config.MaxBytes)
	}
	heartbeat.beat("source ready")
	logCtx = logCtx.With("cacheKey", entry.Key, "bytes", entry.Size, "cacheHit", entry.Hit)

	// --- 3. Classify ---
	kind, contentType, err := SniffKind(entry.Path, src.FileName)
	if err != nil {
		return nil, err
	}
	fileHash, err := calculateFileHash(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate file hash: %w", err)
	}

	// --- 4. Authoritative page count ---
	pageCount := 0
	switch kind {
	case models.KindPDF:
		pageCount, err = countPDFPages(entry.Path)
		if err != nil {
			// The planner falls back to a size-based estimate.
			logCtx.Warn("Failed to read PDF page count.", "error", err)
			pageCount = 0
		}
	case models.KindImage:
		pageCount = 1
	}

	// --- 5. Access handle for workers on other hosts ---
	access, expires, err := d.accessHandle(ctx, src.SourceURL)
	if err != nil {
		return nil, err
	}

	// --- 6. Run record ---
	run := models.Run{
		WorkflowID:   workflowID,
		RunID:        req.RunID,
		UserID:       src.UserID,
		FileName:     src.FileName,
		SourceURL:    src.SourceURL,
		AnalysisType: src.AnalysisType,
		FileHash:     fileHash,
		ContentType:  contentType,
		ByteSize:     entry.Size,
		PageCount:    pageCount,
		Status:       RunProcessing,
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	logCtx.Info("Source ready.", "kind", kind, "contentType", contentType, "pageCount", pageCount)
	return &models.DownloadResponse{
		Artifact: models.DownloadedArtifact{
			LocalPath:       entry.Path,
			ByteSize:        entry.Size,
			ContentType:     contentType,
			Kind:            kind,
			TempDir:         tempDir,
			OriginalURL:     src.SourceURL,
			AccessHandle:    access,
			AccessExpiresAt: expires,
			CacheKey:        entry.Key,
			FileHash:        fileHash,
		},
		PageCount: pageCount,
	}, nil
}

// accessHandle returns a URL any worker can fetch without the caller's credentials.
func (d *Downloader) accessHandle(ctx context.Context, sourceURL string) (string, time.Time, error) {
	if !strings.HasPrefix(sourceURL, "gs://") {
		return sourceURL, time.Time{}, nil
	}
	url, err := d.store.SignedURL(ctx, sourceURL, d.config.SignedURLTTL)
	if err != nil {
		// Workers in the same project can still read the gs:// handle directly.
		slog.Warn("Failed to sign source URL, falling back to gs:// handle.", "error", err)
		return sourceURL, time.Time{}, nil
	}
	return url, time.Now().Add(d.config.SignedURLTTL), nil
}

func countPDFPages(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.PageCount(f, cfg)
}
