package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-enry/go-enry/v2"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
)

// TextExtractor handles sources that need no rendering: plain text, markdown,
// data files and source code.
type TextExtractor struct {
	store    ObjectStore
	cache    *sourcecache.Cache
	http     *http.Client
	maxBytes int64
}

func NewTextExtractor(store ObjectStore, cache *sourcecache.Cache, httpClient *http.Client, maxBytes int64) *TextExtractor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &TextExtractor{store: store, cache: cache, http: httpClient, maxBytes: maxBytes}
}

// SourceTextName is the object name of text read directly from a source.
func SourceTextName(runID string) string {
	return TextPrefix(runID) + "source.txt"
}

func (t *TextExtractor) Process(ctx context.Context, req *models.TextExtractRequest, heartbeat HeartbeatFunc) (*models.TextExtractResponse, error) {
	art := req.Artifact
	logCtx := slog.With("runId", req.RunID, "fileName", req.Request.FileName)

	fetch := FetchSource(t.store, t.http, t.maxBytes, art.AccessHandle)
	entry, err := t.cache.Acquire(ctx, art.OriginalURL, fetch, sourcecache.OnWait(func(attempt int) {
		heartbeat.beat("waiting for source", attempt)
	}))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	text := DecodeText(raw)
	if strings.TrimSpace(text) == "" {
		return nil, models.NewValidationError("extract text", "no text could be extracted from "+req.Request.FileName, nil)
	}

	language := ""
	switch req.Request.AnalysisType {
	case models.AnalysisCode, models.AnalysisData:
		if req.Request.Options.WantLanguage() {
			language = DetectLanguage(req.Request.FileName, raw)
		}
	}

	handle, err := t.store.Put(ctx, SourceTextName(req.RunID), []byte(text), "text/plain; charset=utf-8")
	if err != nil {
		return nil, err
	}
	logCtx.Info("Source text stored.", "chars", len(text), "language", language)
	return &models.TextExtractResponse{TextHandle: handle, CharCount: len(text), Language: language}, nil
}

// DecodeText strips a UTF-8 BOM, normalizes line endings and replaces invalid
// byte sequences.
func DecodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	s := strings.ToValidUTF8(string(raw), "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// DetectLanguage names the programming or data language of a file, or returns
// an empty string when it cannot tell.
func DetectLanguage(fileName string, content []byte) string {
	if len(content) > 64*1024 {
		content = content[:64*1024]
	}
	lang := enry.GetLanguage(filepath.Base(fileName), content)
	if lang == "" {
		if byExt, safe := enry.GetLanguageByExtension(fileName); safe {
			lang = byExt
		}
	}
	return lang
}
