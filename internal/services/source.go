package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
)

// HeartbeatFunc reports liveness from long-running work.
type HeartbeatFunc func(details ...interface{})

func (h HeartbeatFunc) beat(details ...interface{}) {
	if h != nil {
		h(details...)
	}
}

// FetchSource returns a cache fill function for a gs:// handle or an http(s)
// URL. Sources larger than maxBytes fail validation.
func FetchSource(store ObjectStore, httpClient *http.Client, maxBytes int64, url string) sourcecache.FetchFunc {
	return func(ctx context.Context, w io.Writer) error {
		var body io.ReadCloser
		switch {
		case strings.HasPrefix(url, "gs://"):
			r, err := store.Open(ctx, url)
			if errors.Is(err, ErrNotFound) {
				return models.NewValidationError("fetch source", "source object does not exist", err)
			}
			if err != nil {
				return err
			}
			body = r
		case strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return models.NewValidationError("fetch source", "invalid source URL", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to download source: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				msg := fmt.Sprintf("source download returned HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return models.NewValidationError("fetch source", msg, nil)
				}
				return models.NewTransientError("fetch source", msg, nil)
			}
			body = resp.Body
		default:
			return models.NewValidationError("fetch source", fmt.Sprintf("unsupported source %q", url), nil)
		}
		defer body.Close()

		n, err := io.Copy(w, io.LimitReader(body, maxBytes+1))
		if err != nil {
			return fmt.Errorf("failed to copy source: %w", err)
		}
		if n > maxBytes {
			return tooLarge(maxBytes)
		}
		return nil
	}
}

func tooLarge(maxBytes int64) error {
	return models.NewValidationError("fetch source", fmt.Sprintf("source exceeds the %dMB limit", maxBytes>>20), nil)
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".log": true, ".html": true, ".htm": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true, ".java": true,
	".c": true, ".h": true, ".cpp": true, ".cs": true, ".rb": true, ".rs": true, ".php": true,
	".swift": true, ".kt": true, ".scala": true, ".sh": true, ".sql": true,
}

var imageExtensions = map[string]string{
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".gif": "image/gif",
	".webp": "image/webp", ".tif": "image/tiff", ".tiff": "image/tiff",
}

// SniffKind classifies a local file by its leading bytes, then by extension.
func SniffKind(path, fileName string) (models.DocumentKind, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("failed to read source: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", "", models.NewValidationError("sniff source", "source is empty", nil)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	contentType := http.DetectContentType(head)
	switch {
	case contentType == "application/pdf":
		return models.KindPDF, contentType, nil
	case strings.HasPrefix(contentType, "image/"):
		return models.KindImage, contentType, nil
	}
	if mime, ok := imageExtensions[ext]; ok && contentType == "application/octet-stream" {
		// DetectContentType does not know TIFF.
		return models.KindImage, mime, nil
	}
	if strings.HasPrefix(contentType, "text/") || textExtensions[ext] {
		if strings.HasPrefix(contentType, "text/") || !hasBinary(head) {
			return models.KindText, contentType, nil
		}
	}
	return "", contentType, models.NewValidationError("sniff source", fmt.Sprintf("unsupported content type %s for %s", contentType, fileName), nil)
}

func hasBinary(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
