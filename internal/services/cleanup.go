package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Cleaner removes the intermediate artifacts of a run.
type Cleaner struct {
	store ObjectStore
}

func NewCleaner(store ObjectStore) *Cleaner {
	return &Cleaner{store: store}
}

// Cleanup deletes chunk and text objects, page images unless keepImages, and
// the local scratch directory. The shared source cache is left alone. Every
// step is attempted; the errors are joined.
func (c *Cleaner) Cleanup(ctx context.Context, runID, tempDir string, keepImages bool) (int, error) {
	logCtx := slog.With("runId", runID)
	if runID == "" {
		return 0, nil
	}

	prefixes := []string{ChunksPrefix(runID), TextPrefix(runID)}
	if !keepImages {
		prefixes = append(prefixes, PagesPrefix(runID))
	}

	var errs []error
	deleted := 0
	for _, prefix := range prefixes {
		n, err := c.store.DeletePrefix(ctx, prefix)
		deleted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", prefix, err))
		}
	}
	if tempDir != "" {
		if err := os.RemoveAll(tempDir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove temp dir: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logCtx.Warn("Cleanup finished with errors.", "deleted", deleted, "error", err)
	} else {
		logCtx.Info("Cleanup finished.", "deleted", deleted, "keptImages", keepImages)
	}
	return deleted, err
}
