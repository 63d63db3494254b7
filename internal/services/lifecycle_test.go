package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

func seedRun(t *testing.T, store *MemoryStore, runID string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{
		PageImageName(runID, 1),
		PageImageName(runID, 2),
		BatchTextName(runID, 0),
		ChunkTextName(runID, 0),
		ExtractedTextName(runID),
	} {
		_, err := store.Put(ctx, name, []byte("x"), "text/plain")
		require.NoError(t, err)
	}
}

func TestCleaner(t *testing.T) {
	t.Run("deletes intermediates", func(t *testing.T) {
		store := NewMemoryStore(testBucket)
		seedRun(t, store, "run-x")
		seedRun(t, store, "run-y")
		tempDir := filepath.Join(t.TempDir(), "scratch")
		require.NoError(t, os.MkdirAll(tempDir, 0o755))

		n, err := NewCleaner(store).Cleanup(context.Background(), "run-x", tempDir, false)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, []string{store.Handle(ExtractedTextName("run-x"))}, store.Names(RunPrefix("run-x")))
		assert.Len(t, store.Names(RunPrefix("run-y")), 5, "other runs are untouched")
		assert.NoDirExists(t, tempDir)
	})

	t.Run("keeps images", func(t *testing.T) {
		store := NewMemoryStore(testBucket)
		seedRun(t, store, "run-x")
		n, err := NewCleaner(store).Cleanup(context.Background(), "run-x", "", true)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, store.Names(PagesPrefix("run-x")), 2)
	})

	t.Run("no run", func(t *testing.T) {
		n, err := NewCleaner(NewMemoryStore(testBucket)).Cleanup(context.Background(), "", "", false)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

type failingRuns struct{}

func (failingRuns) CreateRun(context.Context, models.Run) error { return errors.New("down") }
func (failingRuns) UpdateRun(context.Context, string, map[string]interface{}) error {
	return errors.New("down")
}

func TestAnnouncer(t *testing.T) {
	ctx := context.Background()
	req := models.NotifyRequest{
		RunID:      "run-n",
		WorkflowID: "analyze-n",
		UserID:     "u1",
		FileName:   "plans.pdf",
		Status:     models.StatusSuccess,
		Summary:    "Four trades.",
		Metadata:   models.ResultMetadata{ExtractedTextURI: "gs://work-bucket/runs/run-n/extracted.txt"},
	}

	runs := NewMemoryRuns()
	notifier := &MemoryNotifier{}
	require.NoError(t, NewAnnouncer(runs, notifier).Announce(ctx, req))

	doc, ok := runs.Run("analyze-n")
	require.True(t, ok)
	assert.Equal(t, RunCompleted, doc["status"])
	assert.Equal(t, "Four trades.", doc["summary"])
	assert.Equal(t, req.Metadata.ExtractedTextURI, doc["resultTextUri"])
	require.Len(t, notifier.Sent(), 1)

	// A failing run store does not stop the notification.
	notifier = &MemoryNotifier{}
	err := NewAnnouncer(failingRuns{}, notifier).Announce(ctx, req)
	assert.Error(t, err)
	assert.Len(t, notifier.Sent(), 1)
}

func TestNotificationMessage(t *testing.T) {
	base := models.NotifyRequest{FileName: "plans.pdf"}
	for status, want := range map[string]string{
		models.StatusSuccess:  "Analysis of plans.pdf is complete.",
		models.StatusCanceled: "Analysis of plans.pdf was canceled.",
		models.StatusFailed:   "Analysis of plans.pdf failed.",
	} {
		r := base
		r.Status = status
		assert.Equal(t, want, NotificationMessage(r))
	}
	base.Status = models.StatusFailed
	base.Error = "unsupported content type"
	assert.Equal(t, "Analysis of plans.pdf failed: unsupported content type", NotificationMessage(base))
	assert.Equal(t, RunFailed, runStatus("anything else"))
}
