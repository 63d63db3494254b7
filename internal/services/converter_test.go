package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

func convertRequest(start, end, idx int) *models.ConvertRequest {
	return &models.ConvertRequest{
		RunID: "run-c",
		Artifact: models.DownloadedArtifact{
			Kind:         models.KindPDF,
			OriginalURL:  "gs://uploads/plans.pdf",
			AccessHandle: "gs://uploads/plans.pdf",
		},
		Chunk: models.PageRangeChunk{StartPage: start, EndPage: end, ChunkIndex: idx},
	}
}

func TestConverter_UploadsPagesInOrder(t *testing.T) {
	store := NewMemoryStore(testBucket)
	store.Seed("gs://uploads/plans.pdf", []byte("%PDF-1.7 fake"))
	r := &pagesRenderer{pages: 5}
	c := NewConverter(ConverterConfig{MaxBytes: 1 << 20, UploadConcurrency: 2}, store, newTestCache(t), nil, rendererOf(r))

	res, err := c.Process(context.Background(), convertRequest(3, 7, 1), nil)
	require.NoError(t, err)

	// The plan overshot the document; pages past the end are dropped.
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, 1, res.ChunkIndex)
	assert.Equal(t, 3, res.StartPage)
	assert.Equal(t, []string{
		store.Handle("runs/run-c/pages/00003.png"),
		store.Handle("runs/run-c/pages/00004.png"),
		store.Handle("runs/run-c/pages/00005.png"),
	}, res.ImageHandles)
	assert.Equal(t, "image/png", store.ContentType(res.ImageHandles[0]))
	assert.True(t, r.closed)
}

func TestConverter_RetryIsIdempotent(t *testing.T) {
	store := NewMemoryStore(testBucket)
	store.Seed("gs://uploads/plans.pdf", []byte("%PDF-1.7 fake"))
	c := NewConverter(ConverterConfig{MaxBytes: 1 << 20}, store, newTestCache(t), nil, rendererOf(&pagesRenderer{pages: 4}))

	first, err := c.Process(context.Background(), convertRequest(1, 4, 0), nil)
	require.NoError(t, err)
	second, err := c.Process(context.Background(), convertRequest(1, 4, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ImageHandles, second.ImageHandles)
	assert.Len(t, store.Names(PagesPrefix("run-c")), 4)
}

func TestConverter_ChunkPastEnd(t *testing.T) {
	store := NewMemoryStore(testBucket)
	store.Seed("gs://uploads/plans.pdf", []byte("%PDF-1.7 fake"))
	c := NewConverter(ConverterConfig{MaxBytes: 1 << 20}, store, newTestCache(t), nil, rendererOf(&pagesRenderer{pages: 2}))

	res, err := c.Process(context.Background(), convertRequest(21, 40, 1), nil)
	require.NoError(t, err)
	assert.Zero(t, res.PageCount)
	assert.Empty(t, res.ImageHandles)
	assert.Empty(t, store.Names(PagesPrefix("run-c")))
}
