package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

func visionRequest(store *MemoryStore, pages ...int) *models.VisionBatchRequest {
	req := &models.VisionBatchRequest{RunID: "run-v", BatchIndex: 2, AnalysisType: models.AnalysisDocument}
	for _, p := range pages {
		req.Images = append(req.Images, models.PageImage{Page: p, Handle: store.Handle(PageImageName("run-v", p))})
	}
	return req
}

func TestVision_StoresBatchText(t *testing.T) {
	store := NewMemoryStore(testBucket)
	model := &scriptedModel{out: "--- Page 13 ---\nGENERAL NOTES\n--- Page 14 ---\nPANEL SCHEDULE"}
	v := NewVisionExtractor(VisionConfig{SignURLs: true}, store, model)

	res, err := v.Process(context.Background(), visionRequest(store, 13, 14))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunkIndex)
	assert.Equal(t, 13, res.StartPage)
	assert.Equal(t, 14, res.EndPage)
	assert.Equal(t, store.Handle("runs/run-v/text/batch-00002.txt"), res.TextHandle)

	data, err := store.Get(context.Background(), res.TextHandle)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "--- Page 13 ---\n"))
	assert.Equal(t, len(data), res.CharCount)

	require.Len(t, model.images, 1)
	assert.NotEmpty(t, model.images[0][0].URL)
	assert.Contains(t, model.prompts[0], "13, 14")
}

func TestVision_AddsMissingMarkers(t *testing.T) {
	assert.Equal(t, "--- Page 3 ---\nhello\n--- Page 4 ---\n", ensurePageMarkers("hello", []int{3, 4}))
	assert.Equal(t, "--- Page 3 ---\nintro\n--- Page 4 ---\nmore\n", ensurePageMarkers("intro\n--- Page 4 ---\nmore", []int{3, 4}))
	assert.Equal(t, "--- Page 3 ---\nok\n", ensurePageMarkers("--- Page 3 ---\nok", []int{3}))
}

func TestVision_Failures(t *testing.T) {
	store := NewMemoryStore(testBucket)

	refusing := NewVisionExtractor(VisionConfig{}, store, &scriptedModel{out: "I am unable to help with these images."})
	_, err := refusing.Process(context.Background(), visionRequest(store, 1, 2))
	require.Error(t, err)
	assert.Equal(t, models.KindExpensive, models.KindOf(err))
	assert.Empty(t, store.Names(TextPrefix("run-v")), "refusals are never stored")

	broken := NewVisionExtractor(VisionConfig{}, store, &scriptedModel{err: errors.New("quota")})
	_, err = broken.Process(context.Background(), visionRequest(store, 1))
	require.Error(t, err)

	_, err = broken.Process(context.Background(), visionRequest(store))
	assert.True(t, models.IsValidation(err))
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	out := truncate(strings.Repeat("é", 10), 5)
	assert.Equal(t, "éé...", out)
	assert.True(t, utf8.ValidString(out))
}
