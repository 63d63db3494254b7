package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/textsplit"
)

func TestTextExtractor_DetectsLanguage(t *testing.T) {
	store := NewMemoryStore(testBucket)
	store.Seed("gs://uploads/main.go", []byte("\xef\xbb\xbfpackage main\r\n\r\nfunc main() {}\r\n"))
	x := NewTextExtractor(store, newTestCache(t), nil, 1<<20)

	resp, err := x.Process(context.Background(), &models.TextExtractRequest{
		RunID:    "run-t",
		Artifact: models.DownloadedArtifact{Kind: models.KindText, OriginalURL: "gs://uploads/main.go", AccessHandle: "gs://uploads/main.go"},
		Request:  models.AnalysisRequest{FileName: "main.go", AnalysisType: models.AnalysisCode},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Go", resp.Language)
	assert.Equal(t, store.Handle(SourceTextName("run-t")), resp.TextHandle)

	data, err := store.Get(context.Background(), resp.TextHandle)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}\n", string(data))
}

func TestTextExtractor_EmptyIsValidationError(t *testing.T) {
	store := NewMemoryStore(testBucket)
	store.Seed("gs://uploads/blank.txt", []byte(" \n\t\n"))
	x := NewTextExtractor(store, newTestCache(t), nil, 1<<20)

	_, err := x.Process(context.Background(), &models.TextExtractRequest{
		RunID:    "run-t",
		Artifact: models.DownloadedArtifact{OriginalURL: "gs://uploads/blank.txt", AccessHandle: "gs://uploads/blank.txt"},
		Request:  models.AnalysisRequest{FileName: "blank.txt", AnalysisType: models.AnalysisDocument},
	}, nil)
	assert.True(t, models.IsValidation(err))
}

func TestChunkPreparer_JoinsInGivenOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testBucket)
	first, _ := store.Put(ctx, "runs/run-p/text/batch-00000.txt", []byte("--- Page 1 ---\nalpha\n"), "text/plain")
	second, _ := store.Put(ctx, "runs/run-p/text/batch-00001.txt", []byte("--- Page 2 ---\nbravo"), "text/plain")

	opts := textsplit.Options{MaxTokens: 7, TargetChars: 20}
	p := NewChunkPreparer(store, textsplit.New(opts, textsplit.ApproxCounter{}))
	resp, err := p.Process(ctx, &models.PrepareChunksRequest{RunID: "run-p", TextHandles: []string{first, second}})
	require.NoError(t, err)

	want := "--- Page 1 ---\nalpha\n\n--- Page 2 ---\nbravo\n"
	assert.Equal(t, want, resp.ExtractedText)
	assert.Equal(t, len(want), resp.TotalChars)
	assert.Equal(t, store.Handle(ExtractedTextName("run-p")), resp.ExtractedTextHandle)
	require.Len(t, resp.Chunks, 2)

	var joined strings.Builder
	for i, c := range resp.Chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 2, c.Total)
		data, err := store.Get(ctx, c.Handle)
		require.NoError(t, err)
		joined.Write(data)
	}
	assert.Equal(t, want, joined.String())
	assert.True(t, resp.Chunks[0].IsFirst)
	assert.True(t, resp.Chunks[1].IsLast)
	assert.Equal(t, []int{2}, resp.Chunks[1].PageReferences)
}

func TestChunkPreparer_LargeTextIsNotInlined(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testBucket)
	h, _ := store.Put(ctx, "runs/run-p/text/source.txt", []byte(strings.Repeat("word ", InlineTextLimit/4)), "text/plain")

	p := NewChunkPreparer(store, textsplit.New(textsplit.DefaultOptions(), nil))
	resp, err := p.Process(ctx, &models.PrepareChunksRequest{RunID: "run-p", TextHandles: []string{h}})
	require.NoError(t, err)
	assert.Empty(t, resp.ExtractedText)
	assert.Greater(t, resp.TotalChars, InlineTextLimit)
}

func TestChunkAnalyzer_UsesTypeModel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testBucket)
	h, _ := store.Put(ctx, ChunkTextName("run-a", 0), []byte("DIVISION 26 ELECTRICAL"), "text/plain")

	doc := &scriptedModel{out: `{"summary":"doc"}`}
	code := &scriptedModel{out: `{"summary":"code"}`}
	a := NewChunkAnalyzer(store, map[models.AnalysisType]TextModel{models.AnalysisDocument: doc, models.AnalysisCode: code})

	chunk := models.TextChunkRef{Handle: h, ChunkIndex: 0, Total: 1, IsFirst: true, IsLast: true, ContextLabel: "DIVISION 26"}
	res, err := a.Process(ctx, &models.AnalyzeChunkRequest{RunID: "run-a", FileName: "spec.pdf", AnalysisType: models.AnalysisCode, Chunk: chunk})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"code"}`, res.RawAnalysisText)
	assert.Equal(t, 0, doc.calls())

	// Types without their own model use the document model.
	_, err = a.Process(ctx, &models.AnalyzeChunkRequest{RunID: "run-a", FileName: "s.csv", AnalysisType: models.AnalysisData, Chunk: chunk})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.calls())
	assert.Contains(t, doc.prompts[0], "DIVISION 26 ELECTRICAL")

	empty := NewChunkAnalyzer(store, map[models.AnalysisType]TextModel{models.AnalysisDocument: &scriptedModel{out: "  "}})
	_, err = empty.Process(ctx, &models.AnalyzeChunkRequest{RunID: "run-a", AnalysisType: models.AnalysisDocument, Chunk: chunk})
	assert.Equal(t, models.KindExpensive, models.KindOf(err))
}

func TestSynthesizer(t *testing.T) {
	analyses := []models.ChunkAnalysisResult{
		{ChunkIndex: 1, RawAnalysisText: `{"summary":"second"}`},
		{ChunkIndex: 0, RawAnalysisText: `{"summary":"first"}`},
	}

	t.Run("structured", func(t *testing.T) {
		model := &scriptedModel{out: "```json\n{\"summary\":\"All work\",\"trades\":[{\"name\":\"HVAC\",\"division\":\"23\"}],\"materials\":[],\"insights\":[]}\n```"}
		rep, err := NewSynthesizer(model).Process(context.Background(), &models.SynthesisRequest{RunID: "r", GenerateSummary: true, Analyses: analyses})
		require.NoError(t, err)
		assert.Equal(t, models.ModeModel, rep.Mode)
		assert.Equal(t, models.ConfidenceHigh, rep.Confidence)
		assert.Equal(t, "All work", rep.Summary)
		assert.Less(t, strings.Index(model.prompts[0], "first"), strings.Index(model.prompts[0], "second"))
	})

	t.Run("freeform", func(t *testing.T) {
		model := &scriptedModel{out: "The project adds a new HVAC system.\n\n- Rooftop unit replacement for $185,000"}
		rep, err := NewSynthesizer(model).Process(context.Background(), &models.SynthesisRequest{RunID: "r", GenerateSummary: true, Analyses: analyses})
		require.NoError(t, err)
		assert.Equal(t, models.ModeFreeform, rep.Mode)
		assert.Equal(t, models.ConfidenceLow, rep.Confidence)
	})

	t.Run("no summary", func(t *testing.T) {
		model := &scriptedModel{out: `{"summary":"should go","materials":["Concrete"]}`}
		rep, err := NewSynthesizer(model).Process(context.Background(), &models.SynthesisRequest{RunID: "r", GenerateSummary: false, Analyses: analyses})
		require.NoError(t, err)
		assert.Empty(t, rep.Summary)
		assert.Equal(t, []string{"Concrete"}, rep.Materials)
	})

	t.Run("model error", func(t *testing.T) {
		model := &scriptedModel{err: models.NewExpensiveError("generate", "boom", nil)}
		_, err := NewSynthesizer(model).Process(context.Background(), &models.SynthesisRequest{RunID: "r", Analyses: analyses})
		assert.Equal(t, models.KindExpensive, models.KindOf(err))
	})
}

type fixedEmbedder struct{ err error }

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = []float32{float32(len(s))}
	}
	return out, nil
}

func (fixedEmbedder) ModelName() string { return "fixed" }

func TestChunkEmbedder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testBucket)
	h0, _ := store.Put(ctx, ChunkTextName("run-e", 0), []byte("abc"), "text/plain")
	h1, _ := store.Put(ctx, ChunkTextName("run-e", 1), []byte("abcdef"), "text/plain")
	req := &models.EmbedRequest{RunID: "run-e", Chunks: []models.TextChunkRef{{Handle: h0}, {Handle: h1, ChunkIndex: 1}}}

	resp, err := NewChunkEmbedder(store, nil).Process(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Embeddings)

	resp, err = NewChunkEmbedder(store, fixedEmbedder{}).Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3}, {6}}, resp.Embeddings)
	assert.Equal(t, "fixed", resp.Model)

	_, err = NewChunkEmbedder(store, fixedEmbedder{err: errors.New("down")}).Process(ctx, req)
	assert.Error(t, err)
}
