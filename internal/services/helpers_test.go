package services

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/lease"
	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/raster"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
)

const testBucket = "work-bucket"

func newTestCache(t *testing.T) *sourcecache.Cache {
	t.Helper()
	c, err := sourcecache.New(sourcecache.Config{
		Dir:          t.TempDir(),
		MinSize:      1,
		LeaseTTL:     time.Minute,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     100,
		MaxBreaks:    1,
	}, lease.NewMemoryLocker())
	require.NoError(t, err)
	return c
}

// scriptedModel returns canned output and records prompts.
type scriptedModel struct {
	mu      sync.Mutex
	out     string
	err     error
	prompts []string
	images  [][]ImageRef
}

func (m *scriptedModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return m.out, m.err
}

func (m *scriptedModel) ExtractText(_ context.Context, instruction string, images []ImageRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, instruction)
	m.images = append(m.images, images)
	return m.out, m.err
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// pagesRenderer renders solid grey pages.
type pagesRenderer struct {
	pages  int
	closed bool
}

func (r *pagesRenderer) PageCount() int { return r.pages }

func (r *pagesRenderer) Render(_ context.Context, page int) (image.Image, error) {
	if page < 1 || page > r.pages {
		return nil, raster.ErrPageOutOfRange
	}
	img := image.NewGray(image.Rect(0, 0, 40, 60))
	for i := range img.Pix {
		img.Pix[i] = uint8(page * 10)
	}
	return img, nil
}

func (r *pagesRenderer) Close() error {
	r.closed = true
	return nil
}

func rendererOf(r *pagesRenderer) OpenRendererFunc {
	return func(string, models.DocumentKind, float64) (raster.Renderer, error) { return r, nil }
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.RGBA{R: 200, A: 255})
	}
	data, err := raster.EncodePNG(img)
	require.NoError(t, err)
	return data
}
