package raster

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

func TestNormalize_FlattensAlphaOntoWhite(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.Set(1, 1, color.NRGBA{R: 0, G: 0, B: 0, A: 255})

	out := Normalize(src, DefaultMaxEdge)
	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(1, 1))
}

func TestNormalize_CapsLongEdge(t *testing.T) {
	cases := []struct {
		w, h, maxEdge int
		want          image.Rectangle
	}{
		{4000, 1000, 2000, image.Rect(0, 0, 2000, 500)},
		{1000, 4000, 2000, image.Rect(0, 0, 500, 2000)},
		{800, 600, 2000, image.Rect(0, 0, 800, 600)},
		{5000, 1, 100, image.Rect(0, 0, 100, 1)},
		{300, 300, 0, image.Rect(0, 0, 300, 300)},
	}
	for _, tc := range cases {
		src := image.NewGray(image.Rect(0, 0, tc.w, tc.h))
		assert.Equal(t, tc.want, Normalize(src, tc.maxEdge).Bounds())
	}
}

func TestNormalize_OffsetBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 14))
	src.Set(10, 10, color.RGBA{255, 0, 0, 255})

	out := Normalize(src, 0)
	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(0, 0))
}

func TestImageRenderer(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 10))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	r, err := Open(path, models.KindImage, DefaultDPI)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 1, r.PageCount())
	img, err := r.Render(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())

	_, err = r.Render(context.Background(), 2)
	assert.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestOpen_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := OpenImage(path)
	assert.True(t, models.IsValidation(err))

	_, err = Open(path, models.KindText, DefaultDPI)
	assert.True(t, models.IsValidation(err))
}

func TestEncodePNG(t *testing.T) {
	data, err := EncodePNG(Normalize(image.NewGray(image.Rect(0, 0, 30, 12)), 0))
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 30, cfg.Width)
	assert.Equal(t, 12, cfg.Height)
}
