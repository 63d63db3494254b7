// Package raster renders document pages to normalized PNG images.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	// Decoders for single-image sources.
	_ "image/gif"
	_ "image/jpeg"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

const (
	DefaultDPI     = 150.0
	DefaultMaxEdge = 2048
)

// ErrPageOutOfRange is returned for page numbers outside [1, PageCount].
var ErrPageOutOfRange = errors.New("page out of range")

// Renderer produces page images from an opened source. Pages are 1-based.
type Renderer interface {
	PageCount() int
	Render(ctx context.Context, page int) (image.Image, error)
	Close() error
}

// Open picks a renderer for the document kind.
func Open(path string, kind models.DocumentKind, dpi float64) (Renderer, error) {
	switch kind {
	case models.KindPDF:
		return OpenPDF(path, dpi)
	case models.KindImage:
		return OpenImage(path)
	default:
		return nil, models.NewValidationError("raster.Open", fmt.Sprintf("cannot rasterize %s documents", kind), nil)
	}
}

// PDFRenderer renders through MuPDF. A fitz document is not safe for
// concurrent use, so Render calls are serialized.
type PDFRenderer struct {
	mu  sync.Mutex
	doc *fitz.Document
	dpi float64
}

func OpenPDF(path string, dpi float64) (*PDFRenderer, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &PDFRenderer{doc: doc, dpi: dpi}, nil
}

func (r *PDFRenderer) PageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.NumPage()
}

func (r *PDFRenderer) Render(ctx context.Context, page int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if page < 1 || page > r.doc.NumPage() {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, page)
	}
	img, err := r.doc.ImageDPI(page-1, r.dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	return img, nil
}

func (r *PDFRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Close()
}

// ImageRenderer serves a single decoded image as page 1.
type ImageRenderer struct {
	img image.Image
}

func OpenImage(path string) (*ImageRenderer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, models.NewValidationError("raster.OpenImage", "unsupported or corrupt image", err)
	}
	return &ImageRenderer{img: img}, nil
}

// NewImageRenderer wraps an already decoded image.
func NewImageRenderer(img image.Image) *ImageRenderer {
	return &ImageRenderer{img: img}
}

func (r *ImageRenderer) PageCount() int { return 1 }

func (r *ImageRenderer) Render(ctx context.Context, page int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page != 1 {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, page)
	}
	return r.img, nil
}

func (r *ImageRenderer) Close() error { return nil }

// Normalize flattens transparency onto white and scales the image down so the
// long edge is at most maxEdge pixels. Nothing else about the image changes.
func Normalize(src image.Image, maxEdge int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		if w >= h {
			h = max(1, h*maxEdge/w)
			w = maxEdge
		} else {
			w = max(1, w*maxEdge/h)
			h = maxEdge
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}
	return dst
}

// EncodePNG encodes img with default compression.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
