// Package planner sizes the conversion fan-out for a document.
package planner

import (
	"fmt"
	"math"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

const bytesPerMB = 1024 * 1024

// Tier maps documents of up to MaxPages pages to a chunk size.
// A MaxPages of zero matches any size and must come last.
type Tier struct {
	MaxPages      int `yaml:"maxPages"`
	PagesPerChunk int `yaml:"pagesPerChunk"`
}

// Config holds the planner tuning.
type Config struct {
	PagesPerMB float64 `yaml:"pagesPerMB"`
	MaxWorkers int     `yaml:"maxWorkers"`
	Tiers      []Tier  `yaml:"tiers"`
}

// DefaultConfig gives larger documents fewer pages per chunk to bound per-task latency.
func DefaultConfig() Config {
	return Config{
		PagesPerMB: 2.5,
		MaxWorkers: 8,
		Tiers: []Tier{
			{MaxPages: 100, PagesPerChunk: 25},
			{MaxPages: 200, PagesPerChunk: 20},
			{MaxPages: 400, PagesPerChunk: 15},
			{MaxPages: 0, PagesPerChunk: 10},
		},
	}
}

// Validate checks that tiers are ascending and end with a catch-all.
func (c Config) Validate() error {
	if c.PagesPerMB <= 0 {
		return fmt.Errorf("pagesPerMB must be positive, got %v", c.PagesPerMB)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("maxWorkers must be positive, got %d", c.MaxWorkers)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	prev := 0
	for i, t := range c.Tiers {
		if t.PagesPerChunk <= 0 {
			return fmt.Errorf("tier %d: pagesPerChunk must be positive", i)
		}
		last := i == len(c.Tiers)-1
		if t.MaxPages == 0 && !last {
			return fmt.Errorf("tier %d: only the last tier may be open-ended", i)
		}
		if t.MaxPages != 0 && t.MaxPages <= prev {
			return fmt.Errorf("tier %d: maxPages %d is not above %d", i, t.MaxPages, prev)
		}
		prev = t.MaxPages
	}
	if c.Tiers[len(c.Tiers)-1].MaxPages != 0 {
		return fmt.Errorf("last tier must be open-ended (maxPages 0)")
	}
	return nil
}

// Plan is the fan-out decision for one document.
type Plan struct {
	TotalPages    int                     `json:"totalPages"`
	Estimated     bool                    `json:"estimated"`
	PagesPerChunk int                     `json:"pagesPerChunk"`
	WorkerCount   int                     `json:"workerCount"`
	Chunks        []models.PageRangeChunk `json:"chunks"`
}

// EstimatePages applies the bytes-to-pages heuristic.
func (c Config) EstimatePages(byteSize int64) int {
	mb := float64(byteSize) / bytesPerMB
	pages := int(math.Ceil(mb * c.PagesPerMB))
	if pages < 1 {
		pages = 1
	}
	return pages
}

// PagesPerChunk returns the chunk size for a document of the given length.
func (c Config) PagesPerChunk(pages int) int {
	for _, t := range c.Tiers {
		if t.MaxPages == 0 || pages <= t.MaxPages {
			return t.PagesPerChunk
		}
	}
	return c.Tiers[len(c.Tiers)-1].PagesPerChunk
}

// Compute plans the chunks for a document. A positive knownPages is authoritative;
// otherwise the page count is estimated from byteSize.
func Compute(byteSize int64, knownPages int, cfg Config) Plan {
	pages := knownPages
	estimated := false
	if pages <= 0 {
		pages = cfg.EstimatePages(byteSize)
		estimated = true
	}

	ppc := cfg.PagesPerChunk(pages)
	workers := pages
	if workers > cfg.MaxWorkers {
		workers = cfg.MaxWorkers
	}

	return Plan{
		TotalPages:    pages,
		Estimated:     estimated,
		PagesPerChunk: ppc,
		WorkerCount:   workers,
		Chunks:        Partition(pages, ppc),
	}
}

// Partition splits [1, totalPages] into contiguous chunks of pagesPerChunk pages.
// The final chunk may be shorter.
func Partition(totalPages, pagesPerChunk int) []models.PageRangeChunk {
	if totalPages <= 0 || pagesPerChunk <= 0 {
		return nil
	}
	count := (totalPages + pagesPerChunk - 1) / pagesPerChunk
	chunks := make([]models.PageRangeChunk, 0, count)
	for i := 0; i < count; i++ {
		start := i*pagesPerChunk + 1
		end := start + pagesPerChunk - 1
		if end > totalPages {
			end = totalPages
		}
		chunks = append(chunks, models.PageRangeChunk{StartPage: start, EndPage: end, ChunkIndex: i})
	}
	return chunks
}
