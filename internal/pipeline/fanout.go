package pipeline

import (
	"sort"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// Fan-out helpers. All of them are pure so the workflow can call them.

func sortByIndex[T any](items []T, index func(T) int) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return index(out[i]) < index(out[j]) })
	return out
}

func orderConversions(rs []models.ConversionResult) []models.ConversionResult {
	return sortByIndex(rs, func(r models.ConversionResult) int { return r.ChunkIndex })
}

func orderVision(rs []models.VisionChunkResult) []models.VisionChunkResult {
	return sortByIndex(rs, func(r models.VisionChunkResult) int { return r.ChunkIndex })
}

func orderAnalyses(rs []models.ChunkAnalysisResult) []models.ChunkAnalysisResult {
	return sortByIndex(rs, func(r models.ChunkAnalysisResult) int { return r.ChunkIndex })
}

func orderFailures(fs []models.StageFailure) []models.StageFailure {
	return sortByIndex(fs, func(f models.StageFailure) int { return f.ChunkIndex })
}

// flattenPages lists every rendered page in document order. Results must
// already be ordered by chunk.
func flattenPages(rs []models.ConversionResult) []models.PageImage {
	var pages []models.PageImage
	for _, r := range rs {
		for i, h := range r.ImageHandles {
			pages = append(pages, models.PageImage{Page: r.StartPage + i, Handle: h})
		}
	}
	return pages
}

// batchPages groups pages into consecutive batches of at most size pages.
func batchPages(pages []models.PageImage, size int) [][]models.PageImage {
	if size < 1 {
		size = 1
	}
	var batches [][]models.PageImage
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		batches = append(batches, pages[start:end])
	}
	return batches
}

// exceedsTolerance reports whether a stage with failed of total sub-tasks
// failing must fail the run. Losing every sub-task always does.
func exceedsTolerance(failed, total int, tolerance float64) bool {
	if failed == 0 {
		return false
	}
	if failed >= total {
		return true
	}
	return float64(failed)/float64(total) > tolerance
}

// stepProgress interpolates progress within [from, to) as done of total
// sub-tasks complete.
func stepProgress(from, to, done, total int) int {
	if total <= 0 {
		return from
	}
	return from + (to-from-1)*done/total
}
