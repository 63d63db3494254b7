package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// BasicMerge combines per-chunk analyses without a model call. Chunks are
// taken in index order and findings are unioned case-insensitively, so the
// same input always produces the same report. The result is never empty.
func BasicMerge(analyses []models.ChunkAnalysisResult) models.Report {
	ordered := make([]models.ChunkAnalysisResult, len(analyses))
	copy(ordered, analyses)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })

	out := models.Report{
		Trades:     []models.TradeScope{},
		Materials:  []string{},
		Insights:   []string{},
		Confidence: models.ConfidenceLow,
		Mode:       models.ModeBasicMerge,
	}

	var summaries []string
	tradeIdx := map[string]int{}
	for _, a := range ordered {
		r := Parse(a.RawAnalysisText)
		if s := strings.TrimSpace(r.Summary); s != "" {
			summaries = append(summaries, s)
		}
		if out.Language == "" {
			out.Language = r.Language
		}
		for _, t := range r.Trades {
			key := strings.ToLower(t.Name)
			i, ok := tradeIdx[key]
			if !ok {
				tradeIdx[key] = len(out.Trades)
				out.Trades = append(out.Trades, models.TradeScope{Name: t.Name, Division: t.Division})
				i = len(out.Trades) - 1
			}
			merged := &out.Trades[i]
			if merged.Division == "" {
				merged.Division = t.Division
			}
			merged.Scope = dedupe(append(merged.Scope, t.Scope...))
			merged.Costs = dedupe(append(merged.Costs, t.Costs...))
		}
		out.Materials = append(out.Materials, r.Materials...)
		out.Insights = append(out.Insights, r.Insights...)
	}
	if m := dedupe(out.Materials); m != nil {
		out.Materials = m
	}
	if in := dedupe(out.Insights); in != nil {
		out.Insights = in
	}

	out.Summary = strings.Join(dedupe(summaries), " ")
	if out.Summary == "" {
		out.Summary = fmt.Sprintf("Combined findings from %d document sections. A full synthesis was not available.", len(ordered))
	}
	return out
}
