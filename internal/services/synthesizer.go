package services

import (
	"context"
	"log/slog"
	"sort"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/report"
)

// Synthesizer consolidates chunk analyses into one report.
type Synthesizer struct {
	model TextModel
}

func NewSynthesizer(model TextModel) *Synthesizer {
	return &Synthesizer{model: model}
}

// Process returns an error only when the model call itself fails. Output that
// is not valid JSON degrades to a low-confidence freeform report.
func (s *Synthesizer) Process(ctx context.Context, req *models.SynthesisRequest) (*models.Report, error) {
	logCtx := slog.With("runId", req.RunID, "analyses", len(req.Analyses))
	if len(req.Analyses) == 0 {
		return nil, models.NewValidationError("synthesize", "no analyses to synthesize", nil)
	}

	ordered := make([]models.ChunkAnalysisResult, len(req.Analyses))
	copy(ordered, req.Analyses)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })

	out, err := s.model.Generate(ctx, SynthesisPrompt(req.FileName, req.GenerateSummary, ordered))
	if err != nil {
		logCtx.Error("Synthesis model call failed", "error", err)
		return nil, err
	}

	rep := report.Parse(out)
	if rep.Empty() {
		// The model answered with nothing usable; merge the inputs instead.
		rep = report.BasicMerge(ordered)
	}
	if !req.GenerateSummary {
		rep.Summary = ""
	}
	logCtx.Info("Report synthesized.", "mode", rep.Mode, "confidence", rep.Confidence, "trades", len(rep.Trades))
	return &rep, nil
}
