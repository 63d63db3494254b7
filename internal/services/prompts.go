package services

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// --- Vision Model Prompts ---
const VisionSystemPrompt = "You are a document transcription engine for construction documents: drawings, specifications, schedules, submittals and bid forms. Transcribe exactly what is on each page. Accuracy, detail and information preservation are of utmost importance."

const visionUserPrompt = `You will be given %d page image(s) of %s, in order: %s.

Transcribe every page into markdown:

Page markers: Start each page with a line containing exactly "--- Page N ---", where N is the page number given above.
Text: Transcribe all text, including title blocks, general notes, keynotes and revision clouds.
Tables and schedules: Render as markdown tables. If cells are merged, copy the parent value into each child cell.
Drawings: Describe each drawing view in one or two sentences, then list every dimension, callout and annotation you can read.
Headers and footers: Keep sheet numbers and sheet titles; drop repeated firm logos and addresses.

Do not summarize and do not add commentary. Return only the transcription.`

// VisionInstruction builds the user prompt for one batch of pages.
func VisionInstruction(t models.AnalysisType, pages []int) string {
	nums := make([]string, len(pages))
	for i, p := range pages {
		nums[i] = fmt.Sprintf("%d", p)
	}
	subject := "a construction document"
	if t == models.AnalysisImage {
		subject = "a photo or scanned image from a construction project"
	}
	return fmt.Sprintf(visionUserPrompt, len(pages), subject, strings.Join(nums, ", "))
}

// --- Analysis Model Prompts ---
const reportSchema = `{
  "summary": "2-4 sentence overview",
  "trades": [{"name": "Electrical", "division": "26", "scope": ["work item"], "costs": ["$12,000"]}],
  "materials": ["material"],
  "insights": ["risk, conflict, long-lead item or missing information"],
  "language": "ISO 639-1 code of the document language"
}`

var analysisSystemPrompts = map[models.AnalysisType]string{
	models.AnalysisDocument: "You are a senior construction estimator. You read construction documents and extract the scope of work by trade (CSI MasterFormat division), materials, costs and project risks. You must output a single valid JSON object.",
	models.AnalysisImage:    "You are a construction superintendent reviewing site photos and scanned sheets. You identify visible work by trade, materials, progress and safety or quality issues. You must output a single valid JSON object.",
	models.AnalysisCode:     "You are a software engineer reviewing code delivered with a construction technology project. You describe what the code does, its components and risks. Map components onto the trades field using the component name. You must output a single valid JSON object.",
	models.AnalysisData:     "You are a construction data analyst. You read schedules, quantity takeoffs and cost data and extract totals, trades, materials and anomalies. You must output a single valid JSON object.",
}

// AnalysisSystemPrompt returns the system prompt for an analysis type.
func AnalysisSystemPrompt(t models.AnalysisType) string {
	if p, ok := analysisSystemPrompts[t]; ok {
		return p
	}
	return analysisSystemPrompts[models.AnalysisDocument]
}

const analysisUserPrompt = `Analyze %s of the file "%s".
Section: %s.%s

Return a JSON object with exactly this shape:
%s

Only report what the text supports. Use an empty list when nothing applies.

--- BEGIN TEXT ---
%s
--- END TEXT ---`

// AnalysisPrompt tags the chunk with its position so the model knows whether it
// sees the start, middle or end of the document.
func AnalysisPrompt(fileName string, chunk models.TextChunkRef, text string) string {
	position := "the complete text"
	if chunk.Total > 1 {
		switch {
		case chunk.IsFirst:
			position = fmt.Sprintf("part %d of %d (the beginning)", chunk.ChunkIndex+1, chunk.Total)
		case chunk.IsLast:
			position = fmt.Sprintf("part %d of %d (the end)", chunk.ChunkIndex+1, chunk.Total)
		default:
			position = fmt.Sprintf("part %d of %d (the middle)", chunk.ChunkIndex+1, chunk.Total)
		}
	}
	pages := ""
	if len(chunk.PageReferences) > 0 {
		nums := make([]string, len(chunk.PageReferences))
		for i, p := range chunk.PageReferences {
			nums[i] = fmt.Sprintf("%d", p)
		}
		pages = " Pages: " + strings.Join(nums, ", ") + "."
	}
	return fmt.Sprintf(analysisUserPrompt, position, fileName, chunk.ContextLabel, pages, reportSchema, text)
}

// --- Synthesis Model Prompts ---
const SynthesisSystemPrompt = "You are a senior construction estimator consolidating section-by-section analyses of one document into a single report. Merge duplicate trades, keep every distinct cost, and resolve contradictions by preferring the more specific statement. You must output a single valid JSON object."

const synthesisUserPrompt = `The file "%s" was analyzed in %d parts. The part analyses follow in document order.

Combine them into one report with exactly this shape:
%s
%s
%s`

// SynthesisPrompt lists the analyses in order, each tagged with its part number.
func SynthesisPrompt(fileName string, generateSummary bool, analyses []models.ChunkAnalysisResult) string {
	var b strings.Builder
	for i, a := range analyses {
		fmt.Fprintf(&b, "\n=== Part %d of %d ===\n%s\n", i+1, len(analyses), strings.TrimSpace(a.RawAnalysisText))
	}
	summaryRule := "Write the summary for a project manager who has not read the document."
	if !generateSummary {
		summaryRule = `Leave "summary" as an empty string.`
	}
	return fmt.Sprintf(synthesisUserPrompt, fileName, len(analyses), reportSchema, summaryRule, b.String())
}

// refusalPhrases mark model output that must fail the step rather than be stored.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"i can't help with",
	"as a large language model",
}

// IsRefusal reports whether model output is a refusal rather than content.
func IsRefusal(s string) bool {
	lower := strings.ToLower(s)
	if len(lower) > 400 {
		lower = lower[:400]
	}
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
