// Package report turns model output into structured construction reports.
//
// Structured JSON output is preferred. When a model returns free text instead,
// a keyword and regex parser recovers what it can and marks the result low
// confidence; that path never fails.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

type wireTrade struct {
	Name     string   `json:"name"`
	Division string   `json:"division"`
	Scope    []string `json:"scope"`
	Costs    []string `json:"costs"`
}

type wireReport struct {
	Summary   string      `json:"summary"`
	Trades    []wireTrade `json:"trades"`
	Materials []string    `json:"materials"`
	Insights  []string    `json:"insights"`
	Language  string      `json:"language"`
}

// StripFences removes markdown code fences that models wrap around output.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"```json", "```markdown", "```"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseStructured decodes a JSON report. The result has high confidence.
func ParseStructured(text string) (models.Report, error) {
	body := StripFences(text)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return models.Report{}, ErrNoJSON
	}

	var w wireReport
	if err := json.Unmarshal([]byte(body[start:end+1]), &w); err != nil {
		return models.Report{}, fmt.Errorf("failed to decode report JSON: %w", err)
	}

	r := models.Report{
		Summary:    strings.TrimSpace(w.Summary),
		Materials:  dedupe(w.Materials),
		Insights:   dedupe(w.Insights),
		Language:   strings.TrimSpace(w.Language),
		Confidence: models.ConfidenceHigh,
		Mode:       models.ModeModel,
	}
	for _, t := range w.Trades {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		r.Trades = append(r.Trades, models.TradeScope{
			Name:     name,
			Division: strings.TrimSpace(t.Division),
			Scope:    dedupe(t.Scope),
			Costs:    dedupe(t.Costs),
		})
	}
	if r.Empty() {
		return models.Report{}, fmt.Errorf("report JSON carries no findings")
	}
	return r, nil
}

// ParseFreeform extracts trades, costs, materials and bullet insights from
// unstructured text. It always returns a low-confidence report.
func ParseFreeform(text string) models.Report {
	text = StripFences(text)
	lines := strings.Split(text, "\n")

	r := models.Report{
		Summary:    firstParagraph(lines),
		Confidence: models.ConfidenceLow,
		Mode:       models.ModeFreeform,
	}

	for _, trade := range Trades {
		var scope, costs []string
		for _, line := range lines {
			clean := strings.TrimSpace(line)
			if clean == "" || !trade.matches(clean) {
				continue
			}
			if len(scope) < 8 {
				scope = append(scope, trimBullet(clean))
			}
			costs = append(costs, costPattern.FindAllString(clean, -1)...)
		}
		if len(scope) == 0 {
			continue
		}
		r.Trades = append(r.Trades, models.TradeScope{
			Name:     trade.Name,
			Division: trade.Division,
			Scope:    dedupe(scope),
			Costs:    dedupe(costs),
		})
	}

	var materials []string
	for _, m := range materialPattern.FindAllString(text, -1) {
		materials = append(materials, materialAliases[strings.ToLower(m)])
	}
	r.Materials = dedupe(materials)

	var insights []string
	for _, line := range lines {
		clean := strings.TrimSpace(line)
		if isBullet(clean) && len(insights) < 12 {
			insights = append(insights, trimBullet(clean))
		}
	}
	r.Insights = dedupe(insights)
	return r
}

// Parse prefers structured output and falls back to the freeform parser.
func Parse(text string) models.Report {
	if r, err := ParseStructured(text); err == nil {
		return r
	}
	return ParseFreeform(text)
}

func firstParagraph(lines []string) string {
	var para []string
	for _, line := range lines {
		clean := strings.TrimSpace(line)
		if clean == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(clean, "#") || isBullet(clean) || strings.HasPrefix(clean, "{") {
			if len(para) > 0 {
				break
			}
			continue
		}
		para = append(para, clean)
	}
	s := strings.Join(para, " ")
	if len(s) > 600 {
		cut := strings.LastIndexByte(s[:600], ' ')
		if cut < 300 {
			cut = runeStart(s, 600)
		}
		s = s[:cut] + "..."
	}
	return s
}

// runeStart moves i back to the start of the rune it falls in.
func runeStart(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func isBullet(s string) bool {
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") || strings.HasPrefix(s, "• ") {
		return true
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i < len(s)-1 && (s[i] == '.' || s[i] == ')') && s[i+1] == ' '
}

func trimBullet(s string) string {
	if !isBullet(s) {
		return s
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// dedupe keeps the first occurrence of each value, compared case-insensitively.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
