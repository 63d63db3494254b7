// Package textsplit cuts extracted document text into analysis-sized chunks at
// structure-aware boundaries. Chunks are plain spans of the input, so joining
// them in order gives back the original text byte for byte.
package textsplit

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// PageMarker is the line written ahead of each page's text by the vision stage.
func PageMarker(page int) string {
	return fmt.Sprintf("--- Page %d ---", page)
}

var (
	headerPattern     = regexp.MustCompile(`(?im)^[ \t]*(?:DIVISION[ \t]+\d{1,2}\b|SECTION[ \t]+\d{2}[ \t]?\d{2}[ \t]?\d{2}\b|#{1,4}[ \t]+\S)`)
	pageMarkerPattern = regexp.MustCompile(`(?m)^--- Page (\d+) ---[ \t]*$`)
	paragraphPattern  = regexp.MustCompile(`\n[ \t]*\n`)
	spacePattern      = regexp.MustCompile(`\s+`)
)

// cutAt says whether a boundary falls before or after the matched text.
type cutAt int

const (
	cutBefore cutAt = iota
	cutAfter
)

type boundaryTier struct {
	name      string
	pattern   *regexp.Regexp
	at        cutAt
	lineStart bool
}

// Boundary tiers in order of preference.
var tiers = []boundaryTier{
	{name: "header", pattern: headerPattern, at: cutBefore, lineStart: true},
	{name: "page", pattern: pageMarkerPattern, at: cutBefore, lineStart: true},
	{name: "paragraph", pattern: paragraphPattern, at: cutAfter},
	{name: "whitespace", pattern: spacePattern, at: cutAfter},
}

// Options controls chunk sizing.
type Options struct {
	// MaxTokens is the budget above which text is split at all.
	MaxTokens int `yaml:"maxTokens"`
	// TargetChars is the preferred chunk length in bytes.
	TargetChars int `yaml:"targetChars"`
	// MinRatio and MaxRatio bound where a boundary may fall, relative to TargetChars.
	MinRatio float64 `yaml:"minRatio"`
	MaxRatio float64 `yaml:"maxRatio"`
}

func DefaultOptions() Options {
	return Options{
		MaxTokens:   24000,
		TargetChars: 60000,
		MinRatio:    0.6,
		MaxRatio:    1.1,
	}
}

// Splitter splits text into models.TextChunk values.
type Splitter struct {
	opts    Options
	counter TokenCounter
}

func New(opts Options, counter TokenCounter) *Splitter {
	if counter == nil {
		counter = ApproxCounter{}
	}
	if opts.MinRatio <= 0 || opts.MinRatio >= 1 {
		opts.MinRatio = 0.6
	}
	if opts.MaxRatio <= 1 {
		opts.MaxRatio = 1.1
	}
	return &Splitter{opts: opts, counter: counter}
}

// Split returns the chunks of text. Empty input yields no chunks.
func (s *Splitter) Split(text string) []models.TextChunk {
	if text == "" {
		return nil
	}
	var cuts []int
	if s.opts.TargetChars > 0 {
		cuts = s.fit(text, 0, len(text))
	}

	bounds := append([]int{0}, cuts...)
	bounds = append(bounds, len(text))
	headers := headerPattern.FindAllStringIndex(text, -1)
	markers := pageMarkerPattern.FindAllStringSubmatchIndex(text, -1)

	total := len(bounds) - 1
	chunks := make([]models.TextChunk, 0, total)
	for i := 0; i < total; i++ {
		start, end := bounds[i], bounds[i+1]
		label := labelAt(text, headers, start, end)
		if label == "" {
			label = fmt.Sprintf("Part %d of %d", i+1, total)
		}
		chunks = append(chunks, models.TextChunk{
			Text:           text[start:end],
			ContextLabel:   label,
			PageReferences: pagesIn(text, markers, start, end),
			ChunkIndex:     i,
			IsFirst:        i == 0,
			IsLast:         i == total-1,
		})
	}
	return chunks
}

// fit returns the cuts that bring text[start:end] under the token budget.
// Pieces that are still over budget, such as dense tables, are cut again at
// their own measured density.
func (s *Splitter) fit(text string, start, end int) []int {
	span := text[start:end]
	tokens := s.counter.Count(span)
	if tokens <= s.opts.MaxTokens {
		return nil
	}
	var cuts []int
	prev := 0
	for _, c := range s.cutPoints(span, s.targetFor(len(span), tokens)) {
		if c <= prev || c >= len(span) {
			continue
		}
		cuts = append(cuts, s.fit(text, start+prev, start+c)...)
		cuts = append(cuts, start+c)
		prev = c
	}
	if prev == 0 {
		return nil
	}
	return append(cuts, s.fit(text, start+prev, end)...)
}

// targetFor scales TargetChars down so a piece of up to MaxRatio times the
// target stays within MaxTokens at the given density.
func (s *Splitter) targetFor(size, tokens int) int {
	fit := int(float64(size) * float64(s.opts.MaxTokens) / (float64(tokens) * s.opts.MaxRatio))
	return max(min(s.opts.TargetChars, fit), 1)
}

func (s *Splitter) cutPoints(text string, target int) []int {
	minOff := int(float64(target) * s.opts.MinRatio)
	maxOff := int(float64(target) * s.opts.MaxRatio)

	var cuts []int
	pos := 0
	for len(text)-pos > maxOff {
		lo, hi, ideal := pos+minOff, pos+maxOff, pos+target
		cut := -1
		for _, tier := range tiers {
			if c, ok := bestCandidate(text, tier, lo, hi, ideal); ok {
				cut = c
				break
			}
		}
		if cut <= pos {
			cut = runeBoundary(text, ideal)
			if cut <= pos {
				cut = pos + utf8RuneLen(text[pos:])
			}
		}
		cuts = append(cuts, cut)
		pos = cut
	}
	return cuts
}

// bestCandidate finds the tier boundary inside [lo, hi] closest to ideal.
func bestCandidate(text string, tier boundaryTier, lo, hi, ideal int) (int, bool) {
	// Look slightly left of lo so a match starting just before the window can still end inside it.
	from := lo - 64
	if from < 0 {
		from = 0
	}
	best, bestDist := -1, -1
	for _, m := range tier.pattern.FindAllStringIndex(text[from:hi], -1) {
		start, end := from+m[0], from+m[1]
		cut := start
		if tier.at == cutAfter {
			cut = end
		}
		if tier.lineStart {
			// Skip leading indentation so the cut lands on the line start.
			for cut > 0 && (text[cut-1] == ' ' || text[cut-1] == '\t') {
				cut--
			}
			if cut > 0 && text[cut-1] != '\n' {
				continue
			}
		}
		if cut < lo || cut > hi {
			continue
		}
		dist := cut - ideal
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = cut, dist
		}
	}
	return best, best >= 0
}

func runeBoundary(text string, i int) int {
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func utf8RuneLen(s string) int {
	_, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return 1
	}
	return size
}

func labelAt(text string, headers [][]int, start, end int) string {
	idx := -1
	for i, h := range headers {
		if h[0] <= start {
			idx = i
			continue
		}
		break
	}
	if idx < 0 && len(headers) > 0 {
		// No header before the chunk: use one that opens near the chunk start.
		if h := headers[0]; h[0] < end && h[0]-start < 200 {
			idx = 0
		}
	}
	if idx < 0 {
		return ""
	}
	lineEnd := strings.IndexByte(text[headers[idx][0]:], '\n')
	line := text[headers[idx][0]:]
	if lineEnd >= 0 {
		line = line[:lineEnd]
	}
	line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
	if len(line) > 80 {
		line = line[:runeBoundary(line, 80)]
	}
	return line
}

func pagesIn(text string, markers [][]int, start, end int) []int {
	seen := map[int]bool{}
	var pages []int
	add := func(m []int) {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || seen[n] {
			return
		}
		seen[n] = true
		pages = append(pages, n)
	}
	var active []int
	for _, m := range markers {
		if m[0] <= start {
			active = m
			continue
		}
		if m[0] >= end {
			break
		}
		if active != nil {
			add(active)
			active = nil
		}
		add(m)
	}
	if active != nil {
		add(active)
	}
	sort.Ints(pages)
	return pages
}
