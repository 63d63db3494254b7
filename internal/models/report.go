package models

// Report confidence levels.
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// How a report was produced.
const (
	ModeModel      = "model"
	ModeSingle     = "single"
	ModeBasicMerge = "basic-merge"
	ModeFreeform   = "freeform"
)

// TradeScope groups the findings for one construction trade.
type TradeScope struct {
	Name     string   `json:"name"`
	Division string   `json:"division,omitempty"`
	Scope    []string `json:"scope,omitempty"`
	Costs    []string `json:"costs,omitempty"`
}

// Report is the structured analysis of a document, or of a single chunk of one.
type Report struct {
	Summary    string       `json:"summary"`
	Trades     []TradeScope `json:"trades"`
	Materials  []string     `json:"materials"`
	Insights   []string     `json:"insights"`
	Language   string       `json:"language,omitempty"`
	Confidence string       `json:"confidence"`
	Mode       string       `json:"mode"`
}

// Empty reports whether the report carries no findings at all.
func (r Report) Empty() bool {
	return r.Summary == "" && len(r.Trades) == 0 && len(r.Materials) == 0 && len(r.Insights) == 0
}
