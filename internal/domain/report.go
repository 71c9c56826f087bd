package domain

import "time"

// Finding is the researched answer to one planned question. Findings keep
// the positional order of the question list, including degraded entries.
type Finding struct {
	Question string `json:"question"`
	Findings string `json:"findings_text"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Report section titles, in the fixed order downstream consumers parse by.
const (
	SectionContext  = "Market Context & Fundamentals"
	SectionReview   = "Option Chain Review"
	SectionResearch = "External Research Findings"
	SectionVerdict  = "Verdict & Recommendation"
)

// SectionOrder is the hard section-order contract for the final report.
var SectionOrder = []string{SectionContext, SectionReview, SectionResearch, SectionVerdict}

// ReportSection is one titled block of the final report body.
type ReportSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Report is the persisted final artifact: the prose sections plus the
// structured recommendation list as machine-readable metadata.
type Report struct {
	TaskID          string           `json:"task_id"`
	Symbol          string           `json:"symbol"`
	Sections        []ReportSection  `json:"sections"`
	Recommendations []Recommendation `json:"recommendations"`
	Findings        []Finding        `json:"findings"`
	GeneratedAt     time.Time        `json:"generated_at"`
}
