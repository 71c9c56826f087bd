package domain

import (
	"encoding/json"
	"time"
)

// ResultStatus is the terminal state of one unit execution.
type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// UnitResult is what a unit publishes into the execution context.
//
// Summary and Bullets are the condensed representation later stages consume;
// Raw is kept for the report assembler only and is never re-parsed by other
// units.
type UnitResult struct {
	Producer string          `json:"producer_id"`
	Status   ResultStatus    `json:"status"`
	Summary  string          `json:"summary,omitempty"`
	Bullets  []string        `json:"bullets,omitempty"`
	Raw      json.RawMessage `json:"raw_data,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// FailedResult builds the failure placeholder recorded when a unit has
// exhausted its retries or timed out.
func FailedResult(producer, reason string, d time.Duration) *UnitResult {
	return &UnitResult{
		Producer: producer,
		Status:   ResultFailed,
		Summary:  reason,
		Duration: d,
	}
}

// Unavailable is the marker text downstream prompts use for a failed
// upstream result. Missing inputs are always represented explicitly,
// never silently omitted.
const Unavailable = "unavailable"

// Condensed returns the bounded text form of the result for downstream
// prompts: the summary plus bullets for ok results, the unavailable marker
// otherwise.
func (r *UnitResult) Condensed() string {
	if r == nil || r.Status != ResultOK {
		return Unavailable
	}
	text := r.Summary
	for _, b := range r.Bullets {
		text += "\n- " + b
	}
	return text
}
