package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Kind selects which pipeline variant a task runs.
type Kind string

const (
	// KindFullAnalysis runs enrichment, the analysis fan-out, the
	// recommendation stage and the deep-research stage.
	KindFullAnalysis Kind = "full_analysis"
	// KindResearchOnly runs enrichment and the deep-research stage only.
	KindResearchOnly Kind = "research_only"
)

// Valid reports whether k is a known pipeline kind.
func (k Kind) Valid() bool {
	return k == KindFullAnalysis || k == KindResearchOnly
}

// StageStatus tracks the lifecycle of a single stage or sub-stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageRecord is the persisted record of one pipeline stage. Sub-stages
// nest exactly one level (stage → unit).
type StageRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    StageStatus   `json:"status"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Message   string        `json:"message,omitempty"`
	SubStages []StageRecord `json:"sub_stages,omitempty"`
}

// HistoryEvent is one append-only entry in a task's execution log.
type HistoryEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Task is the core domain entity: one end-to-end analysis job.
//
// A task is created once by the front door, claimed exactly once by a
// worker (PENDING → PROCESSING must be atomic in the store), mutated only
// by that worker, and finishes in SUCCESS or FAILED. It is never deleted
// by the engine.
type Task struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	CurrentStage string          `json:"current_stage,omitempty"`
	Stages       []StageRecord   `json:"stages"`
	History      []HistoryEvent  `json:"execution_history"`
	RetryCount   int             `json:"retry_count"`
	Request      json.RawMessage `json:"request"`
	ResultRef    string          `json:"result_ref,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Stage looks up a stage record by name. Returns nil if absent.
func (t *Task) Stage(name string) *StageRecord {
	for i := range t.Stages {
		if t.Stages[i].Name == name {
			return &t.Stages[i]
		}
	}
	return nil
}

// AppendHistory adds an event to the execution log. History is append-only:
// existing entries are never rewritten.
func (t *Task) AppendHistory(level, message string) {
	t.History = append(t.History, HistoryEvent{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}
