package model

import "time"

// RunStatus tracks an analysis run through the stage state machine.
type RunStatus string

// Run states. Transitions are sequential except the fan-out, which holds
// StatusFannedOut until both branches report.
const (
	StatusQueued      RunStatus = "queued"
	StatusExtracting  RunStatus = "extracting"
	StatusReasoning   RunStatus = "reasoning"
	StatusFannedOut   RunStatus = "fanned_out"
	StatusAggregating RunStatus = "aggregating"
	StatusComplete    RunStatus = "complete"
	StatusFailed      RunStatus = "failed"
	StatusRejected    RunStatus = "rejected"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// StageStatus is the outcome of a single stage execution.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult records one stage's execution inside a run.
type StageResult struct {
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Attempts int            `json:"attempts"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunRequest is the trigger payload supplied by the upstream collaborator.
type RunRequest struct {
	OwnerID    string            `json:"owner_id"`
	CardID     string            `json:"card_id"`
	ImageRefs  []string          `json:"image_refs"`
	KnownHints map[string]string `json:"known_hints,omitempty"`
	// Reanalyze selects the read-then-update persistence mode instead of
	// the race-safe upsert used for freshly created cards.
	Reanalyze bool `json:"reanalyze,omitempty"`
}

// AnalysisRun is the persisted record of one pipeline execution.
type AnalysisRun struct {
	ID        string        `json:"id"`
	CardID    string        `json:"card_id"`
	OwnerID   string        `json:"owner_id"`
	Status    RunStatus     `json:"status"`
	Stages    []StageResult `json:"stages,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
