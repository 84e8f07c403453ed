package domain

import (
	"encoding/json"
	"time"
)

// RunOutcome is the terminal classification of an orchestrator run.
type RunOutcome string

const (
	// RunOutcomePending marks a run that has started but not reached a
	// terminal outcome; re-invocation resumes it.
	RunOutcomePending RunOutcome = "pending"
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomePartial RunOutcome = "partial"
	RunOutcomeFailed  RunOutcome = "failed"
)

// IsTerminal reports whether the outcome is final.
func (o RunOutcome) IsTerminal() bool {
	return o == RunOutcomeSuccess || o == RunOutcomePartial || o == RunOutcomeFailed
}

// RunStage names the sequential stages of the daily pipeline.
type RunStage string

const (
	StageHealth  RunStage = "health"
	StageSignals RunStage = "signals"
	StageRisk    RunStage = "risk"
	StageSubmit  RunStage = "submit"
	StageFills   RunStage = "fills"
	StageReport  RunStage = "report"
)

// RunStages lists the pipeline stages in execution order.
var RunStages = []RunStage{
	StageHealth, StageSignals, StageRisk, StageSubmit, StageFills, StageReport,
}

// StageResult records one stage's outcome inside a run.
type StageResult struct {
	Stage      RunStage   `json:"stage"`
	Ok         bool       `json:"ok"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// RunRecord is one row per orchestrator execution. RunID is deterministic,
// hash(date|strategy|trigger), so re-invocations collapse onto one record.
type RunRecord struct {
	RunID      string
	StrategyID string
	RunDate    string // UTC calendar date, YYYY-MM-DD
	Trigger    string // "scheduled" or "manual"
	Outcome    RunOutcome
	Stages     []StageResult
	Report     json.RawMessage // P&L report payload, set by the report stage
	StartedAt  time.Time
	EndedAt    *time.Time
}

// StageDone reports whether the named stage completed successfully in a
// previous invocation, letting a resumed run skip it.
func (r RunRecord) StageDone(stage RunStage) bool {
	for _, s := range r.Stages {
		if s.Stage == stage && s.Ok {
			return true
		}
	}
	return false
}
