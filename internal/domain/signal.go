package domain

import "time"

// Signal is one symbol's model output for a generation request. Rank uses
// competition ranking: ties share a rank and later ranks need not be
// consecutive. TargetWeight is the equal-weight allocation in
// {+1/N, 0, -1/N}.
type Signal struct {
	Symbol          string  `json:"symbol"`
	PredictedReturn float64 `json:"predicted_return"`
	Rank            int     `json:"rank"`
	TargetWeight    float64 `json:"target_weight"`
}

// SignalSet is the full response of a generation request.
type SignalSet struct {
	Signals  []Signal       `json:"signals"`
	Metadata SignalMetadata `json:"metadata"`
}

// SignalMetadata describes how a signal set was produced.
type SignalMetadata struct {
	StrategyID   string    `json:"strategy_id"`
	ModelVersion string    `json:"model_version"`
	AsOfDate     string    `json:"as_of_date"`
	GeneratedAt  time.Time `json:"generated_at"`
	Warning      string    `json:"warning,omitempty"`
}

// TargetWeights maps symbol to desired portfolio fraction, as consumed by the
// risk planner.
type TargetWeights map[string]float64
