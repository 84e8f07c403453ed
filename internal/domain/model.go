package domain

import "time"

// ModelStatus tracks a registry row through its lifecycle.
type ModelStatus string

const (
	ModelStatusStaging  ModelStatus = "staging"
	ModelStatusActive   ModelStatus = "active"
	ModelStatusInactive ModelStatus = "inactive"
	ModelStatusArchived ModelStatus = "archived"
)

// ModelFamily is the tagged variant that selects the scoring code path at
// registry-load time. Strategies differ by artifact and hyperparameters, not
// by code; the family is data.
type ModelFamily string

const (
	ModelFamilyLinear   ModelFamily = "linear"
	ModelFamilyMomentum ModelFamily = "momentum"
)

// ModelMetadata is one registry row per (strategy, version). At any instant
// at most one row per strategy has status 'active'; switching activation is a
// single transaction that deactivates the previous row and activates the new
// one.
type ModelMetadata struct {
	StrategyID         string
	Version            string
	Family             ModelFamily
	Status             ModelStatus
	ModelPath          string // artifact URI: file://... or s3://bucket/key
	PerformanceMetrics map[string]float64
	Hyperparams        map[string]float64
	CreatedAt          time.Time
	ActivatedAt        *time.Time
	DeactivatedAt      *time.Time
}
