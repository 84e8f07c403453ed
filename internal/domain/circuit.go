package domain

import "time"

// CircuitState is the safety state shared by every control-plane service.
type CircuitState string

const (
	// CircuitOpen is the normal operating state: entries allowed.
	CircuitOpen CircuitState = "OPEN"
	// CircuitTripped blocks all risk-increasing actions.
	CircuitTripped CircuitState = "TRIPPED"
	// CircuitQuietPeriod means conditions have normalized but a cool-down is
	// still in effect before returning to OPEN.
	CircuitQuietPeriod CircuitState = "QUIET_PERIOD"
)

// TripReason classifies why the breaker tripped.
type TripReason string

const (
	TripReasonDrawdown    TripReason = "drawdown"
	TripReasonBrokerError TripReason = "broker_errors"
	TripReasonStaleData   TripReason = "stale_data"
	TripReasonManual      TripReason = "manual"
)

// CircuitRecord is the singleton breaker record held in the coordination
// store. Reads are lock-free; transitions go through an atomic
// compare-and-set keyed on the State field.
type CircuitRecord struct {
	State          CircuitState `json:"state"`
	TrippedAt      *time.Time   `json:"tripped_at,omitempty"`
	TripReason     TripReason   `json:"trip_reason,omitempty"`
	TripDetails    string       `json:"trip_details,omitempty"`
	ResetAt        *time.Time   `json:"reset_at,omitempty"`
	ResetBy        string       `json:"reset_by,omitempty"`
	QuietSince     *time.Time   `json:"quiet_since,omitempty"`
	TripCountToday int          `json:"trip_count_today"`
}

// AllowsEntry reports whether risk-increasing orders may be submitted.
func (r CircuitRecord) AllowsEntry() bool {
	return r.State == CircuitOpen
}
