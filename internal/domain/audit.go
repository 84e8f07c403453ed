package domain

import "time"

// Audit event types written by the control plane.
const (
	AuditOrderSubmit    = "order_submit"
	AuditOrderCancel    = "order_cancel"
	AuditCancelAll      = "cancel_all"
	AuditFlattenAll     = "flatten_all"
	AuditCircuitTrip    = "circuit_trip"
	AuditCircuitReset   = "circuit_reset"
	AuditKillSwitch     = "kill_switch"
	AuditReconcileHeal  = "reconcile_heal"
	AuditReconcileSweep = "reconcile_sweep"
	AuditModelReload    = "model_reload"
	AuditRunStarted     = "run_started"
	AuditRunFinished    = "run_finished"
)

// AuditEvent is an append-only record of a control-plane action. The
// application only writes; deletion belongs to retention jobs.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	EventType string
	Actor     string // user id or service id
	Action    string
	Outcome   string // "ok" or "error"
	Details   map[string]any
	IPAddress string
}
