package models

import "time"

// AuditAction names a sync policy transition.
type AuditAction string

const (
	AuditEnable          AuditAction = "enable"
	AuditDisable         AuditAction = "disable"
	AuditEmergencyEnable AuditAction = "emergency_enable"
)

// EmergencyActor is recorded as the actor of an emergency enable.
const EmergencyActor = "EMERGENCY"

// AuditEntry records one policy transition.
type AuditEntry struct {
	Actor     string      `json:"actor"`
	Timestamp int64       `json:"timestamp"`
	Action    AuditAction `json:"action"`
	Reason    string      `json:"reason,omitempty"`
}

// Time returns the Timestamp as time.Time.
func (a AuditEntry) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// SyncPolicyState is the process-wide sync on/off switch with its audit trail.
type SyncPolicyState struct {
	Enabled       bool         `json:"enabled"`
	ChangedBy     string       `json:"changed_by,omitempty"`
	ChangedAt     int64        `json:"changed_at,omitempty"`
	DisableReason string       `json:"disable_reason,omitempty"`
	Audit         []AuditEntry `json:"audit,omitempty"`
}

// DefaultSyncPolicyState is the state used when nothing has been persisted.
func DefaultSyncPolicyState() SyncPolicyState {
	return SyncPolicyState{Enabled: true}
}

// OfflineAllowed reports whether writes may be kept locally instead of being
// sent to the server immediately.
func (s SyncPolicyState) OfflineAllowed() bool {
	return !s.Enabled
}
