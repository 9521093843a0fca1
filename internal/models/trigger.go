package models

// SyncTrigger tags a configuration sync request with the event that caused
// it. Deduplication and the force/emergency classes are keyed on it.
type SyncTrigger string

const (
	TriggerStartup               SyncTrigger = "startup"
	TriggerAutoPeriodic          SyncTrigger = "auto_periodic"
	TriggerManualForce           SyncTrigger = "manual_force"
	TriggerRuleChange            SyncTrigger = "rule_change"
	TriggerEmergencyQuotaDisable SyncTrigger = "emergency_quota_disable"
	TriggerRealtimeViolation     SyncTrigger = "realtime_quota_violation"
	TriggerQuotaRestored         SyncTrigger = "quota_restored"
	TriggerUsageReset            SyncTrigger = "usage_reset"
	TriggerEngineRecovery        SyncTrigger = "engine_recovery"
)
