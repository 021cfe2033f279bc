package bus

// Ticket lifecycle topics.
const (
	TopicTicketCreated     = "ticket.created"
	TopicTicketDuplicate   = "ticket.duplicate"
	TopicTicketThrottled   = "ticket.throttled"
	TopicTicketCompleted   = "ticket.completed"
	TopicTicketDeleted     = "ticket.deleted"
	TopicTicketRecovered   = "ticket.recovered"
	TopicTicketDispatched  = "ticket.dispatched"
	TopicLockAcquired      = "ticket.lock_acquired"
	TopicLockContended     = "ticket.lock_contended"
	TopicLockStolen        = "ticket.lock_stolen"
	TopicLockReleased      = "ticket.lock_released"
	TopicStoreQuarantined  = "store.quarantined"
	TopicFallbackCaptured  = "store.fallback_captured"
	TopicFallbackReplayed  = "store.fallback_replayed"
	TopicMaintenanceJobRun = "maintenance.job_run"
	TopicIntegrityReport   = "maintenance.integrity_report"
)

// TicketEvent is published on ticket lifecycle transitions.
type TicketEvent struct {
	TicketID string // Ticket ID
	Guard    string // Duplicate guard fingerprint
	Priority int    // Priority class (0 = most urgent)
	Status   string // Status after the transition
	Actor    string // Acting worker or user identity
}

// LockEvent is published on lock acquisition, release and steal.
type LockEvent struct {
	TicketID      string // Ticket ID
	Holder        string // Current lock holder
	PrevHolder    string // Previous holder when a lease was stolen
	LeaseMillis   int64  // Lease duration in milliseconds
	StolenExpired bool   // True when acquisition took over an expired lease
}

// QuarantineEvent is published when the robustness layer quarantines the store.
type QuarantineEvent struct {
	EntryID string // Quarantine entry ID
	Reason  string // Why the artifact was quarantined
	Path    string // Destination of the quarantined copy
}

// DispatchEvent is published when DispatchNext hands out a ticket.
type DispatchEvent struct {
	TicketID    string  // Dispatched ticket ID
	Holder      string  // Worker that received the lease
	Seconds     float64 // Dispatch transaction duration
	TookExpired bool    // True when an expired lease was taken over
}

// MaintenanceEvent is published after each scheduled maintenance job.
type MaintenanceEvent struct {
	Job     string  // Job name
	Seconds float64 // Wall-clock run duration
}

// IntegrityEvent is published after a scheduled integrity sweep.
type IntegrityEvent struct {
	Findings int    // Structural findings reported by the scan
	Severity string // none, warning or critical
}
