package persistence

import (
	"database/sql"
	"time"
)

// Priority orders dispatch. P0 is most urgent; P4 least.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Ticket is one unit of remediation work.
type Ticket struct {
	ID             string
	DuplicateGuard string
	Priority       Priority
	ErrorType      string
	Source         string
	Message        string
	StackTrace     string
	RunLabel       string
	Owner          string
	Branch         string
	Status         Status
	Deleted        bool
	DeletedAt      *time.Time

	LockedBy     string
	LockedAt     *time.Time
	LeaseExpires *time.Time

	CompletionNotes      string
	TestSteps            string
	TestResults          string
	CompletionSummary    string
	CompletionVerifiedBy string
	CompletionVerifiedAt *time.Time
	ChecklistNotes       bool
	ChecklistSteps       bool
	ChecklistResults     bool
	ChecklistSummary     bool

	FormatVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LockedNow reports whether the ticket holds an unexpired lease at now.
func (t *Ticket) LockedNow(now time.Time) bool {
	return t.LockedBy != "" && t.LeaseExpires != nil && t.LeaseExpires.After(now)
}

// Submission carries the caller-supplied fields for a new ticket.
type Submission struct {
	DuplicateGuard string   `json:"duplicate_guard"`
	Priority       Priority `json:"priority"`
	ErrorType      string   `json:"error_type"`
	Source         string   `json:"source"`
	Message        string   `json:"message"`
	StackTrace     string   `json:"stack_trace,omitempty"`
	RunLabel       string   `json:"run_label,omitempty"`
	Owner          string   `json:"owner,omitempty"`
	Branch         string   `json:"branch,omitempty"`
}

// Patch updates a subset of mutable fields. Nil pointers leave the
// stored value alone. Status and lock fields move only through the
// lock and completion operations.
type Patch struct {
	Priority   *Priority
	ErrorType  *string
	Source     *string
	Message    *string
	StackTrace *string
	RunLabel   *string
	Owner      *string
	Branch     *string
}

// Evidence is the proof of work required to complete a ticket.
type Evidence struct {
	Notes       string
	TestSteps   string
	TestResults string
	Summary     string
	VerifiedBy  string
}

// Lock describes a granted lease.
type Lock struct {
	TicketID     string
	Holder       string
	PrevHolder   string
	AcquiredAt   time.Time
	LeaseExpires time.Time
	TookExpired  bool
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   Status
	Priority *Priority
	Owner    string
	RunLabel string
	Limit    int
	Offset   int
}

// Stats summarizes the live store contents.
type Stats struct {
	Total           int
	ByStatus        map[Status]int
	ByPriority      map[Priority]int
	Deleted         int
	ActiveLeases    int
	FallbackPending int
}

const ticketColumns = `id, duplicate_guard, priority, error_type, source, message,
	stack_trace, run_label, owner, branch, status, deleted, deleted_at,
	locked_by, locked_at, lease_expires,
	completion_notes, test_steps, test_results, completion_summary,
	completion_verified_by, completion_verified_at,
	checklist_notes, checklist_steps, checklist_results, checklist_summary,
	format_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var deletedAt, lockedAt, leaseExpires, verifiedAt sql.NullTime
	var lockedBy, verifiedBy sql.NullString
	err := row.Scan(
		&t.ID, &t.DuplicateGuard, &t.Priority, &t.ErrorType, &t.Source, &t.Message,
		&t.StackTrace, &t.RunLabel, &t.Owner, &t.Branch, &t.Status, &t.Deleted, &deletedAt,
		&lockedBy, &lockedAt, &leaseExpires,
		&t.CompletionNotes, &t.TestSteps, &t.TestResults, &t.CompletionSummary,
		&verifiedBy, &verifiedAt,
		&t.ChecklistNotes, &t.ChecklistSteps, &t.ChecklistResults, &t.ChecklistSummary,
		&t.FormatVersion, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		t.DeletedAt = &v
	}
	if lockedBy.Valid {
		t.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		v := lockedAt.Time
		t.LockedAt = &v
	}
	if leaseExpires.Valid {
		v := leaseExpires.Time
		t.LeaseExpires = &v
	}
	if verifiedBy.Valid {
		t.CompletionVerifiedBy = verifiedBy.String
	}
	if verifiedAt.Valid {
		v := verifiedAt.Time
		t.CompletionVerifiedAt = &v
	}
	return &t, nil
}

// snapshot renders the audit-relevant view of a ticket for old_values
// and new_values columns.
func snapshot(t *Ticket) map[string]any {
	if t == nil {
		return nil
	}
	m := map[string]any{
		"id":              t.ID,
		"duplicate_guard": t.DuplicateGuard,
		"priority":        int(t.Priority),
		"error_type":      t.ErrorType,
		"source":          t.Source,
		"message":         t.Message,
		"run_label":       t.RunLabel,
		"owner":           t.Owner,
		"branch":          t.Branch,
		"status":          string(t.Status),
		"deleted":         t.Deleted,
		"locked_by":       t.LockedBy,
	}
	if t.LeaseExpires != nil {
		m["lease_expires"] = t.LeaseExpires.UTC().Format(time.RFC3339Nano)
	}
	if t.StackTrace != "" {
		m["stack_trace"] = t.StackTrace
	}
	if t.CompletionNotes != "" {
		m["completion_notes"] = t.CompletionNotes
	}
	if t.TestSteps != "" {
		m["test_steps"] = t.TestSteps
	}
	if t.TestResults != "" {
		m["test_results"] = t.TestResults
	}
	if t.CompletionSummary != "" {
		m["completion_summary"] = t.CompletionSummary
	}
	if t.CompletionVerifiedBy != "" {
		m["completion_verified_by"] = t.CompletionVerifiedBy
	}
	return m
}
