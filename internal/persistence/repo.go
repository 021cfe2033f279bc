package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/shared"
)

// Repository is the sole write path to the ticket store. Every mutation
// runs in one immediate transaction and leaves an audit row behind.
type Repository struct {
	pool         *Pool
	events       *bus.Bus
	limits       config.LimitsConfig
	maxOpen      int
	throttle     *creationThrottle
	defaultLease time.Duration
	logger       *slog.Logger
}

// NewRepository wires a repository over an already-migrated pool.
// eventBus may be nil; events are then dropped.
func NewRepository(pool *Pool, cfg *config.Config, eventBus *bus.Bus, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		pool:         pool,
		events:       eventBus,
		limits:       cfg.Limits,
		maxOpen:      cfg.Limits.MaxOpenTickets,
		defaultLease: cfg.DefaultLease,
		logger:       logger,
	}
	if cfg.Throttle.Enabled {
		r.throttle = newCreationThrottle(cfg.Throttle.Window, cfg.Throttle.MaxCreations)
	}
	return r
}

// Open opens the store described by cfg, applies pragmas and
// migrations, and returns a ready repository. Close releases the
// underlying pool.
func Open(ctx context.Context, cfg *config.Config, eventBus *bus.Bus, logger *slog.Logger) (*Repository, error) {
	pool, err := OpenPool(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool, cfg, eventBus, logger), nil
}

// Pool exposes the underlying pool for maintenance and diagnostics.
func (r *Repository) Pool() *Pool { return r.pool }

// Close closes the store.
func (r *Repository) Close() error { return r.pool.Close() }

func (r *Repository) publish(topic string, payload any) {
	if r.events != nil {
		r.events.Publish(topic, payload)
	}
}

// Create inserts a ticket unless a live one already carries the same
// duplicate guard. The returned bool is true when a row was inserted;
// on a duplicate the existing ticket comes back untouched. Refusals
// from the sliding-window brake surface as ErrThrottled, never as a
// silent drop.
func (r *Repository) Create(ctx context.Context, sub Submission) (*Ticket, bool, error) {
	if err := r.validateSubmission(&sub); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	if r.throttle != nil && !r.throttle.allow(now) {
		r.publish(bus.TopicTicketThrottled, bus.TicketEvent{
			Guard:    sub.DuplicateGuard,
			Priority: int(sub.Priority),
			Actor:    shared.Actor(ctx),
		})
		return nil, false, ErrThrottled
	}
	if sub.RunLabel == "" {
		sub.RunLabel = shared.RunLabel(ctx)
	}
	// Submitted text is scrubbed before it is persisted anywhere.
	sub.Message = shared.Redact(sub.Message)
	sub.StackTrace = shared.Redact(sub.StackTrace)

	var (
		ticket  *Ticket
		created bool
	)
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		existing, err := getTicketTx(ctx, tx,
			`SELECT `+ticketColumns+` FROM tickets WHERE duplicate_guard = ? AND deleted = 0`,
			sub.DuplicateGuard)
		if err != nil {
			return err
		}
		if existing != nil {
			ticket = existing
			created = false
			return nil
		}

		if r.maxOpen > 0 {
			var open int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM tickets WHERE deleted = 0 AND status != 'COMPLETED'`).Scan(&open); err != nil {
				return err
			}
			if open >= r.maxOpen {
				return &ValidationError{Field: "open_tickets",
					Reason: fmt.Sprintf("open ticket cap %d reached", r.maxOpen)}
			}
		}

		t := &Ticket{
			ID:             uuid.NewString(),
			DuplicateGuard: sub.DuplicateGuard,
			Priority:       sub.Priority,
			ErrorType:      sub.ErrorType,
			Source:         sub.Source,
			Message:        sub.Message,
			StackTrace:     sub.StackTrace,
			RunLabel:       sub.RunLabel,
			Owner:          sub.Owner,
			Branch:         sub.Branch,
			Status:         StatusOpen,
			FormatVersion:  1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO tickets
			(id, duplicate_guard, priority, error_type, source, message, stack_trace,
			 run_label, owner, branch, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.DuplicateGuard, int(t.Priority), t.ErrorType, t.Source, t.Message,
			t.StackTrace, t.RunLabel, t.Owner, t.Branch, string(t.Status), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		if err := writeAuditTx(ctx, tx, auditInsert, t.ID, nil, snapshot(t), "ticket created"); err != nil {
			return err
		}
		ticket = t
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Info("ticket created", "ticket_id", ticket.ID,
			"priority", int(ticket.Priority), "guard", ticket.DuplicateGuard)
		r.publish(bus.TopicTicketCreated, bus.TicketEvent{
			TicketID: ticket.ID,
			Guard:    ticket.DuplicateGuard,
			Priority: int(ticket.Priority),
			Status:   string(ticket.Status),
			Actor:    shared.Actor(ctx),
		})
	} else if ticket != nil {
		r.publish(bus.TopicTicketDuplicate, bus.TicketEvent{
			TicketID: ticket.ID,
			Guard:    ticket.DuplicateGuard,
			Priority: int(ticket.Priority),
			Status:   string(ticket.Status),
			Actor:    shared.Actor(ctx),
		})
	}
	return ticket, created, nil
}

// Get fetches one ticket by ID. A missing ID returns (nil, nil).
func (r *Repository) Get(ctx context.Context, id string) (*Ticket, error) {
	var t *Ticket
	err := r.pool.WithConnection(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
		got, err := scanTicket(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	return t, err
}

// List returns live tickets matching the filter, in dispatch order.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE deleted = 0`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != nil {
		query += ` AND priority = ?`
		args = append(args, int(*f.Priority))
	}
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.RunLabel != "" {
		query += ` AND run_label = ?`
		args = append(args, f.RunLabel)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	return r.queryTickets(ctx, query, args...)
}

// ListDeleted returns soft-deleted tickets, most recently deleted first.
func (r *Repository) ListDeleted(ctx context.Context) ([]*Ticket, error) {
	return r.queryTickets(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE deleted = 1 ORDER BY deleted_at DESC, id ASC`)
}

func (r *Repository) queryTickets(ctx context.Context, query string, args ...any) ([]*Ticket, error) {
	var tickets []*Ticket
	err := r.pool.WithConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				return err
			}
			tickets = append(tickets, t)
		}
		return rows.Err()
	})
	return tickets, err
}

// Update applies a patch to a live ticket. Returns the updated ticket,
// or (nil, nil) when the ticket does not exist or is deleted.
func (r *Repository) Update(ctx context.Context, id string, p Patch) (*Ticket, error) {
	if err := r.validatePatch(&p); err != nil {
		return nil, err
	}
	var updated *Ticket
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		old, err := getTicketTx(ctx, tx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = ? AND deleted = 0`, id)
		if err != nil || old == nil {
			return err
		}

		next := *old
		var changed []string
		apply := func(field string, dst *string, src *string) {
			if src != nil && *src != *dst {
				*dst = *src
				changed = append(changed, field)
			}
		}
		if p.Priority != nil && *p.Priority != next.Priority {
			next.Priority = *p.Priority
			changed = append(changed, "priority")
		}
		apply("error_type", &next.ErrorType, p.ErrorType)
		apply("source", &next.Source, p.Source)
		apply("message", &next.Message, p.Message)
		apply("stack_trace", &next.StackTrace, p.StackTrace)
		apply("run_label", &next.RunLabel, p.RunLabel)
		apply("owner", &next.Owner, p.Owner)
		apply("branch", &next.Branch, p.Branch)
		if len(changed) == 0 {
			updated = old
			return nil
		}
		next.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `UPDATE tickets SET priority = ?, error_type = ?,
			source = ?, message = ?, stack_trace = ?, run_label = ?, owner = ?,
			branch = ?, updated_at = ? WHERE id = ?`,
			int(next.Priority), next.ErrorType, next.Source, next.Message,
			next.StackTrace, next.RunLabel, next.Owner, next.Branch, next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if err := writeAuditTx(ctx, tx, auditUpdate, id, snapshot(old), snapshot(&next),
			"fields changed: "+strings.Join(changed, ", ")); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// leaseAvailable is the acquisition predicate: unheld, or a lease that
// has already run out at the bound timestamp. Comparing against a bound
// time keeps sub-second precision; CURRENT_TIMESTAMP truncates to whole
// seconds.
const leaseAvailable = `(locked_by IS NULL OR lease_expires IS NULL OR lease_expires <= ?)`

// AcquireLock tries to take the lease on a specific ticket. A held,
// unexpired lease returns (nil, nil): contention is an ordinary
// outcome. Taking over an expired lease is reported on the returned
// Lock and in the published event.
func (r *Repository) AcquireLock(ctx context.Context, id, holder string, lease time.Duration) (*Lock, error) {
	if strings.TrimSpace(holder) == "" {
		return nil, &ValidationError{Field: "holder", Reason: "must not be empty"}
	}
	if lease <= 0 {
		lease = r.defaultLease
	}
	now := time.Now().UTC()
	expires := now.Add(lease)

	var (
		lock       *Lock
		contended  bool
		prevHolder string
	)
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		old, err := getTicketTx(ctx, tx, `SELECT `+ticketColumns+` FROM tickets
			WHERE id = ? AND deleted = 0 AND status != 'COMPLETED'`, id)
		if err != nil || old == nil {
			return err
		}
		if old.LockedNow(now) && old.LockedBy != holder {
			contended = true
			prevHolder = old.LockedBy
			return nil
		}

		res, err := tx.ExecContext(ctx, `UPDATE tickets SET locked_by = ?, locked_at = ?,
			lease_expires = ?, status = 'IN_PROGRESS', updated_at = ?
			WHERE id = ? AND deleted = 0 AND status != 'COMPLETED'
			AND (locked_by = ? OR `+leaseAvailable+`)`,
			holder, now, expires, now, id, holder, now)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			contended = true
			prevHolder = old.LockedBy
			return nil
		}

		took := old.LockedBy != "" && old.LockedBy != holder
		lock = &Lock{
			TicketID:     id,
			Holder:       holder,
			PrevHolder:   old.LockedBy,
			AcquiredAt:   now,
			LeaseExpires: expires,
			TookExpired:  took,
		}
		next := *old
		next.LockedBy = holder
		next.LockedAt = &now
		next.LeaseExpires = &expires
		next.Status = StatusInProgress
		desc := "lock acquired by " + holder
		if took {
			desc = "expired lease taken over from " + old.LockedBy + " by " + holder
		}
		return writeAuditTx(ctx, tx, auditUpdate, id, snapshot(old), snapshot(&next), desc)
	})
	if err != nil {
		return nil, err
	}
	if lock != nil {
		topic := bus.TopicLockAcquired
		if lock.TookExpired {
			topic = bus.TopicLockStolen
			r.logger.Warn("expired lease taken over", "ticket_id", id,
				"prev_holder", lock.PrevHolder, "holder", holder)
		}
		r.publish(topic, bus.LockEvent{
			TicketID:      id,
			Holder:        holder,
			PrevHolder:    lock.PrevHolder,
			LeaseMillis:   lease.Milliseconds(),
			StolenExpired: lock.TookExpired,
		})
	} else if contended {
		r.publish(bus.TopicLockContended, bus.LockEvent{
			TicketID: id, Holder: holder, PrevHolder: prevHolder,
		})
	}
	return lock, nil
}

// RenewLock extends the lease of the current holder. False means the
// caller no longer holds the lock, typically because the lease expired
// and another worker took it.
func (r *Repository) RenewLock(ctx context.Context, id, holder string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = r.defaultLease
	}
	now := time.Now().UTC()
	expires := now.Add(lease)

	var renewed bool
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tickets SET lease_expires = ?, updated_at = ?
			WHERE id = ? AND deleted = 0 AND locked_by = ?`,
			expires, now, id, holder)
		if err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = n == 1
		if !renewed {
			return nil
		}
		return writeAuditTx(ctx, tx, auditUpdate, id, nil,
			map[string]any{"lease_expires": expires.Format(time.RFC3339Nano), "locked_by": holder},
			"lease renewed by "+holder)
	})
	return renewed, err
}

// ReleaseLock clears the lease if holder still owns it. An in-progress
// ticket reverts to open so dispatch picks it up again.
func (r *Repository) ReleaseLock(ctx context.Context, id, holder string) (bool, error) {
	now := time.Now().UTC()
	var released bool
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tickets SET locked_by = NULL,
			locked_at = NULL, lease_expires = NULL,
			status = CASE WHEN status = 'IN_PROGRESS' THEN 'OPEN' ELSE status END,
			updated_at = ?
			WHERE id = ? AND locked_by = ?`,
			now, id, holder)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		released = n == 1
		if !released {
			return nil
		}
		return writeAuditTx(ctx, tx, auditUpdate, id, nil,
			map[string]any{"locked_by": "", "status": "OPEN"},
			"lock released by "+holder)
	})
	if err != nil {
		return false, err
	}
	if released {
		r.publish(bus.TopicLockReleased, bus.LockEvent{TicketID: id, Holder: holder})
	}
	return released, err
}

// DispatchNext atomically selects and locks the most urgent available
// ticket: lowest priority number first, then oldest, then lowest ID.
// (nil, nil) means the queue has no available work.
func (r *Repository) DispatchNext(ctx context.Context, holder string, lease time.Duration) (*Ticket, *Lock, error) {
	if strings.TrimSpace(holder) == "" {
		return nil, nil, &ValidationError{Field: "holder", Reason: "must not be empty"}
	}
	if lease <= 0 {
		lease = r.defaultLease
	}
	start := time.Now()
	now := start.UTC()
	expires := now.Add(lease)

	var (
		ticket    *Ticket
		lock      *Lock
		contended bool
	)
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		old, err := getTicketTx(ctx, tx, `SELECT `+ticketColumns+` FROM tickets
			WHERE deleted = 0 AND status != 'COMPLETED' AND `+leaseAvailable+`
			ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`, now)
		if err != nil || old == nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE tickets SET locked_by = ?, locked_at = ?,
			lease_expires = ?, status = 'IN_PROGRESS', updated_at = ?
			WHERE id = ? AND deleted = 0 AND status != 'COMPLETED' AND `+leaseAvailable,
			holder, now, expires, now, old.ID, now)
		if err != nil {
			return fmt.Errorf("dispatch lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Another writer claimed it between select and update.
			contended = true
			return nil
		}

		next := *old
		next.LockedBy = holder
		next.LockedAt = &now
		next.LeaseExpires = &expires
		next.Status = StatusInProgress
		next.UpdatedAt = now
		ticket = &next
		lock = &Lock{
			TicketID:     old.ID,
			Holder:       holder,
			PrevHolder:   old.LockedBy,
			AcquiredAt:   now,
			LeaseExpires: expires,
			TookExpired:  old.LockedBy != "" && old.LockedBy != holder,
		}
		return writeAuditTx(ctx, tx, auditUpdate, old.ID, snapshot(old), snapshot(&next),
			"dispatched to "+holder)
	})
	if err != nil {
		return nil, nil, err
	}
	if lock != nil {
		topic := bus.TopicLockAcquired
		if lock.TookExpired {
			topic = bus.TopicLockStolen
		}
		r.publish(topic, bus.LockEvent{
			TicketID:      lock.TicketID,
			Holder:        holder,
			PrevHolder:    lock.PrevHolder,
			LeaseMillis:   lease.Milliseconds(),
			StolenExpired: lock.TookExpired,
		})
		r.publish(bus.TopicTicketDispatched, bus.DispatchEvent{
			TicketID:    lock.TicketID,
			Holder:      holder,
			Seconds:     time.Since(start).Seconds(),
			TookExpired: lock.TookExpired,
		})
	} else if contended {
		r.publish(bus.TopicLockContended, bus.LockEvent{Holder: holder})
	}
	return ticket, lock, nil
}

// MarkComplete finishes a ticket with the supplied evidence. The
// evidence gate is enforced before touching the store. Completing an
// already-completed ticket is a no-op returning false; the first
// completion wins and nothing is overwritten.
func (r *Repository) MarkComplete(ctx context.Context, id string, ev Evidence) (bool, error) {
	if err := validateEvidence(&ev); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(ev.Summary) == "" {
		ev.Summary = ev.Notes
	}
	verifiedBy := ev.VerifiedBy
	if verifiedBy == "" {
		verifiedBy = shared.Actor(ctx)
	}

	var completed bool
	var guard string
	var prio Priority
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		old, err := getTicketTx(ctx, tx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = ? AND deleted = 0`, id)
		if err != nil || old == nil {
			return err
		}
		if old.Status == StatusCompleted {
			return nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE tickets SET status = 'COMPLETED',
			completion_notes = ?, test_steps = ?, test_results = ?, completion_summary = ?,
			completion_verified_by = ?, completion_verified_at = ?,
			checklist_notes = 1, checklist_steps = 1, checklist_results = 1, checklist_summary = 1,
			locked_by = NULL, locked_at = NULL, lease_expires = NULL, updated_at = ?
			WHERE id = ?`,
			ev.Notes, ev.TestSteps, ev.TestResults, ev.Summary, verifiedBy, now, now, id)
		if err != nil {
			return fmt.Errorf("complete ticket: %w", err)
		}

		next := *old
		next.Status = StatusCompleted
		next.CompletionNotes = ev.Notes
		next.TestSteps = ev.TestSteps
		next.TestResults = ev.TestResults
		next.CompletionSummary = ev.Summary
		next.CompletionVerifiedBy = verifiedBy
		next.LockedBy = ""
		next.LeaseExpires = nil
		completed = true
		guard = old.DuplicateGuard
		prio = old.Priority
		return writeAuditTx(ctx, tx, auditUpdate, id, snapshot(old), snapshot(&next),
			"completed, verified by "+verifiedBy)
	})
	if err != nil {
		return false, err
	}
	if completed {
		r.logger.Info("ticket completed", "ticket_id", id, "verified_by", verifiedBy)
		r.publish(bus.TopicTicketCompleted, bus.TicketEvent{
			TicketID: id, Guard: guard, Priority: int(prio),
			Status: string(StatusCompleted), Actor: shared.Actor(ctx),
		})
	}
	return completed, nil
}

// Delete removes a ticket. Soft deletion hides it from queries and
// frees its duplicate guard; hard deletion removes the row for good,
// leaving only the audit trail. False means there was nothing to
// delete.
func (r *Repository) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	now := time.Now().UTC()
	var deleted bool
	var guard string
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		if hard {
			old, err := getTicketTx(ctx, tx,
				`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
			if err != nil || old == nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id); err != nil {
				return fmt.Errorf("hard delete: %w", err)
			}
			deleted = true
			guard = old.DuplicateGuard
			return writeAuditTx(ctx, tx, auditDelete, id, snapshot(old), nil, "hard deleted")
		}

		res, err := tx.ExecContext(ctx, `UPDATE tickets SET deleted = 1, deleted_at = ?,
			locked_by = NULL, locked_at = NULL, lease_expires = NULL, updated_at = ?
			WHERE id = ? AND deleted = 0`, now, now, id)
		if err != nil {
			return fmt.Errorf("soft delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n == 1
		if !deleted {
			return nil
		}
		return writeAuditTx(ctx, tx, auditUpdate, id, nil,
			map[string]any{"deleted": true}, "SOFT_DELETE")
	})
	if err != nil {
		return false, err
	}
	if deleted {
		r.publish(bus.TopicTicketDeleted, bus.TicketEvent{
			TicketID: id, Guard: guard, Actor: shared.Actor(ctx),
		})
	}
	return deleted, nil
}

// Recover restores a soft-deleted ticket. If a live ticket now carries
// the same duplicate guard, recovery is refused with a validation
// error instead of creating two live duplicates.
func (r *Repository) Recover(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	var recovered bool
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tickets SET deleted = 0, deleted_at = NULL,
			updated_at = ? WHERE id = ? AND deleted = 1`, now, id)
		if err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
				return &ValidationError{Field: "duplicate_guard",
					Reason: "a live ticket with the same guard already exists"}
			}
			return fmt.Errorf("recover ticket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recovered = n == 1
		if !recovered {
			return nil
		}
		return writeAuditTx(ctx, tx, auditUpdate, id, nil,
			map[string]any{"deleted": false}, "recovered from soft delete")
	})
	if err != nil {
		return false, err
	}
	if recovered {
		r.publish(bus.TopicTicketRecovered, bus.TicketEvent{
			TicketID: id, Actor: shared.Actor(ctx),
		})
	}
	return recovered, nil
}

// Stats aggregates queue composition for operators and metrics.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now().UTC()
	s := &Stats{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	err := r.pool.WithConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT status, priority, COUNT(*)
			FROM tickets WHERE deleted = 0 GROUP BY status, priority`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var prio, n int
			if err := rows.Scan(&status, &prio, &n); err != nil {
				return err
			}
			s.Total += n
			s.ByStatus[Status(status)] += n
			s.ByPriority[Priority(prio)] += n
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tickets WHERE deleted = 1`).Scan(&s.Deleted); err != nil {
			return err
		}
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets
			WHERE deleted = 0 AND locked_by IS NOT NULL AND lease_expires > ?`,
			now).Scan(&s.ActiveLeases); err != nil {
			return err
		}
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM fallback_queue WHERE status = 'PENDING'`).Scan(&s.FallbackPending)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func getTicketTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (*Ticket, error) {
	t, err := scanTicket(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}
