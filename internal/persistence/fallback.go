package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gmanldn/actifix/internal/bus"
)

// Fallback entry states.
const (
	FallbackPending   = "PENDING"
	FallbackReplayed  = "REPLAYED"
	FallbackExhausted = "EXHAUSTED"
)

// fallbackMaxRetries bounds replay attempts per entry before it is
// parked as EXHAUSTED for manual inspection.
const fallbackMaxRetries = 3

// FallbackEntry is one captured write awaiting replay.
type FallbackEntry struct {
	EntryID    string
	Operation  string
	Payload    string
	CreatedAt  time.Time
	RetryCount int
	Status     string
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Replayed  int
	Deferred  int
	Exhausted int
}

// EnqueueFallback captures a create submission that could not reach the
// tickets table, so the work item survives until a later replay.
func (r *Repository) EnqueueFallback(ctx context.Context, operation string, sub Submission) (string, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal fallback payload: %w", err)
	}
	id := uuid.NewString()
	err = r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO fallback_queue
			(entry_id, operation, payload, created_at, retry_count, status)
			VALUES (?, ?, ?, ?, 0, 'PENDING')`,
			id, operation, string(payload), time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue fallback: %w", err)
	}
	r.logger.Warn("write captured in fallback queue", "entry_id", id, "operation", operation)
	r.publish(bus.TopicFallbackCaptured, id)
	return id, nil
}

// ReplayFallback drains pending fallback entries through Create, oldest
// first. Replay is idempotent: a payload whose ticket already exists
// resolves as a duplicate and the entry is still marked REPLAYED. An
// entry that keeps failing is parked as EXHAUSTED after its retry
// budget runs out; transient errors defer the entry to the next pass.
func (r *Repository) ReplayFallback(ctx context.Context) (*ReplayResult, error) {
	entries, err := r.ListFallback(ctx, FallbackPending)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	for _, e := range entries {
		var sub Submission
		if err := json.Unmarshal([]byte(e.Payload), &sub); err != nil {
			exhausted, berr := r.bumpFallback(ctx, e, fmt.Sprintf("undecodable payload: %v", err))
			if berr != nil {
				return res, berr
			}
			if exhausted {
				res.Exhausted++
			} else {
				res.Deferred++
			}
			continue
		}

		_, _, err := r.Create(ctx, sub)
		switch {
		case err == nil:
			if err := r.settleFallback(ctx, e.EntryID, FallbackReplayed); err != nil {
				return res, err
			}
			res.Replayed++
			r.publish(bus.TopicFallbackReplayed, e.EntryID)
		case IsValidation(err):
			exhausted, berr := r.bumpFallback(ctx, e, err.Error())
			if berr != nil {
				return res, berr
			}
			if exhausted {
				res.Exhausted++
			} else {
				res.Deferred++
			}
		default:
			res.Deferred++
			r.logger.Warn("fallback replay deferred", "entry_id", e.EntryID, "error", err)
		}
	}
	if res.Replayed > 0 || res.Exhausted > 0 {
		r.logger.Info("fallback replay pass",
			"replayed", res.Replayed, "deferred", res.Deferred, "exhausted", res.Exhausted)
	}
	return res, nil
}

// ListFallback returns entries in a given state, oldest first. An empty
// status returns everything.
func (r *Repository) ListFallback(ctx context.Context, status string) ([]FallbackEntry, error) {
	query := `SELECT entry_id, operation, payload, created_at, retry_count, status
		FROM fallback_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, entry_id ASC`

	var entries []FallbackEntry
	err := r.pool.WithConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e FallbackEntry
			if err := rows.Scan(&e.EntryID, &e.Operation, &e.Payload,
				&e.CreatedAt, &e.RetryCount, &e.Status); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

func (r *Repository) settleFallback(ctx context.Context, entryID, status string) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE fallback_queue SET status = ? WHERE entry_id = ?`, status, entryID)
		return err
	})
}

func (r *Repository) bumpFallback(ctx context.Context, e FallbackEntry, reason string) (bool, error) {
	status := FallbackPending
	exhausted := e.RetryCount+1 >= fallbackMaxRetries
	if exhausted {
		status = FallbackExhausted
		r.logger.Error("fallback entry exhausted", "entry_id", e.EntryID, "reason", reason)
	}
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE fallback_queue
			SET retry_count = retry_count + 1, status = ? WHERE entry_id = ?`,
			status, e.EntryID)
		return err
	})
	return exhausted, err
}
