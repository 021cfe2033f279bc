package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gmanldn/actifix/internal/shared"
)

// Audit operations.
const (
	auditInsert = "INSERT"
	auditUpdate = "UPDATE"
	auditDelete = "DELETE"
)

// AuditEntry is one row of the immutable change history.
type AuditEntry struct {
	ID                int64
	Timestamp         time.Time
	TableName         string
	Operation         string
	RecordID          string
	UserContext       string
	OldValues         string
	NewValues         string
	ChangeDescription string
}

// writeAuditTx records a mutation in the same transaction that performs
// it, so history and data commit or roll back together. old and new are
// snapshot maps; nil marshals to SQL NULL.
func writeAuditTx(ctx context.Context, tx *sql.Tx, op, recordID string, old, new map[string]any, desc string) error {
	var oldJSON, newJSON any
	if old != nil {
		b, err := json.Marshal(old)
		if err != nil {
			return fmt.Errorf("marshal old values: %w", err)
		}
		oldJSON = string(b)
	}
	if new != nil {
		b, err := json.Marshal(new)
		if err != nil {
			return fmt.Errorf("marshal new values: %w", err)
		}
		newJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO database_audit_log
		(timestamp, table_name, operation, record_id, user_context, old_values, new_values, change_description)
		VALUES (?, 'tickets', ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), op, recordID, shared.Actor(ctx), oldJSON, newJSON, desc)
	if err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	return nil
}

// AuditTrail returns the change history for one record, oldest first.
func (r *Repository) AuditTrail(ctx context.Context, recordID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := r.pool.WithConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id, timestamp, table_name, operation,
			record_id, user_context, COALESCE(old_values, ''), COALESCE(new_values, ''), change_description
			FROM database_audit_log WHERE record_id = ? ORDER BY id ASC`, recordID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e AuditEntry
			if err := rows.Scan(&e.ID, &e.Timestamp, &e.TableName, &e.Operation,
				&e.RecordID, &e.UserContext, &e.OldValues, &e.NewValues, &e.ChangeDescription); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// PurgeAudit removes audit rows older than the retention horizon and
// returns the count removed. Ticket rows are untouched.
func (r *Repository) PurgeAudit(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var purged int64
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM database_audit_log WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		r.logger.Info("audit retention purge", "removed", purged, "cutoff", cutoff)
	}
	return purged, nil
}
