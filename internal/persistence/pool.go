package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gmanldn/actifix/internal/config"
)

const (
	busyRetries   = 5
	busyBaseDelay = 25 * time.Millisecond
)

// Pool wraps two handles on the same SQLite file: a single-connection
// writer that opens every transaction in immediate mode, and a small
// reader pool for queries that never take the write lock. Serializing
// writers in Go keeps SQLITE_BUSY out of the common path; the busy
// timeout and retryOnBusy cover the rest.
type Pool struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	logger *slog.Logger
}

// OpenPool opens the store file, creating parent directories as needed,
// and applies the durability pragmas from cfg. Migrations are not run
// here; see Migrate.
func OpenPool(cfg *config.Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Store.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	// Connection-scoped pragmas ride in the DSN so every pooled
	// connection gets them, not just the one that ran a setup Exec.
	base := url.Values{}
	base.Set("_busy_timeout", fmt.Sprintf("%d", cfg.Store.BusyTimeoutMillis))
	base.Set("_foreign_keys", "on")
	base.Set("_synchronous", cfg.Store.Synchronous)
	base.Set("_temp_store", "MEMORY")

	writerDSN := url.Values{}
	for k, v := range base {
		writerDSN[k] = v
	}
	writerDSN.Set("_txlock", "immediate")

	writer, err := sql.Open("sqlite3", "file:"+path+"?"+writerDSN.Encode())
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", "file:"+path+"?"+base.Encode())
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	p := &Pool{writer: writer, reader: reader, path: path, logger: logger}
	if err := p.applyPragmas(cfg); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// applyPragmas sets the journal mode, which is a property of the file
// itself and so only needs one statement per handle.
func (p *Pool) applyPragmas(cfg *config.Config) error {
	journal := "DELETE"
	if cfg.Store.WAL {
		journal = "WAL"
	}
	for _, db := range []*sql.DB{p.writer, p.reader} {
		if _, err := db.Exec("PRAGMA journal_mode=" + journal); err != nil {
			return fmt.Errorf("set journal_mode: %w", err)
		}
	}
	return nil
}

// Path returns the store file path.
func (p *Pool) Path() string { return p.path }

// Writer exposes the serialized write handle. Maintenance jobs that
// need checkpoint or vacuum statements go through here.
func (p *Pool) Writer() *sql.DB { return p.writer }

// Reader exposes the read handle for ad-hoc queries.
func (p *Pool) Reader() *sql.DB { return p.reader }

// Close closes both handles.
func (p *Pool) Close() error {
	rerr := p.reader.Close()
	werr := p.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WithConnection runs fn against a dedicated read connection. A ctx
// deadline that expires while waiting for the connection surfaces as
// ErrTimeout.
func (p *Pool) WithConnection(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := p.reader.Conn(ctx)
	if err != nil {
		return mapTimeout(err)
	}
	defer conn.Close()
	return fn(conn)
}

// WithTransaction runs fn inside an immediate-mode transaction on the
// writer. The transaction commits when fn returns nil and rolls back on
// error or panic; panics are re-raised after rollback. Busy errors from
// a concurrent process retry with jittered backoff before giving up.
func (p *Pool) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return p.retryOnBusy(ctx, func() error {
		tx, err := p.writer.BeginTx(ctx, nil)
		if err != nil {
			return mapTimeout(err)
		}
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				panic(r)
			}
		}()
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return mapTimeout(err)
		}
		return nil
	})
}

// retryOnBusy retries fn on SQLITE_BUSY and SQLITE_LOCKED with
// exponential backoff and jitter. Anything else returns immediately.
func (p *Pool) retryOnBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			delay := busyBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)))
			p.logger.Debug("database busy, retrying",
				"attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return mapTimeout(ctx.Err())
			}
		}
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", busyRetries, err)
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
