package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/algoviz/engine/internal/domain"
	_ "modernc.org/sqlite"
)

// Archive persists sealed traces to SQLite so they survive restarts and
// outlive the in-memory session registry. Live traces never touch the
// archive; a trace is written exactly once, at seal time.
type Archive struct {
	db *sql.DB
}

// NewArchive opens the archive database, creating it if needed.
func NewArchive(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode keeps archive writes from blocking concurrent readers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS traces (
		session_id TEXT PRIMARY KEY,
		summary_json TEXT NOT NULL,
		total_steps INTEGER NOT NULL,
		sealed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traces_sealed ON traces(sealed_at);

	CREATE TABLE IF NOT EXISTS steps (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		step_json TEXT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);
	`
	if _, err := a.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveTrace writes a sealed trace and its summary in one transaction.
// SQLITE_BUSY conflicts are retried with exponential backoff.
func (a *Archive) SaveTrace(ctx context.Context, sessionID string, st Store) error {
	summary, ok := st.Summary()
	if !ok {
		return fmt.Errorf("trace %s is not sealed", sessionID)
	}
	steps, err := st.Range(0, st.Len())
	if err != nil {
		return fmt.Errorf("read trace %s: %w", sessionID, err)
	}
	return a.withRetry(ctx, "save trace", func() error {
		return a.saveTraceOnce(ctx, sessionID, summary, steps)
	})
}

func (a *Archive) saveTraceOnce(ctx context.Context, sessionID string, summary domain.Summary, steps []*domain.Step) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("rollback failed", "session_id", sessionID, "error", rbErr)
		}
	}()

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (session_id, summary_json, total_steps, sealed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, string(summaryJSON), len(steps), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steps (session_id, sequence, step_json)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, sequence) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare step insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Warn("failed to close step statement", "error", closeErr)
		}
	}()

	for _, step := range steps {
		stepJSON, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step %d: %w", step.Sequence, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, step.Sequence, string(stepJSON)); err != nil {
			return fmt.Errorf("insert step %d: %w", step.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace: %w", err)
	}
	return nil
}

// LoadTrace reads an archived trace back into a sealed in-memory store.
// It returns ErrNotFound for unknown session IDs.
func (a *Archive) LoadTrace(ctx context.Context, sessionID string) (Store, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT summary_json FROM traces WHERE session_id = ?`, sessionID)

	var summaryJSON string
	err := row.Scan(&summaryJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace row: %w", err)
	}
	var summary domain.Summary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT step_json FROM steps WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close step rows", "error", closeErr)
		}
	}()

	st := NewMemory()
	for rows.Next() {
		var stepJSON string
		if err := rows.Scan(&stepJSON); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		var step domain.Step
		if err := json.Unmarshal([]byte(stepJSON), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		if err := st.Append(&step); err != nil {
			return nil, fmt.Errorf("restore step %d: %w", step.Sequence, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	if err := st.Seal(summary); err != nil {
		return nil, fmt.Errorf("seal restored trace: %w", err)
	}
	return st, nil
}

// DeleteExpired removes traces sealed before the TTL threshold and returns
// how many were purged.
func (a *Archive) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := a.withRetry(ctx, "delete expired traces", func() error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				slog.Warn("rollback failed", "error", rbErr)
			}
		}()

		_, err = tx.ExecContext(ctx, `
			DELETE FROM steps WHERE session_id IN
				(SELECT session_id FROM traces WHERE sealed_at < ?)`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired steps: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM traces WHERE sealed_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired traces: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// Ping verifies database connectivity.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries an operation that failed with a SQLite concurrency
// error, backing off 100ms, 200ms, 400ms.
func (a *Archive) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// isBusyError matches both spellings of SQLite's lock contention error.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
