package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

// Buffer holds reports that could not be published so they can be retried.
type Buffer interface {
	Store(ctx context.Context, report *model.Report, sinks []string) error
	GetPending(ctx context.Context, limit int) ([]*Pending, error)
	MarkSent(ctx context.Context, ids []string) error
	Cleanup(ctx context.Context, maxAge time.Duration) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Pending is a buffered report and the sinks that still have to accept it.
// Empty Sinks means every sink.
type Pending struct {
	Report *model.Report
	Sinks  []string
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteBuffer struct {
	log *slog.Logger
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteBuffer(log *slog.Logger, dbPath string) (*SQLiteBuffer, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	buf, err := NewWithDB(log, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return buf, nil
}

// NewWithDB wraps an already opened database and ensures the schema exists.
func NewWithDB(log *slog.Logger, db *sql.DB) (*SQLiteBuffer, error) {
	buf := &SQLiteBuffer{
		log: log,
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := buf.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return buf, nil
}

func (b *SQLiteBuffer) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS report_buffer (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			report_json TEXT NOT NULL,
			sinks TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_report_buffer_created_at ON report_buffer(created_at);
	`
	_, err := b.db.Exec(query)
	return err
}

// Store buffers report for the given sinks. Storing a report that is already
// buffered only replaces its sink list and keeps its place in the queue.
func (b *SQLiteBuffer) Store(ctx context.Context, report *model.Report, sinks []string) error {
	data, err := report.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if sinks == nil {
		sinks = []string{}
	}
	sinkData, err := json.Marshal(sinks)
	if err != nil {
		return fmt.Errorf("failed to marshal sinks: %w", err)
	}

	query := `
		INSERT INTO report_buffer (id, site_id, timestamp, report_json, sinks, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sinks = excluded.sinks
	`

	_, err = b.db.ExecContext(ctx, query,
		report.ID,
		report.SiteID,
		report.Timestamp.UTC().Format(timeLayout),
		string(data),
		string(sinkData),
		b.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}

	b.log.Debug("report stored in buffer",
		slog.String("id", report.ID),
		slog.Any("sinks", sinks),
	)
	return nil
}

// GetPending returns the oldest buffered reports first.
func (b *SQLiteBuffer) GetPending(ctx context.Context, limit int) ([]*Pending, error) {
	query := `
		SELECT id, report_json, sinks
		FROM report_buffer
		ORDER BY created_at ASC, timestamp ASC
		LIMIT ?
	`

	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reports: %w", err)
	}
	defer rows.Close()

	var pending []*Pending
	for rows.Next() {
		var id, data, sinkData string
		if err := rows.Scan(&id, &data, &sinkData); err != nil {
			b.log.Error("failed to scan row", sl.Err(err))
			continue
		}

		report, err := model.ReportFromJSON([]byte(data))
		if err != nil {
			b.log.Error("failed to unmarshal buffered report", slog.String("id", id), sl.Err(err))
			continue
		}

		var sinks []string
		if err := json.Unmarshal([]byte(sinkData), &sinks); err != nil {
			b.log.Warn("unreadable sink list, retrying every sink", slog.String("id", id), sl.Err(err))
			sinks = nil
		}

		pending = append(pending, &Pending{Report: report, Sinks: sinks})
	}

	return pending, rows.Err()
}

func (b *SQLiteBuffer) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM report_buffer WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete report %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.log.Debug("marked reports as sent", slog.Int("count", len(ids)))
	return nil
}

func (b *SQLiteBuffer) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := b.now().Add(-maxAge).Format(timeLayout)

	result, err := b.db.ExecContext(ctx, "DELETE FROM report_buffer WHERE created_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old reports: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		b.log.Info("cleaned up old buffer entries", slog.Int64("deleted", deleted))
	}

	return nil
}

func (b *SQLiteBuffer) Count(ctx context.Context) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM report_buffer").Scan(&count)
	return count, err
}

func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}
