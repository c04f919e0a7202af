package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kevinhaoaus/web-image-classifier/pkg/history"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// Store implements history.Backend with a SQLite database.
type Store struct {
	db *sql.DB
}

var _ history.Backend = (*Store)(nil)

const createTable = `
CREATE TABLE IF NOT EXISTS classification_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ns INTEGER NOT NULL,
	top_label TEXT NOT NULL,
	predictions TEXT NOT NULL,
	image_preview TEXT NOT NULL DEFAULT '',
	image_metadata TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	model_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON classification_history(timestamp_ns, id);
`

// New opens the history database and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	// model_version arrived after the first schema.
	if !columnExists(db, "classification_history", "model_version") {
		if _, err := db.Exec(`ALTER TABLE classification_history ADD COLUMN model_version TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add model_version column: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Add inserts rec and returns the assigned id.
func (s *Store) Add(ctx context.Context, rec models.ClassificationRecord) (int64, error) {
	preds, err := json.Marshal(rec.Predictions)
	if err != nil {
		return 0, fmt.Errorf("encode predictions: %w", err)
	}
	meta, err := json.Marshal(rec.ImageMetadata)
	if err != nil {
		return 0, fmt.Errorf("encode image metadata: %w", err)
	}
	var top string
	if p, ok := rec.Top(); ok {
		top = p.Label
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_history
		 (timestamp_ns, top_label, predictions, image_preview, image_metadata, latency_ms, model_name, model_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), top, string(preds), rec.ImagePreview, string(meta),
		rec.InferenceLatencyMs, rec.ModelInfo.Name, rec.ModelInfo.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

// Ordered returns up to limit records ordered by timestamp then id, newest
// first. A negative limit returns everything.
func (s *Store) Ordered(ctx context.Context, limit int) ([]models.ClassificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp_ns, predictions, image_preview, image_metadata, latency_ms, model_name, model_version
		 FROM classification_history
		 ORDER BY timestamp_ns DESC, id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.ClassificationRecord
	for rows.Next() {
		var rec models.ClassificationRecord
		var ts int64
		var preds, meta string
		if err := rows.Scan(&rec.ID, &ts, &preds, &rec.ImagePreview, &meta,
			&rec.InferenceLatencyMs, &rec.ModelInfo.Name, &rec.ModelInfo.Version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(preds), &rec.Predictions); err != nil {
			return nil, fmt.Errorf("decode predictions of %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &rec.ImageMetadata); err != nil {
			return nil, fmt.Errorf("decode image metadata of %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Keys returns the id and timestamp of every record, newest first.
func (s *Store) Keys(ctx context.Context) ([]history.RecordKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp_ns FROM classification_history ORDER BY timestamp_ns DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []history.RecordKey
	for rows.Next() {
		var k history.RecordKey
		var ts int64
		if err := rows.Scan(&k.ID, &ts); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.Timestamp = time.Unix(0, ts).UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes the given ids in one transaction.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM classification_history WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete record %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM classification_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classification_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
