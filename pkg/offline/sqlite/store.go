package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
)

// Store is a generation store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ offline.GenerationStore = (*Store)(nil)

const createCacheTables = `
CREATE TABLE IF NOT EXISTS cache_generations (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT NOT NULL,
	request_key TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (generation, request_key)
);
CREATE TABLE IF NOT EXISTS cache_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// New opens the cache database and creates the schema.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createCacheTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putEntry(ctx context.Context, ex execer, e models.CachedResponse) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	res, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (generation, request_key, status_code, header, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM cache_generations WHERE name = ?)`,
		e.Generation, e.Key, e.StatusCode, string(header), body, storedAt.UnixNano(), e.Generation,
	)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", e.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache put %s: %w", e.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", offline.ErrNoGeneration, e.Generation)
	}
	return nil
}

// Populate creates names and writes entries atomically.
func (s *Store) Populate(ctx context.Context, names []string, entries []models.CachedResponse) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin populate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for _, n := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)`, n, now,
		); err != nil {
			return fmt.Errorf("create generation %s: %w", n, err)
		}
	}
	for _, e := range entries {
		if err := putEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Put stores a single entry into an existing generation.
func (s *Store) Put(ctx context.Context, e models.CachedResponse) error {
	return putEntry(ctx, s.db, e)
}

func scanEntry(row *sql.Row) (*models.CachedResponse, bool, error) {
	var e models.CachedResponse
	var header string
	var storedAt int64
	err := row.Scan(&e.Generation, &e.Key, &e.StatusCode, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache match: %w", err)
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, false, fmt.Errorf("decode header of %s: %w", e.Key, err)
	}
	e.StoredAt = time.Unix(0, storedAt)
	return &e, true, nil
}

// Match looks up key in one generation.
func (s *Store) Match(ctx context.Context, generation, key string) (*models.CachedResponse, bool, error) {
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT generation, request_key, status_code, header, body, stored_at
		 FROM cache_entries WHERE generation = ? AND request_key = ?`,
		generation, key,
	))
}

// MatchAny looks up key in any of the given generations, newest first.
func (s *Store) MatchAny(ctx context.Context, generations []string, key string) (*models.CachedResponse, bool, error) {
	if len(generations) == 0 {
		return nil, false, nil
	}
	args := make([]any, 0, len(generations)+1)
	args = append(args, key)
	for _, g := range generations {
		args = append(args, g)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(generations)), ",")
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT generation, request_key, status_code, header, body, stored_at
		 FROM cache_entries WHERE request_key = ? AND generation IN (`+placeholders+`)
		 ORDER BY stored_at DESC LIMIT 1`,
		args...,
	))
}

// Names lists every generation.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Delete removes a generation and its entries.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return fmt.Errorf("delete entries of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete generation %s: %w", name, err)
	}
	return tx.Commit()
}

// Stats returns entry counts and body sizes per generation.
func (s *Store) Stats(ctx context.Context) ([]models.GenerationStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.name, COUNT(e.request_key), COALESCE(SUM(LENGTH(e.body)), 0)
		 FROM cache_generations g LEFT JOIN cache_entries e ON e.generation = g.name
		 GROUP BY g.name ORDER BY g.name`)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationStats
	for rows.Next() {
		var g models.GenerationStats
		if err := rows.Scan(&g.Name, &g.Entries, &g.Bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetMeta reads a lifecycle value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta writes a lifecycle value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_meta (key, value) VALUES (?, ?)`, key, value,
	); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a lifecycle value.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
