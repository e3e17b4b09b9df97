package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteBackend stores records in a single SQLite table. Sort keys are kept
// as BLOBs so comparisons are plain byte order and NUL separators survive.
// It is suitable for single-node deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dsn and initializes
// the schema.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them in force
	// and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteBackend{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the schema. Safe to call repeatedly.
func (s *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS records (
			partition TEXT    NOT NULL,
			sort      BLOB    NOT NULL,
			value     BLOB    NOT NULL,
			revision  INTEGER NOT NULL,

			PRIMARY KEY (partition, sort)
		) WITHOUT ROWID;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, key Key) (*Item, error) {
	var value []byte
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM records WHERE partition = ? AND sort = ?`,
		key.Partition, []byte(key.Sort),
	).Scan(&value, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return &Item{Key: key, Value: value, Revision: rev}, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	if value == nil {
		value = []byte{}
	}
	var query string
	var args []any
	switch {
	case expect == AnyRevision:
		query = `INSERT INTO records (partition, sort, value, revision) VALUES (?, ?, ?, 1)
			ON CONFLICT (partition, sort) DO UPDATE SET value = excluded.value, revision = records.revision + 1
			RETURNING revision`
		args = []any{key.Partition, []byte(key.Sort), value}
	case expect == 0:
		query = `INSERT INTO records (partition, sort, value, revision) VALUES (?, ?, ?, 1)
			ON CONFLICT (partition, sort) DO NOTHING
			RETURNING revision`
		args = []any{key.Partition, []byte(key.Sort), value}
	default:
		query = `UPDATE records SET value = ?, revision = revision + 1
			WHERE partition = ? AND sort = ? AND revision = ?
			RETURNING revision`
		args = []any{value, key.Partition, []byte(key.Sort), expect}
	}

	var rev int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("writing record: %w", err)
	}
	return rev, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key Key, expect int64) error {
	query := `DELETE FROM records WHERE partition = ? AND sort = ?`
	args := []any{key.Partition, []byte(key.Sort)}
	if expect > 0 {
		query += ` AND revision = ?`
		args = append(args, expect)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if n > 0 {
		return nil
	}
	if expect > 0 {
		if _, err := s.Get(ctx, key); err == nil {
			return ErrConflict
		}
	}
	return ErrNotFound
}

func (s *SQLiteBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	var b strings.Builder
	b.WriteString(`SELECT sort, value, revision FROM records WHERE partition = ?`)
	args := []any{partition}

	if start := listStart(prefix, startAfter); start == startAfter && startAfter != "" {
		b.WriteString(` AND sort > ?`)
		args = append(args, []byte(startAfter))
	} else if prefix != "" {
		b.WriteString(` AND sort >= ?`)
		args = append(args, []byte(prefix))
	}
	if prefix != "" {
		if end := prefixEnd(prefix); end != "" {
			b.WriteString(` AND sort < ?`)
			args = append(args, []byte(end))
		}
	}
	b.WriteString(` ORDER BY sort`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var sortKey, value []byte
		var rev int64
		if err := rows.Scan(&sortKey, &value, &rev); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if !strings.HasPrefix(string(sortKey), prefix) {
			continue
		}
		out = append(out, Item{
			Key:      Key{Partition: partition, Sort: string(sortKey)},
			Value:    value,
			Revision: rev,
		})
	}
	return out, rows.Err()
}
