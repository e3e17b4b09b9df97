package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend stores blobs as BLOBs in a SQLite table. It suits small
// objects in single-node or embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at dbPath, applies PRAGMAs and creates
// the schema.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS content_data (
			id   TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Put reads all data and stores it as a row.
func (b *SQLiteBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading content: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO content_data (id, data) VALUES (?, ?)`, id, data)
	if err != nil {
		return 0, fmt.Errorf("storing content %s: %w", id, err)
	}
	return int64(len(data)), nil
}

// Get reads the requested range with substr so only that slice leaves SQLite.
func (b *SQLiteBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	var data []byte
	var err error
	if length < 0 {
		err = b.db.QueryRowContext(ctx,
			`SELECT substr(data, ?) FROM content_data WHERE id = ?`, offset+1, id).Scan(&data)
	} else {
		err = b.db.QueryRowContext(ctx,
			`SELECT substr(data, ?, ?) FROM content_data WHERE id = ?`, offset+1, length, id).Scan(&data)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading content %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM content_data WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting content %s: %w", id, err)
	}
	return nil
}

func (b *SQLiteBackend) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_data WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking content %s: %w", id, err)
	}
	return n > 0, nil
}

// Compose concatenates source rows inside one transaction.
func (b *SQLiteBackend) Compose(ctx context.Context, dst string, srcs []string) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning compose: %w", err)
	}
	defer tx.Rollback()

	var buf bytes.Buffer
	for _, id := range srcs {
		var data []byte
		err := tx.QueryRowContext(ctx, `SELECT data FROM content_data WHERE id = ?`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("composing %s: source %s: %w", dst, id, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("reading source %s: %w", id, err)
		}
		buf.Write(data)
	}
	data := buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO content_data (id, data) VALUES (?, ?)`, dst, data); err != nil {
		return 0, fmt.Errorf("storing composed content %s: %w", dst, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing compose: %w", err)
	}
	return int64(len(data)), nil
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var (
	_ Backend  = (*SQLiteBackend)(nil)
	_ Composer = (*SQLiteBackend)(nil)
)
