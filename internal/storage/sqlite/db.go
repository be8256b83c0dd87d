// Package sqlite persists usage records and alerts in an embedded SQLite
// database (modernc.org/sqlite, cgo-free). The schema lives in goose
// migrations compiled into the binary, so a fresh deployment needs nothing
// beyond a writable path.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store separates the write path from the read path. All inserts come from
// the batching workers (usage and alert recorders), and SQLite permits one
// writer at a time, so the write side is pinned to a single connection:
// concurrent batches queue there instead of surfacing as SQLITE_BUSY. The
// status endpoints and the quota-sync worker read through their own pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// dsn decorates a database path with the pragmas every connection needs.
// WAL lets status reads proceed while a usage batch commits; the busy
// timeout covers WAL checkpoint pauses; synchronous NORMAL is a safe
// pairing with WAL for accounting data.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens (or creates) the database at path and brings the schema up to
// date before any reader is handed out.
func New(path string) (*Store, error) {
	write, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	write.SetMaxOpenConns(1)

	if err := migrate(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	read, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open readers: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	return &Store{write: write, read: read}, nil
}

func migrate(db *sql.DB) error {
	// goose wants the migration files at the root of the fs it is given.
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping reports whether the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
