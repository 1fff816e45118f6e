// Package journal keeps a sqlite record of completed scans.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"formpost/internal/scan"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Entry is one journal row.
type Entry struct {
	RequestID   string
	Position    int
	Name        string
	Size        int64
	CRC32       string
	MD5         string
	SHA256      string
	ContentType string
	Result      scan.Verdict
	Signature   string
	ScannedAt   time.Time
}

type Journal struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order. Migrations are idempotent.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path must not be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// Record stores the results of one request atomically, in response order.
func (j *Journal) Record(ctx context.Context, requestID string, results []scan.Result) error {
	return withTransaction(ctx, j.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO scans
			(request_id, position, name, size, crc32, md5, sha256, content_type, result, signature, scanned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range results {
			var signature sql.NullString
			if r.Signature != nil {
				signature = sql.NullString{String: *r.Signature, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				requestID, i, r.Name, r.Size, r.CRC32, r.MD5, r.SHA256, r.ContentType,
				string(r.Result), signature, time.Time(r.DateScanned).UTC(),
			); err != nil {
				return fmt.Errorf("insert %q: %w", r.Name, err)
			}
		}
		return nil
	})
}

const selectEntries = `SELECT
		request_id, position, name, size, crc32, md5, sha256, content_type, result, signature, scanned_at
	FROM scans`

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, selectEntries+` ORDER BY id DESC LIMIT ?`, limit)
}

// FindBySHA256 returns every recorded scan of the given content, newest
// first.
func (j *Journal) FindBySHA256(ctx context.Context, sha string) ([]Entry, error) {
	return j.query(ctx, selectEntries+` WHERE sha256 = ? ORDER BY id DESC`, sha)
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			result    string
			signature sql.NullString
		)
		if err := rows.Scan(&e.RequestID, &e.Position, &e.Name, &e.Size, &e.CRC32, &e.MD5, &e.SHA256,
			&e.ContentType, &result, &signature, &e.ScannedAt); err != nil {
			return nil, err
		}
		e.Result = scan.Verdict(result)
		e.Signature = signature.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
