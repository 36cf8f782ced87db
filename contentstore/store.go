// Package contentstore reads definition rows from an extracted manifest
// content database.
//
// Each definition table holds rows of (id, json). Hash identifiers are
// unsigned 32-bit values; the id column stores their signed reinterpretation.
package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrNoSuchTable is returned when the requested definition table does not
	// exist in the content database.
	ErrNoSuchTable = errors.New("no such table")

	// ErrNoRows is returned when the table exists but has no row for the id.
	ErrNoRows = errors.New("no matching rows")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RowID converts a hash identifier into the id column value.
func RowID(hash uint32) int32 {
	return int32(hash)
}

// Store is a read-only handle on one content database.
type Store struct {
	sqlDB *sql.DB
	path  string
}

// Open opens the content database at path read-only. The file must exist.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("content store path is required")
	}
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("resolving content store path: %w", err)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("stat content store: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("content store %s is not a regular file", cleanPath)
	}

	sqlDB, err := sql.Open("sqlite", dsn(cleanPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{sqlDB: sqlDB, path: cleanPath}, nil
}

// dsn returns a read-only SQLite URI for the absolute path p. The path is
// percent-escaped so that '?', '#' and '%' in directory names stay part of
// the file name.
func dsn(p string) string {
	slashed := filepath.ToSlash(p)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed // windows volume paths
	}
	u := url.URL{Scheme: "file", Path: slashed, RawQuery: "mode=ro"}
	return u.String()
}

// With opens the content database at path, calls fn, and closes the database
// on every return path.
func With(ctx context.Context, path string, fn func(*Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing content store: %w", cerr)
		}
	}()
	return fn(s)
}

// Path returns the absolute path of the content database.
func (s *Store) Path() string {
	return s.path
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Lookup returns the json payload stored under id in table. When several rows
// match, the first is returned.
func (s *Store) Lookup(ctx context.Context, id int32, table string) ([]byte, error) {
	if !tableNamePattern.MatchString(table) || strings.HasPrefix(strings.ToLower(table), "sqlite_") {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrNoSuchTable, table)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT json FROM "`+table+`" WHERE id = ?`, id)
	if err != nil {
		if notDefinitionTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
		}
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		return nil, ErrNoRows
	}

	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("scan %s row: %w", table, err)
	}
	return payload, nil
}

// Tables lists the tables in the content database.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// notDefinitionTable reports whether err says the table is missing or lacks
// the id and json columns of a definition table.
func notDefinitionTable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() != sqlite3lib.SQLITE_ERROR {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}
