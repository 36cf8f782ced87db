package contentstore

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createContentDB writes a content database with a WeaponDef table.
func createContentDB(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "world_sql_content_test.content")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(`CREATE TABLE WeaponDef (id INTEGER PRIMARY KEY, json TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO WeaponDef (id, json) VALUES (?, ?)`, 1234, `{"name":"Rifle"}`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO WeaponDef (id, json) VALUES (?, ?)`, RowID(math.MaxUint32), `{"name":"Max"}`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ArmorDef (id INTEGER PRIMARY KEY, json TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE Settings (key TEXT, value TEXT)`)
	require.NoError(t, err)
	return path
}

func TestRowID(t *testing.T) {
	require.Equal(t, int32(1234), RowID(1234))
	require.Equal(t, int32(-1), RowID(math.MaxUint32))
	require.Equal(t, int32(math.MinInt32), RowID(1<<31))
	require.Equal(t, int32(math.MaxInt32), RowID(math.MaxInt32))
}

func TestOpen(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "missing.content"))
		require.Error(t, err)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open("  ")
		require.Error(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Open(t.TempDir())
		require.Error(t, err)
	})

	t.Run("missing file is not created", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.content")
		_, err := Open(path)
		require.Error(t, err)
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr))
	})
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	path := createContentDB(t, t.TempDir())

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	t.Run("found", func(t *testing.T) {
		payload, err := s.Lookup(ctx, RowID(1234), "WeaponDef")
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"Rifle"}`, string(payload))
	})

	t.Run("high hash uses signed id", func(t *testing.T) {
		payload, err := s.Lookup(ctx, RowID(math.MaxUint32), "WeaponDef")
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"Max"}`, string(payload))
	})

	t.Run("no rows", func(t *testing.T) {
		_, err := s.Lookup(ctx, RowID(9999), "WeaponDef")
		require.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("empty table", func(t *testing.T) {
		_, err := s.Lookup(ctx, RowID(1234), "ArmorDef")
		require.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("no such table", func(t *testing.T) {
		_, err := s.Lookup(ctx, RowID(1234), "NoSuchTable")
		require.ErrorIs(t, err, ErrNoSuchTable)
	})

	t.Run("table without definition columns", func(t *testing.T) {
		_, err := s.Lookup(ctx, RowID(1234), "Settings")
		require.ErrorIs(t, err, ErrNoSuchTable)
	})

	t.Run("sqlite internal tables", func(t *testing.T) {
		for _, table := range []string{"sqlite_master", "SQLITE_schema", "sqlite_sequence"} {
			_, err := s.Lookup(ctx, 1, table)
			require.ErrorIs(t, err, ErrNoSuchTable, table)
		}
	})

	t.Run("invalid table name", func(t *testing.T) {
		_, err := s.Lookup(ctx, RowID(1234), `WeaponDef"; DROP TABLE WeaponDef; --`)
		require.ErrorIs(t, err, ErrNoSuchTable)

		payload, err := s.Lookup(ctx, RowID(1234), "WeaponDef")
		require.NoError(t, err)
		require.NotEmpty(t, payload)
	})
}

func TestOpen_URICharactersInPath(t *testing.T) {
	ctx := context.Background()
	data, err := os.ReadFile(createContentDB(t, t.TempDir()))
	require.NoError(t, err)

	for _, name := range []string{"c#1?x%41", "cache#1", "cache?x", "cache%41"} {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, name)
			require.NoError(t, os.Mkdir(dir, 0o755))
			path := filepath.Join(dir, "world_sql_content_test.content")
			require.NoError(t, os.WriteFile(path, data, 0o644))

			err := With(ctx, path, func(s *Store) error {
				payload, err := s.Lookup(ctx, RowID(1234), "WeaponDef")
				require.NoError(t, err)
				require.JSONEq(t, `{"name":"Rifle"}`, string(payload))

				_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO WeaponDef (id, json) VALUES (1, '{}')`)
				require.Error(t, err, "opened read-write")
				return nil
			})
			require.NoError(t, err)

			entries, err := os.ReadDir(parent)
			require.NoError(t, err)
			require.Len(t, entries, 1, "nothing created beside the cache directory")
			require.Equal(t, name, entries[0].Name())
		})
	}
}

func TestDSN(t *testing.T) {
	require.Equal(t, "file:///var/cache/c%231%3Fx%2541/world.content?mode=ro", dsn("/var/cache/c#1?x%41/world.content"))
	require.Equal(t, "file:///srv/manifests/world.content?mode=ro", dsn("/srv/manifests/world.content"))
}

func TestLookup_ReadOnly(t *testing.T) {
	path := createContentDB(t, t.TempDir())

	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.sqlDB.Exec(`INSERT INTO WeaponDef (id, json) VALUES (1, '{}')`)
	require.Error(t, err)
}

func TestTables(t *testing.T) {
	path := createContentDB(t, t.TempDir())

	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ArmorDef", "Settings", "WeaponDef"}, tables)
	require.Equal(t, path, s.Path())
}

func TestWith(t *testing.T) {
	ctx := context.Background()
	path := createContentDB(t, t.TempDir())

	var payload []byte
	err := With(ctx, path, func(s *Store) error {
		var err error
		payload, err = s.Lookup(ctx, RowID(1234), "WeaponDef")
		return err
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Rifle"}`, string(payload))

	t.Run("propagates callback error", func(t *testing.T) {
		err := With(ctx, path, func(s *Store) error {
			_, err := s.Lookup(ctx, RowID(9999), "WeaponDef")
			return err
		})
		require.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := With(cctx, path, func(*Store) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, called)
	})

	t.Run("file can be removed afterwards", func(t *testing.T) {
		dir := t.TempDir()
		p := createContentDB(t, dir)
		require.NoError(t, With(ctx, p, func(*Store) error { return nil }))
		require.NoError(t, os.Remove(p))
	})
}
