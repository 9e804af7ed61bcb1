// Package sqlite implements storage.SampleStore over a single SQLite
// file, with schema migrations embedded into the binary and applied
// through golang-migrate on open.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackcore/internal/fsutil"
	"github.com/banshee-data/trackcore/internal/security"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode selects the local filesystem over the embedded migrations,
// for hot-reloading during development. False in production builds.
var DevMode = false

// DB wraps a *sql.DB opened against a SQLite file with the pragmas and
// migrations a production deployment needs.
type DB struct {
	*sql.DB
	fs fsutil.FileSystem
}

// Open opens (and, if necessary, creates) a SQLite database at path,
// applies the standard pragmas, and runs migrations up to the latest
// version.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := security.ValidatePathWithinAllowedDirs(path, []string{".", os.TempDir()}); err != nil {
			return nil, fmt.Errorf("sqlite: refusing to open %q: %w", path, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	db := &DB{DB: sqlDB, fs: fsutil.OSFileSystem{}}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	migFS, err := db.migrationsFS()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(migFS); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// applyPragmas applies the essential SQLite PRAGMAs for WAL
// concurrency and read/write latency.
func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) migrationsFS() (fs.FS, error) {
	if DevMode {
		dir := "internal/storage/sqlite/migrations"
		if !db.fs.Exists(dir) {
			return nil, fmt.Errorf("sqlite: dev-mode migrations directory %q not found", dir)
		}
		return os.DirFS(dir), nil
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlite: sub-filesystem for embedded migrations: %w", err)
	}
	return sub, nil
}
