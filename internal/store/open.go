// Package store implements the Persistent Store component of spec.md §4.2:
// two isolated SQLite-backed schemas ("sandbox" and "oci"), opened and
// migrated to head independently. The sandboxdb and ocidb subpackages hold
// the schema-specific query methods; this file holds the shared
// open-and-migrate plumbing both call into.
//
// Grounded on servin/pkg/state and servin/pkg/image, which each resolve a
// platform-specific data directory and lazily create it before touching a
// file; generalized here from flat JSON files to a SQLite database file
// plus golang-migrate schema migrations (github.com/golang-migrate/
// migrate/v4, modernc.org/sqlite — see DESIGN.md for grounding).
package store

import (
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/microsandbox/msb/internal/msberr"
)

// Open creates the parent directory for path if needed, opens (creating if
// absent) a SQLite database, and migrates it to head using the embedded
// migrations rooted at "migrations" inside migrationsFS. It is safe to call
// concurrently from multiple processes; SQLite's own file locking
// serializes the migration.
func Open(path string, migrationsFS fs.FS) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "store-open", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, msberr.Wrap(err, msberr.Database, "store-open", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if err := migrateToHead(db, migrationsFS); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrateToHead(db *sql.DB, migrationsFS fs.FS) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "store-migrate", "open migration source")
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "store-migrate", "init driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "store-migrate", "init migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return msberr.Wrap(err, msberr.Database, "store-migrate", "apply migrations")
	}
	return nil
}
