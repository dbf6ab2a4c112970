// Package sandboxdb implements the "sandbox" schema of the Persistent Store
// (spec.md §4.2): running-instance bookkeeping shared by the Sandbox Runner
// (writer) and Orchestra (reader).
package sandboxdb

import (
	"database/sql"
	"embed"
	"time"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sandbox.db connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) and migrates the sandbox database at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path, migrationsFS)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Status constants (spec.md §3 "Sandbox Record").
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusExited  = "exited"
)

// SandboxRow is spec.md §3's "Sandbox Record".
type SandboxRow struct {
	ID                 int64
	Name               string
	ConfigFile         string
	ConfigLastModified string // RFC 3339
	Status             string
	SupervisorPID      int
	MicroVMPID         int
	RootfsPaths        string // "native:<path>" or "overlayfs:<p1>:<p2>:..."
	CreatedAt          time.Time
	ModifiedAt         time.Time
}

// SaveOrUpdateSandbox upserts by (name, config_file), returning the row id.
// On update it refreshes modified_at. Implements spec.md §4.2.
func (s *Store) SaveOrUpdateSandbox(name, configFile, configLastModified, status string, supervisorPID, microVMPID int, rootfsPaths string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(`
		INSERT INTO sandboxes
			(name, config_file, config_last_modified, status, supervisor_pid, microvm_pid, rootfs_paths, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, config_file) DO UPDATE SET
			config_last_modified = excluded.config_last_modified,
			status               = excluded.status,
			supervisor_pid       = excluded.supervisor_pid,
			microvm_pid          = excluded.microvm_pid,
			rootfs_paths         = excluded.rootfs_paths,
			modified_at          = excluded.modified_at
	`, name, configFile, configLastModified, status, supervisorPID, microVMPID, rootfsPaths, now, now)
	if err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-or-update-sandbox", name)
	}

	// SQLite only reports LastInsertId for the INSERT path (the UPDATE path
	// leaves an earlier insert's rowid in place), so the row is always
	// looked up explicitly.
	var id int64
	row := s.db.QueryRow(`SELECT id FROM sandboxes WHERE name = ? AND config_file = ?`, name, configFile)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, msberr.Wrap(scanErr, msberr.Database, "save-or-update-sandbox", name)
	}
	return id, nil
}

// GetRunningConfigSandboxes returns running rows for a given config file,
// newest first.
func (s *Store) GetRunningConfigSandboxes(configFile string) ([]SandboxRow, error) {
	return s.query(`
		SELECT id, name, config_file, config_last_modified, status, supervisor_pid, microvm_pid, rootfs_paths, created_at, modified_at
		FROM sandboxes
		WHERE config_file = ? AND status = ?
		ORDER BY created_at DESC
	`, configFile, StatusRunning)
}

// GetSandbox returns the row for (name, configFile), or nil if absent.
func (s *Store) GetSandbox(name, configFile string) (*SandboxRow, error) {
	rows, err := s.query(`
		SELECT id, name, config_file, config_last_modified, status, supervisor_pid, microvm_pid, rootfs_paths, created_at, modified_at
		FROM sandboxes WHERE name = ? AND config_file = ?
	`, name, configFile)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpdateStatus sets a sandbox row's status (used by Orchestra.Down to mark
// a stopped sandbox).
func (s *Store) UpdateStatus(name, configFile, status string) error {
	_, err := s.db.Exec(`UPDATE sandboxes SET status = ?, modified_at = ? WHERE name = ? AND config_file = ?`,
		status, time.Now().UTC().Format(time.RFC3339), name, configFile)
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "update-status", name)
	}
	return nil
}

// DeleteSandbox removes a sandbox's row, used by menv clean.
func (s *Store) DeleteSandbox(name, configFile string) error {
	_, err := s.db.Exec(`DELETE FROM sandboxes WHERE name = ? AND config_file = ?`, name, configFile)
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "delete-sandbox", name)
	}
	return nil
}

func (s *Store) query(q string, args ...any) ([]SandboxRow, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, msberr.Wrap(err, msberr.Database, "query-sandboxes", q)
	}
	defer rows.Close()

	var out []SandboxRow
	for rows.Next() {
		var r SandboxRow
		var created, modified string
		if err := rows.Scan(&r.ID, &r.Name, &r.ConfigFile, &r.ConfigLastModified, &r.Status,
			&r.SupervisorPID, &r.MicroVMPID, &r.RootfsPaths, &created, &modified); err != nil {
			return nil, msberr.Wrap(err, msberr.Database, "scan-sandbox", "")
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.ModifiedAt, _ = time.Parse(time.RFC3339, modified)
		out = append(out, r)
	}
	return out, rows.Err()
}
