// Package ocidb implements the "oci" schema of the Persistent Store
// (spec.md §4.2, §3): images, manifests, configs, layers, and the
// manifest-layer join, shared by the Registry Client (writer) and the
// Sandbox Runner (reader, for layer-digest resolution).
package ocidb

import (
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the oci.db connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) and migrates the oci database at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path, migrationsFS)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Image is spec.md §3's Image entity.
type Image struct {
	ID        int64
	Reference string
	TotalSize int64
	LastUsed  time.Time
}

// Layer is spec.md §3's Layer entity.
type Layer struct {
	ID        int64
	MediaType string
	Digest    string
	DiffID    string
	Size      int64
}

// Config is spec.md §3's Config entity (JSON blobs kept as raw strings so
// callers can unmarshal into whatever OCI image-spec type they need).
type Config struct {
	ID            int64
	ManifestID    int64
	Architecture  string
	OS            string
	Env           json.RawMessage
	Cmd           json.RawMessage
	Entrypoint    json.RawMessage
	Volumes       json.RawMessage
	ExposedPorts  json.RawMessage
	WorkingDir    string
	User          string
	RootFSType    string
	DiffIDs       json.RawMessage
	History       json.RawMessage
}

// SaveOrGetImage upserts an image row by reference, returning its id. Image
// rows are never mutated except last_used (spec.md §3 Lifecycles), so a
// second call simply bumps last_used and returns the existing id.
func (s *Store) SaveOrGetImage(reference string, totalSize int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO images (reference, total_size, last_used) VALUES (?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET last_used = excluded.last_used
	`, reference, totalSize, now)
	if err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-or-get-image", reference)
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM images WHERE reference = ?`, reference).Scan(&id); err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-or-get-image", reference)
	}
	return id, nil
}

// TouchImageLastUsed updates only the last-used timestamp.
func (s *Store) TouchImageLastUsed(reference string) error {
	_, err := s.db.Exec(`UPDATE images SET last_used = ? WHERE reference = ?`,
		time.Now().UTC().Format(time.RFC3339), reference)
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "touch-image-last-used", reference)
	}
	return nil
}

// SaveManifest inserts a manifest row for imageID (optionally linked to an
// index row), returning its id.
func (s *Store) SaveManifest(imageID int64, indexID *int64, schemaVersion int, mediaType, annotationsJSON string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO manifests (image_id, index_id, schema_version, media_type, annotations)
		VALUES (?, ?, ?, ?, ?)
	`, imageID, indexID, schemaVersion, mediaType, annotationsJSON)
	if err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-manifest", mediaType)
	}
	return res.LastInsertId()
}

// SaveIndex inserts an index row for imageID, returning its id.
func (s *Store) SaveIndex(imageID int64, schemaVersion int, mediaType, os, arch, variant, annotationsJSON string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO indexes (image_id, schema_version, media_type, os, arch, variant, annotations)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, imageID, schemaVersion, mediaType, os, arch, variant, annotationsJSON)
	if err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-index", mediaType)
	}
	return res.LastInsertId()
}

// SaveConfig upserts the 1:1 config row for manifestID.
func (s *Store) SaveConfig(manifestID int64, cfg Config) error {
	_, err := s.db.Exec(`
		INSERT INTO configs
			(manifest_id, architecture, os, env, cmd, entrypoint, volumes, exposed_ports, working_dir, user, rootfs_type, diff_ids, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(manifest_id) DO UPDATE SET
			architecture = excluded.architecture, os = excluded.os, env = excluded.env,
			cmd = excluded.cmd, entrypoint = excluded.entrypoint, volumes = excluded.volumes,
			exposed_ports = excluded.exposed_ports, working_dir = excluded.working_dir,
			user = excluded.user, rootfs_type = excluded.rootfs_type, diff_ids = excluded.diff_ids,
			history = excluded.history
	`, manifestID, cfg.Architecture, cfg.OS, nullJSON(cfg.Env), nullJSON(cfg.Cmd), nullJSON(cfg.Entrypoint),
		nullJSON(cfg.Volumes), nullJSON(cfg.ExposedPorts), cfg.WorkingDir, cfg.User, cfg.RootFSType,
		nullJSON(cfg.DiffIDs), nullJSON(cfg.History))
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "save-config", "")
	}
	return nil
}

func nullJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// SaveOrUpdateLayer upserts by digest. Implements spec.md §4.2.
func (s *Store) SaveOrUpdateLayer(mediaType, digest string, size int64, diffID string) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO layers (media_type, digest, diff_id, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET media_type = excluded.media_type, diff_id = excluded.diff_id, size = excluded.size
	`, mediaType, digest, diffID, size)
	if err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-or-update-layer", digest)
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM layers WHERE digest = ?`, digest).Scan(&id); err != nil {
		return 0, msberr.Wrap(err, msberr.Database, "save-or-update-layer", digest)
	}
	return id, nil
}

// GetLayer returns a layer row by digest, or nil if absent.
func (s *Store) GetLayer(digest string) (*Layer, error) {
	var l Layer
	err := s.db.QueryRow(`SELECT id, media_type, digest, diff_id, size FROM layers WHERE digest = ?`, digest).
		Scan(&l.ID, &l.MediaType, &l.Digest, &l.DiffID, &l.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, msberr.Wrap(err, msberr.Database, "get-layer", digest)
	}
	return &l, nil
}

// SaveManifestLayer writes a join row preserving base-first ordering. Join
// rows are written for every layer up-front, before any blob download
// begins (spec.md §4.3 step 4), so a crash mid-pull still links correctly.
func (s *Store) SaveManifestLayer(manifestID, layerID int64, position int) error {
	_, err := s.db.Exec(`
		INSERT INTO manifest_layers (manifest_id, layer_id, position) VALUES (?, ?, ?)
		ON CONFLICT(manifest_id, position) DO UPDATE SET layer_id = excluded.layer_id
	`, manifestID, layerID, position)
	if err != nil {
		return msberr.Wrap(err, msberr.Database, "save-manifest-layer", "")
	}
	return nil
}

// GetImageLayerDigests returns the ordered (base→top) layer digests for an
// image reference, per spec.md §4.2.
func (s *Store) GetImageLayerDigests(reference string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT l.digest
		FROM images i
		JOIN manifests m ON m.image_id = i.id
		JOIN manifest_layers ml ON ml.manifest_id = m.id
		JOIN layers l ON l.id = ml.layer_id
		WHERE i.reference = ?
		ORDER BY ml.position ASC
	`, reference)
	if err != nil {
		return nil, msberr.Wrap(err, msberr.Database, "get-image-layer-digests", reference)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, msberr.Wrap(err, msberr.Database, "get-image-layer-digests", reference)
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// GetImageByReference returns the image row, or nil if not yet pulled.
func (s *Store) GetImageByReference(reference string) (*Image, error) {
	var img Image
	var lastUsed string
	err := s.db.QueryRow(`SELECT id, reference, total_size, last_used FROM images WHERE reference = ?`, reference).
		Scan(&img.ID, &img.Reference, &img.TotalSize, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, msberr.Wrap(err, msberr.Database, "get-image-by-reference", reference)
	}
	img.LastUsed, _ = time.Parse(time.RFC3339, lastUsed)
	return &img, nil
}
