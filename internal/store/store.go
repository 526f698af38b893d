// Package store is the SQLite-backed persistence layer (spec §4.2): a
// single database with jails/images/containers tables, JSON-encoded
// columns for nested structures, and CRUD operations that open short
// connections against a shared pool. Grounded on the reference pack's
// jordigilh-kubernaut stack, the one repo in the pack with a real SQL
// driver (go-sqlite3, wired via database/sql) rather than a
// document/KV store like the teacher's own bbolt-backed database.go.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/2a46m4/kawakaze/internal/dockerfile"
	"github.com/2a46m4/kawakaze/internal/types"
)

// ErrorCode enumerates the store's closed error taxonomy (§7).
type ErrorCode string

const (
	CodeDatabaseError      ErrorCode = "DatabaseError"
	CodeInvalidState       ErrorCode = "InvalidState"
	CodeSerializationError ErrorCode = "SerializationError"
)

// Error is the typed error returned by store operations.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeDatabaseError, Err: err}
}

// ErrNotFound is returned by Get* when no row matches.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS jails (
	name TEXT PRIMARY KEY,
	path TEXT NOT NULL DEFAULT '',
	ipv4 TEXT NOT NULL DEFAULT '',
	vnet_interface TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL CHECK(state IN ('created','running','stopped')),
	jid INTEGER NOT NULL DEFAULT -1,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_jails_state ON jails(state);

CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	parent_id TEXT REFERENCES images(id) ON DELETE CASCADE,
	snapshot TEXT NOT NULL DEFAULT '',
	instructions TEXT NOT NULL DEFAULT '[]',
	config TEXT NOT NULL DEFAULT '{}',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL CHECK(state IN ('building','available','deleted')),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_state ON images(state);

CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE,
	image_id TEXT NOT NULL REFERENCES images(id) ON DELETE RESTRICT,
	jail_name TEXT NOT NULL UNIQUE,
	dataset TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL CHECK(state IN ('created','running','stopped','paused','removing')),
	restart_policy TEXT NOT NULL DEFAULT 'no',
	ports TEXT NOT NULL DEFAULT '[]',
	mounts TEXT NOT NULL DEFAULT '[]',
	ip TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_containers_image_id ON containers(image_id);
`

// Store is a handle to the SQLite database. It is safe to share by
// value: the embedded *sqlx.DB is itself a connection pool, and every
// operation below opens and releases a connection from it for the
// duration of a single statement or transaction, per §4.2.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite database at path and
// idempotently applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, wrapDB(err)
	}
	// short-lived-connection discipline: a single writer avoids
	// SQLITE_BUSY under the coarse manager mutex (§5) without needing
	// a busy_timeout retry loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrapDB(err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- jails ----

type jailRow struct {
	Name          string `db:"name"`
	Path          string `db:"path"`
	IPv4          string `db:"ipv4"`
	VnetInterface string `db:"vnet_interface"`
	State         string `db:"state"`
	JID           int    `db:"jid"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r jailRow) toJail() *types.Jail {
	return &types.Jail{
		Name:          r.Name,
		Path:          r.Path,
		IPv4:          r.IPv4,
		VnetInterface: r.VnetInterface,
		State:         types.JailState(r.State),
		JID:           r.JID,
		UpdatedAt:     r.UpdatedAt,
	}
}

// InsertJail inserts a new jail row.
func (s *Store) InsertJail(j *types.Jail) error {
	_, err := s.db.Exec(`INSERT INTO jails (name, path, ipv4, vnet_interface, state, jid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%s','now'))`,
		j.Name, j.Path, j.IPv4, j.VnetInterface, string(j.State), j.JID)
	return wrapDB(err)
}

// UpdateJail updates an existing jail row by name. updated_at is
// always refreshed to the current time (§4.2).
func (s *Store) UpdateJail(j *types.Jail) error {
	res, err := s.db.Exec(`UPDATE jails SET path=?, ipv4=?, vnet_interface=?, state=?, jid=?, updated_at=strftime('%s','now')
		WHERE name=?`,
		j.Path, j.IPv4, j.VnetInterface, string(j.State), j.JID, j.Name)
	if err != nil {
		return wrapDB(err)
	}
	return requireAffected(res)
}

// DeleteJail removes a jail row by name.
func (s *Store) DeleteJail(name string) error {
	_, err := s.db.Exec(`DELETE FROM jails WHERE name=?`, name)
	return wrapDB(err)
}

// GetJail fetches a jail by name.
func (s *Store) GetJail(name string) (*types.Jail, error) {
	var row jailRow
	err := s.db.Get(&row, `SELECT * FROM jails WHERE name=?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return row.toJail(), nil
}

// ListJails lists all jails.
func (s *Store) ListJails() ([]*types.Jail, error) {
	var rows []jailRow
	if err := s.db.Select(&rows, `SELECT * FROM jails ORDER BY name`); err != nil {
		return nil, wrapDB(err)
	}
	out := make([]*types.Jail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJail())
	}
	return out, nil
}

// ListJailsByState lists jails whose state matches state (supplements
// spec.md per SPEC_FULL.md, grounded on original_source/backend/src/store.rs).
func (s *Store) ListJailsByState(state types.JailState) ([]*types.Jail, error) {
	var rows []jailRow
	if err := s.db.Select(&rows, `SELECT * FROM jails WHERE state=? ORDER BY name`, string(state)); err != nil {
		return nil, wrapDB(err)
	}
	out := make([]*types.Jail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJail())
	}
	return out, nil
}

// ---- images ----

type imageRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	ParentID     sql.NullString `db:"parent_id"`
	Snapshot     string         `db:"snapshot"`
	Instructions string         `db:"instructions"`
	Config       string         `db:"config"`
	SizeBytes    uint64         `db:"size_bytes"`
	State        string         `db:"state"`
	CreatedAt    int64          `db:"created_at"`
}

func (r imageRow) toImage() (*types.Image, error) {
	var instructions []dockerfile.Instruction
	if err := json.Unmarshal([]byte(r.Instructions), &instructions); err != nil {
		return nil, &Error{Code: CodeSerializationError, Err: err}
	}
	var cfg types.ImageConfig
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, &Error{Code: CodeSerializationError, Err: err}
	}
	img := &types.Image{
		ID:           r.ID,
		Name:         r.Name,
		Snapshot:     r.Snapshot,
		Instructions: instructions,
		Config:       cfg,
		SizeBytes:    r.SizeBytes,
		State:        types.ImageState(r.State),
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.ParentID.Valid {
		img.ParentID = r.ParentID.String
	}
	return img, nil
}

// InsertImage inserts a new image row.
func (s *Store) InsertImage(img *types.Image) error {
	instrJSON, cfgJSON, err := marshalImage(img)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO images (id, name, parent_id, snapshot, instructions, config, size_bytes, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.Name, nullableString(img.ParentID), img.Snapshot, instrJSON, cfgJSON, img.SizeBytes, string(img.State), img.CreatedAt.Unix())
	return wrapDB(err)
}

// UpdateImage updates an existing image row by id.
func (s *Store) UpdateImage(img *types.Image) error {
	instrJSON, cfgJSON, err := marshalImage(img)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE images SET name=?, parent_id=?, snapshot=?, instructions=?, config=?, size_bytes=?, state=?
		WHERE id=?`,
		img.Name, nullableString(img.ParentID), img.Snapshot, instrJSON, cfgJSON, img.SizeBytes, string(img.State), img.ID)
	if err != nil {
		return wrapDB(err)
	}
	return requireAffected(res)
}

func marshalImage(img *types.Image) (instrJSON, cfgJSON string, err error) {
	instrBytes, err := json.Marshal(img.Instructions)
	if err != nil {
		return "", "", &Error{Code: CodeSerializationError, Err: err}
	}
	cfgBytes, err := json.Marshal(img.Config)
	if err != nil {
		return "", "", &Error{Code: CodeSerializationError, Err: err}
	}
	return string(instrBytes), string(cfgBytes), nil
}

// DeleteImage removes an image row by id. Cascades to any child image
// rows via the parent_id FK (§4.2); containers referencing it are
// protected by ON DELETE RESTRICT and must be removed first.
func (s *Store) DeleteImage(id string) error {
	_, err := s.db.Exec(`DELETE FROM images WHERE id=?`, id)
	return wrapDB(err)
}

// GetImage fetches an image by id.
func (s *Store) GetImage(id string) (*types.Image, error) {
	var row imageRow
	err := s.db.Get(&row, `SELECT * FROM images WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return row.toImage()
}

// ListImages lists all images.
func (s *Store) ListImages() ([]*types.Image, error) {
	var rows []imageRow
	if err := s.db.Select(&rows, `SELECT * FROM images ORDER BY created_at`); err != nil {
		return nil, wrapDB(err)
	}
	out := make([]*types.Image, 0, len(rows))
	for _, r := range rows {
		img, err := r.toImage()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// ---- containers ----

type containerRow struct {
	ID            string         `db:"id"`
	Name          sql.NullString `db:"name"`
	ImageID       string         `db:"image_id"`
	JailName      string         `db:"jail_name"`
	Dataset       string         `db:"dataset"`
	State         string         `db:"state"`
	RestartPolicy string         `db:"restart_policy"`
	Ports         string         `db:"ports"`
	Mounts        string         `db:"mounts"`
	IP            string         `db:"ip"`
	CreatedAt     int64          `db:"created_at"`
	StartedAt     sql.NullInt64  `db:"started_at"`
}

func (r containerRow) toContainer() (*types.Container, error) {
	var ports []types.PortMapping
	if err := json.Unmarshal([]byte(r.Ports), &ports); err != nil {
		return nil, &Error{Code: CodeSerializationError, Err: err}
	}
	var mounts []types.Mount
	if err := json.Unmarshal([]byte(r.Mounts), &mounts); err != nil {
		return nil, &Error{Code: CodeSerializationError, Err: err}
	}
	c := &types.Container{
		ID:            r.ID,
		ImageID:       r.ImageID,
		JailName:      r.JailName,
		Dataset:       r.Dataset,
		State:         types.ContainerState(r.State),
		RestartPolicy: types.RestartPolicy(r.RestartPolicy),
		Ports:         ports,
		Mounts:        mounts,
		IP:            r.IP,
		CreatedAt:     time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.Name.Valid {
		c.Name = r.Name.String
	}
	if r.StartedAt.Valid {
		t := time.Unix(r.StartedAt.Int64, 0).UTC()
		c.StartedAt = &t
	}
	return c, nil
}

// InsertContainer inserts a new container row.
func (s *Store) InsertContainer(c *types.Container) error {
	portsJSON, mountsJSON, err := marshalContainer(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO containers (id, name, image_id, jail_name, dataset, state, restart_policy, ports, mounts, ip, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullableString(c.Name), c.ImageID, c.JailName, c.Dataset, string(c.State), string(c.RestartPolicy),
		portsJSON, mountsJSON, c.IP, c.CreatedAt.Unix(), nullableUnixTime(c.StartedAt))
	return wrapDB(err)
}

// UpdateContainer updates an existing container row by id.
func (s *Store) UpdateContainer(c *types.Container) error {
	portsJSON, mountsJSON, err := marshalContainer(c)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE containers SET name=?, image_id=?, dataset=?, state=?, restart_policy=?, ports=?, mounts=?, ip=?, started_at=?
		WHERE id=?`,
		nullableString(c.Name), c.ImageID, c.Dataset, string(c.State), string(c.RestartPolicy),
		portsJSON, mountsJSON, c.IP, nullableUnixTime(c.StartedAt), c.ID)
	if err != nil {
		return wrapDB(err)
	}
	return requireAffected(res)
}

func marshalContainer(c *types.Container) (portsJSON, mountsJSON string, err error) {
	portsBytes, err := json.Marshal(c.Ports)
	if err != nil {
		return "", "", &Error{Code: CodeSerializationError, Err: err}
	}
	mountsBytes, err := json.Marshal(c.Mounts)
	if err != nil {
		return "", "", &Error{Code: CodeSerializationError, Err: err}
	}
	return string(portsBytes), string(mountsBytes), nil
}

// DeleteContainer removes a container row by id.
func (s *Store) DeleteContainer(id string) error {
	_, err := s.db.Exec(`DELETE FROM containers WHERE id=?`, id)
	return wrapDB(err)
}

// GetContainer fetches a container by id.
func (s *Store) GetContainer(id string) (*types.Container, error) {
	var row containerRow
	err := s.db.Get(&row, `SELECT * FROM containers WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return row.toContainer()
}

// ListContainers lists all containers.
func (s *Store) ListContainers() ([]*types.Container, error) {
	var rows []containerRow
	if err := s.db.Select(&rows, `SELECT * FROM containers ORDER BY created_at`); err != nil {
		return nil, wrapDB(err)
	}
	out := make([]*types.Container, 0, len(rows))
	for _, r := range rows {
		c, err := r.toContainer()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListContainersByImage lists containers built from imageID
// (supplements spec.md per SPEC_FULL.md, grounded on
// original_source/backend/src/store.rs).
func (s *Store) ListContainersByImage(imageID string) ([]*types.Container, error) {
	var rows []containerRow
	if err := s.db.Select(&rows, `SELECT * FROM containers WHERE image_id=? ORDER BY created_at`, imageID); err != nil {
		return nil, wrapDB(err)
	}
	out := make([]*types.Container, 0, len(rows))
	for _, r := range rows {
		c, err := r.toContainer()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnixTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
