// Package store persists discovered devices in SQLite so accessories keep
// their identity across restarts, even when a device is offline at startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sweeney/wemo-bridge/internal/device"
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// busyTimeoutMs is the maximum time to wait for a database lock.
	busyTimeoutMs = 5000
)

// ErrNotFound is returned by Get for an unknown device.
var ErrNotFound = errors.New("device not cached")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	manufacturer   TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	model_number   TEXT NOT NULL DEFAULT '',
	serial         TEXT NOT NULL DEFAULT '',
	firmware       TEXT NOT NULL DEFAULT '',
	udn            TEXT NOT NULL DEFAULT '',
	setup_url      TEXT NOT NULL DEFAULT '',
	binary_state   TEXT NOT NULL DEFAULT '',
	bridge_id      TEXT NOT NULL DEFAULT '',
	capabilities   TEXT NOT NULL DEFAULT '[]',
	switch_mode    INTEGER NOT NULL DEFAULT 0,
	sensor_present INTEGER NOT NULL DEFAULT 0,
	sensor         INTEGER NOT NULL DEFAULT 0,
	switch         INTEGER NOT NULL DEFAULT 0,
	last_seen      TEXT NOT NULL
);`

const columns = `id, kind, name, manufacturer, model, model_number, serial, firmware,
	udn, setup_url, binary_state, bridge_id, capabilities,
	switch_mode, sensor_present, sensor, switch, last_seen`

// Cache is the SQLite device cache. It implements platform.Cache.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens or creates the cache at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMs)
	if path == ":memory:" {
		connStr = ":memory:"
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	// SQLite only supports one writer; one connection also keeps an
	// in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying cache connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Path returns the filesystem path to the database file.
func (c *Cache) Path() string { return c.path }

// Close closes the database connection.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing cache: %w", err)
	}
	return nil
}

// Save inserts or replaces the record for r.Info.ID.
func (c *Cache) Save(ctx context.Context, r device.Record) error {
	if r.Info.ID == "" {
		return errors.New("save device: empty id")
	}
	caps, err := json.Marshal(r.Info.Capabilities)
	if err != nil {
		return fmt.Errorf("marshalling capabilities: %w", err)
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}

	query := `INSERT INTO devices (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, name = excluded.name,
			manufacturer = excluded.manufacturer, model = excluded.model,
			model_number = excluded.model_number, serial = excluded.serial,
			firmware = excluded.firmware, udn = excluded.udn,
			setup_url = excluded.setup_url, binary_state = excluded.binary_state,
			bridge_id = excluded.bridge_id, capabilities = excluded.capabilities,
			switch_mode = excluded.switch_mode, sensor_present = excluded.sensor_present,
			sensor = excluded.sensor, switch = excluded.switch,
			last_seen = excluded.last_seen`

	i := r.Info
	_, err = c.db.ExecContext(ctx, query,
		i.ID, i.Kind.String(), i.Name, i.Manufacturer, i.Model, i.ModelNumber, i.Serial, i.Firmware,
		i.UDN, i.SetupURL, i.BinaryState, i.BridgeID, string(caps),
		r.Attrs.SwitchMode, boolToInt(r.Attrs.SensorPresent), r.Attrs.Sensor, r.Attrs.Switch,
		r.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", i.ID, err)
	}
	return nil
}

// Load returns every cached record ordered by id.
func (c *Cache) Load(ctx context.Context) ([]device.Record, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+columns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []device.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Get returns the record for id, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, id string) (device.Record, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+columns+` FROM devices WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Record{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (device.Record, error) {
	var (
		r             device.Record
		kind, caps    string
		sensorPresent int
		lastSeen      string
	)
	i := &r.Info
	err := s.Scan(&i.ID, &kind, &i.Name, &i.Manufacturer, &i.Model, &i.ModelNumber, &i.Serial, &i.Firmware,
		&i.UDN, &i.SetupURL, &i.BinaryState, &i.BridgeID, &caps,
		&r.Attrs.SwitchMode, &sensorPresent, &r.Attrs.Sensor, &r.Attrs.Switch, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning device: %w", err)
	}
	i.Kind = device.ParseKind(kind)
	r.Attrs.SensorPresent = sensorPresent != 0
	if err := json.Unmarshal([]byte(caps), &i.Capabilities); err != nil {
		return r, fmt.Errorf("unmarshalling capabilities of %s: %w", i.ID, err)
	}
	if r.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return r, fmt.Errorf("parsing last_seen of %s: %w", i.ID, err)
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
