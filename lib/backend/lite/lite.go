// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package lite implements the storage backend on SQLite. It is the
// durable single-node backend spyglassd runs with in production.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/spyglasshq/spyglass/lib/backend"
)

// GetName returns the name the backend registers under in the storage
// config.
func GetName() string {
	return "sqlite"
}

const (
	// dbFileName is the database file created inside Config.Path.
	dbFileName = "sqlite.db"

	// defaultBusyTimeout is how long a locked database stalls a query
	// before it fails with ErrBusy.
	defaultBusyTimeout = 10 * time.Second

	defaultJournalMode = "WAL"
	defaultSyncMode    = "NORMAL"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
    key TEXT NOT NULL PRIMARY KEY,
    value BLOB,
    revision TEXT NOT NULL
);`

// Config holds SQLite backend settings.
type Config struct {
	// Path is the directory the database file lives in.
	Path string `yaml:"path,omitempty"`
	// Memory runs the database in process memory, for tests.
	Memory bool `yaml:"memory,omitempty"`
	// BusyTimeout overrides the lock wait timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
	// Journal overrides the journal mode, WAL by default.
	Journal string `yaml:"journal,omitempty"`
	// Sync overrides the synchronous pragma, NORMAL by default.
	Sync string `yaml:"sync,omitempty"`
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock `yaml:"-"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if !cfg.Memory && cfg.Path == "" {
		return trace.BadParameter("specify directory path to the database using Path config variable")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	if cfg.Journal == "" {
		cfg.Journal = defaultJournalMode
	}
	if cfg.Sync == "" {
		cfg.Sync = defaultSyncMode
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// connectionURI returns the mattn/go-sqlite3 DSN for the config.
func (cfg *Config) connectionURI() string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds()))
	if cfg.Memory {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return fmt.Sprintf("file:sqlite-%v?%v", uuid.NewString(), params.Encode())
	}
	params.Set("_journal", cfg.Journal)
	params.Set("_sync", cfg.Sync)
	return fmt.Sprintf("file:%v?%v", filepath.Join(cfg.Path, dbFileName), params.Encode())
}

// Backend is the SQLite storage backend.
type Backend struct {
	Config
	db *sql.DB
}

// New opens or creates the database and prepares the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.Memory {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.connectionURI())
	if err != nil {
		return nil, trace.Wrap(err, "error opening URI %v", cfg.connectionURI())
	}
	// serialize all access to avoid SQLITE_BUSY on concurrent writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	return &Backend{Config: cfg, db: db}, nil
}

// GetName returns the implementation name.
func (l *Backend) GetName() string {
	return GetName()
}

// Clock returns the clock used by this backend.
func (l *Backend) Clock() clockwork.Clock {
	return l.Config.Clock
}

// Close closes the database.
func (l *Backend) Close() error {
	return trace.Wrap(l.db.Close())
}

// Create creates an item if it does not exist.
func (l *Backend) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	i.Revision = backend.CreateRevision()
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO kv(key, value, revision) VALUES(?, ?, ?)",
		string(i.Key), i.Value, i.Revision)
	if err != nil {
		err = convertError(err)
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
		}
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// Put puts an item into the backend, creating it if needed.
func (l *Backend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	i.Revision = backend.CreateRevision()
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv(key, value, revision) VALUES(?, ?, ?)",
		string(i.Key), i.Value, i.Revision)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// Update updates an existing item.
func (l *Backend) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	i.Revision = backend.CreateRevision()
	result, err := l.db.ExecContext(ctx,
		"UPDATE kv SET value = ?, revision = ? WHERE key = ?",
		i.Value, i.Revision, string(i.Key))
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if affected == 0 {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// ConditionalUpdate updates an existing item if its stored revision
// matches the revision of i.
func (l *Backend) ConditionalUpdate(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Revision == "" {
		return nil, trace.Wrap(backend.ErrIncorrectRevision)
	}
	newRevision := backend.CreateRevision()
	result, err := l.db.ExecContext(ctx,
		"UPDATE kv SET value = ?, revision = ? WHERE key = ? AND revision = ?",
		i.Value, newRevision, string(i.Key), i.Revision)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if affected == 0 {
		return nil, trace.Wrap(backend.ErrIncorrectRevision)
	}
	return &backend.Lease{Key: i.Key, Revision: newRevision}, nil
}

// Get returns a single item or NotFound.
func (l *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	item := backend.Item{Key: key}
	err := l.db.QueryRowContext(ctx,
		"SELECT value, revision FROM kv WHERE key = ?", string(key)).
		Scan(&item.Value, &item.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, trace.Wrap(convertError(err))
	}
	return &item, nil
}

// GetRange returns items in the [startKey, endKey] range, both inclusive.
func (l *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	if limit == backend.NoLimit {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT key, value, revision FROM kv WHERE key >= ? AND key <= ? ORDER BY key LIMIT ?",
		string(startKey), string(endKey), limit)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()

	var result backend.GetResult
	for rows.Next() {
		var item backend.Item
		var key string
		if err := rows.Scan(&key, &item.Value, &item.Revision); err != nil {
			return nil, trace.Wrap(err)
		}
		item.Key = []byte(key)
		result.Items = append(result.Items, item)
	}
	return &result, trace.Wrap(rows.Err())
}

// Delete deletes an item by key.
func (l *Backend) Delete(ctx context.Context, key []byte) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		return l.deleteInTransaction(ctx, key, tx)
	})
}

// DeleteRange deletes all items in the [startKey, endKey] range, both
// inclusive.
func (l *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key >= ? AND key <= ?",
		string(startKey), string(endKey))
	return trace.Wrap(convertError(err))
}

// getInTransaction fetches the item at key inside the transaction.
func (l *Backend) getInTransaction(ctx context.Context, key []byte, tx *sql.Tx, item *backend.Item) error {
	item.Key = key
	err := tx.QueryRowContext(ctx,
		"SELECT value, revision FROM kv WHERE key = ?", string(key)).
		Scan(&item.Value, &item.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("key %q is not found", string(key))
		}
		return trace.Wrap(convertError(err))
	}
	return nil
}

// putInTransaction upserts the item inside the transaction.
func (l *Backend) putInTransaction(ctx context.Context, i backend.Item, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv(key, value, revision) VALUES(?, ?, ?)",
		string(i.Key), i.Value, i.Revision)
	return trace.Wrap(convertError(err))
}

// deleteInTransaction deletes the item at key inside the transaction.
func (l *Backend) deleteInTransaction(ctx context.Context, key []byte, tx *sql.Tx) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", string(key))
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if affected == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// inTransaction runs f inside a transaction, committing on success and
// rolling back on error.
func (l *Backend) inTransaction(ctx context.Context, f func(tx *sql.Tx) error) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && err == nil {
			err = trace.Wrap(convertError(rbErr))
		}
	}()
	if err := f(tx); err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return trace.Wrap(convertError(err))
	}
	committed = true
	return nil
}

// convertError maps driver errors onto the trace taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("%s", err.Error())
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return trace.AlreadyExists("%s", err.Error())
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return trace.ConnectionProblem(err, "database is locked")
		}
	}
	return err
}
