// Package storage is the SQLite-backed event log, chat message store,
// notification store and room-subscription source.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("agora/storage")

// DB wraps the SQLite database for one node.
type DB struct {
	db   *sqlx.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("opened %s", path)
	return &DB{db: db, path: path}, nil
}

func migrate(db *sqlx.DB) error {
	steps := []struct {
		name string
		sql  string
	}{
		{"events", `
			CREATE TABLE IF NOT EXISTS events (
				id         TEXT PRIMARY KEY,
				type       TEXT NOT NULL,
				target     TEXT NOT NULL,
				payload    TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				origin     TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS events_target_id ON events(target, id);`},
		{"chat messages", `
			CREATE TABLE IF NOT EXISTS chat_messages (
				id         TEXT PRIMARY KEY,
				from_user  TEXT NOT NULL,
				to_user    TEXT NOT NULL DEFAULT '',
				room       TEXT NOT NULL DEFAULT '',
				body       TEXT NOT NULL,
				type       TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				delivered  INTEGER NOT NULL DEFAULT 0
			);`},
		{"notifications", `
			CREATE TABLE IF NOT EXISTS notifications (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				type       TEXT NOT NULL,
				data       TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				read       INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS notifications_user ON notifications(user_id, read);`},
		{"room subscriptions", `
			CREATE TABLE IF NOT EXISTS room_subscriptions (
				room_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (room_id, user_id)
			);`},
	}
	for _, s := range steps {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("create %s table: %w", s.name, err)
		}
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
