// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package storage persists rules, connections, stream chunks, capture
// sessions and settings in SQLite. Array- and map-valued fields are stored
// as JSON columns; every table is keyed by a RowID drawn from one
// process-wide monotonic allocator so ids are ordered across collections.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
)

// Store handles all database access.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
	nextID atomic.Int64
}

// Open opens or creates the database at path. Pass ":memory:" for tests.
func Open(path string, logger *logging.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open database")
	}
	// A single writer keeps the RowID allocator and sqlite happy.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.WithComponent("storage")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to init schema")
	}
	if err := s.seedRowIDs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		color TEXT,
		notes TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		patterns TEXT NOT NULL, -- JSON
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY,
		ip_src TEXT NOT NULL,
		port_src INTEGER NOT NULL,
		ip_dst TEXT NOT NULL,
		port_dst INTEGER NOT NULL,
		started_at INTEGER NOT NULL, -- unix nanos
		closed_at INTEGER NOT NULL,
		client_bytes INTEGER NOT NULL,
		server_bytes INTEGER NOT NULL,
		client_documents INTEGER NOT NULL,
		server_documents INTEGER NOT NULL,
		processed_at INTEGER NOT NULL,
		matched_rules TEXT NOT NULL, -- JSON array of rule ids
		rules_version INTEGER NOT NULL,
		service_port INTEGER NOT NULL,
		client_country TEXT,
		marked INTEGER NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		UNIQUE(ip_src, port_src, ip_dst, port_dst, started_at)
	);
	CREATE INDEX IF NOT EXISTS idx_connections_service ON connections(service_port);
	CREATE INDEX IF NOT EXISTS idx_connections_started ON connections(started_at);
	CREATE TABLE IF NOT EXISTS connection_streams (
		id INTEGER PRIMARY KEY,
		connection_id INTEGER NOT NULL,
		from_client INTEGER NOT NULL,
		document_index INTEGER NOT NULL,
		payload BLOB NOT NULL,
		blocks_indexes TEXT NOT NULL,     -- JSON
		blocks_timestamps TEXT NOT NULL,  -- JSON, unix nanos
		blocks_loss TEXT NOT NULL,        -- JSON
		pattern_matches TEXT NOT NULL,    -- JSON
		UNIQUE(connection_id, from_client, document_index)
	);
	CREATE TABLE IF NOT EXISTS pcap_sessions (
		id INTEGER PRIMARY KEY,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		processed_packets INTEGER NOT NULL DEFAULT 0,
		invalid_packets INTEGER NOT NULL DEFAULT 0,
		packets_per_service TEXT NOT NULL DEFAULT '{}', -- JSON
		flush_all INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		capture_path TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL -- JSON
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// seedRowIDs resumes the allocator after the largest id ever handed out, so
// RowIDs stay monotonic across restarts.
func (s *Store) seedRowIDs() error {
	var max int64
	row := s.db.QueryRow(`
		SELECT COALESCE(MAX(m), 0) FROM (
			SELECT MAX(id) AS m FROM rules
			UNION ALL SELECT MAX(id) FROM connections
			UNION ALL SELECT MAX(id) FROM connection_streams
			UNION ALL SELECT MAX(id) FROM pcap_sessions
			UNION ALL SELECT MAX(id) FROM settings
		)`)
	if err := row.Scan(&max); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to seed row ids")
	}
	s.nextID.Store(max)
	return nil
}

// NextRowID allocates a fresh RowID.
func (s *Store) NextRowID() RowID {
	return RowID(s.nextID.Add(1))
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "marshal failed")
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return errors.Wrap(err, errors.KindInternal, fmt.Sprintf("corrupt JSON column: %.40s", data))
	}
	return nil
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Errorf(errors.KindNotFound, "%s: no such row", op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.KindUnavailable, op)
	}
	if errors.GetKind(err) != errors.KindUnknown {
		return err
	}
	return errors.Wrap(err, errors.KindUnavailable, op)
}
