// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package storage

import (
	"context"
	"time"

	"acheron.dev/acheron/internal/errors"
)

// InsertSession persists a new capture session row.
func (s *Store) InsertSession(ctx context.Context, sess *PcapSession) error {
	services, err := marshalJSON(sess.PacketsPerService)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pcap_sessions (
			id, started_at, completed_at, size, processed_packets, invalid_packets,
			packets_per_service, flush_all, source, capture_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(sess.ID), sess.StartedAt.UnixNano(), nanosOrZero(sess.CompletedAt),
		sess.Size, sess.ProcessedPackets, sess.InvalidPackets,
		services, boolToInt(sess.FlushAll), sess.Source, sess.CapturePath)
	return storeErr(err, "insert session")
}

// UpdateSession rewrites counters and completion state of a session row.
func (s *Store) UpdateSession(ctx context.Context, sess *PcapSession) error {
	services, err := marshalJSON(sess.PacketsPerService)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE pcap_sessions SET completed_at = ?, size = ?, processed_packets = ?,
			invalid_packets = ?, packets_per_service = ?
		WHERE id = ?`,
		nanosOrZero(sess.CompletedAt), sess.Size, sess.ProcessedPackets,
		sess.InvalidPackets, services, int64(sess.ID))
	return storeErr(err, "update session")
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id RowID) (*PcapSession, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, int64(id))
	sess, err := scanSession(row)
	if err != nil {
		return nil, storeErr(err, "get session")
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*PcapSession, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` ORDER BY id DESC`)
	if err != nil {
		return nil, storeErr(err, "list sessions")
	}
	defer rows.Close()

	var result []*PcapSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(err, "list sessions")
		}
		result = append(result, sess)
	}
	return result, storeErr(rows.Err(), "list sessions")
}

const selectSession = `
	SELECT id, started_at, completed_at, size, processed_packets, invalid_packets,
		packets_per_service, flush_all, source, capture_path
	FROM pcap_sessions`

func scanSession(row rowScanner) (*PcapSession, error) {
	var sess PcapSession
	var id, startedAt, completedAt int64
	var services string
	var flushAll int
	err := row.Scan(&id, &startedAt, &completedAt, &sess.Size,
		&sess.ProcessedPackets, &sess.InvalidPackets, &services,
		&flushAll, &sess.Source, &sess.CapturePath)
	if err != nil {
		return nil, err
	}
	sess.ID = RowID(id)
	sess.StartedAt = time.Unix(0, startedAt)
	if completedAt != 0 {
		sess.CompletedAt = time.Unix(0, completedAt)
	}
	sess.FlushAll = flushAll != 0
	sess.PacketsPerService = map[uint16]uint64{}
	if err := unmarshalJSON(services, &sess.PacketsPerService); err != nil {
		return nil, err
	}
	return &sess, nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// SaveSettings stores the runtime settings document (single row).
func (s *Store) SaveSettings(ctx context.Context, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	return storeErr(err, "save settings")
}

// LoadSettings reads the settings document into v. The bool result is false
// when setup has never run.
func (s *Store) LoadSettings(ctx context.Context, v any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.GetKind(storeErr(err, "")) == errors.KindNotFound {
			return false, nil
		}
		return false, storeErr(err, "load settings")
	}
	return true, unmarshalJSON(data, v)
}
