// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package storage

import (
	"context"
	"time"

	"acheron.dev/acheron/internal/errors"
)

const defaultConnectionLimit = 50

// InsertConnection persists a finalized connection. The unique flow
// constraint makes a replayed finalize a Conflict, which callers treat as
// "already done".
func (s *Store) InsertConnection(ctx context.Context, c *Connection) error {
	matched, err := marshalJSON(c.MatchedRules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			id, ip_src, port_src, ip_dst, port_dst, started_at, closed_at,
			client_bytes, server_bytes, client_documents, server_documents,
			processed_at, matched_rules, rules_version, service_port,
			client_country, marked, hidden
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(c.ID), c.SourceIP, c.SourcePort, c.DestinationIP, c.DestinationPort,
		c.StartedAt.UnixNano(), c.ClosedAt.UnixNano(),
		c.ClientBytes, c.ServerBytes, c.ClientDocuments, c.ServerDocuments,
		c.ProcessedAt.UnixNano(), matched, c.RulesVersion, c.ServicePort,
		c.ClientCountry, boolToInt(c.Marked), boolToInt(c.Hidden))
	if isUniqueViolation(err) {
		return errors.Errorf(errors.KindConflict, "connection already finalized: %s:%d -> %s:%d",
			c.SourceIP, c.SourcePort, c.DestinationIP, c.DestinationPort)
	}
	return storeErr(err, "insert connection")
}

// FindConnectionByFlow returns the id of an already-finalized flow, if any.
func (s *Store) FindConnectionByFlow(ctx context.Context, ipSrc string, portSrc uint16,
	ipDst string, portDst uint16, startedAt time.Time) (RowID, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM connections
		WHERE ip_src = ? AND port_src = ? AND ip_dst = ? AND port_dst = ? AND started_at = ?`,
		ipSrc, portSrc, ipDst, portDst, startedAt.UnixNano()).Scan(&id)
	if err != nil {
		if errors.GetKind(storeErr(err, "")) == errors.KindNotFound {
			return 0, false, nil
		}
		return 0, false, storeErr(err, "find connection by flow")
	}
	return RowID(id), true, nil
}

// GetConnection loads one connection by id.
func (s *Store) GetConnection(ctx context.Context, id RowID) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, selectConnection+` WHERE id = ?`, int64(id))
	c, err := scanConnection(row)
	if err != nil {
		return nil, storeErr(err, "get connection")
	}
	return c, nil
}

// SetConnectionMarked toggles the marked flag.
func (s *Store) SetConnectionMarked(ctx context.Context, id RowID, marked bool) error {
	return s.setConnectionFlag(ctx, id, "marked", marked)
}

// SetConnectionHidden toggles the hidden flag.
func (s *Store) SetConnectionHidden(ctx context.Context, id RowID, hidden bool) error {
	return s.setConnectionFlag(ctx, id, "hidden", hidden)
}

func (s *Store) setConnectionFlag(ctx context.Context, id RowID, column string, value bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET `+column+` = ? WHERE id = ?`, boolToInt(value), int64(id))
	if err != nil {
		return storeErr(err, "set connection "+column)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf(errors.KindNotFound, "no such connection: %d", id)
	}
	return nil
}

// UpdateConnectionRules rewrites the matched-rule vector after a re-scan.
func (s *Store) UpdateConnectionRules(ctx context.Context, id RowID, matched []RowID, version uint64) error {
	data, err := marshalJSON(matched)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE connections SET matched_rules = ?, rules_version = ? WHERE id = ?`,
		data, version, int64(id))
	return storeErr(err, "update connection rules")
}

// StaleConnections lists connections scanned against a database older than
// version, oldest first.
func (s *Store) StaleConnections(ctx context.Context, version uint64) ([]RowID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM connections WHERE rules_version < ? ORDER BY id ASC`, version)
	if err != nil {
		return nil, storeErr(err, "stale connections")
	}
	defer rows.Close()

	var ids []RowID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(err, "stale connections")
		}
		ids = append(ids, RowID(id))
	}
	return ids, storeErr(rows.Err(), "stale connections")
}

// ListConnections applies the filter and pagination rules of the HTTP API:
// `from` pages forward (ascending), `to` pages backward (descending),
// otherwise the most recent rows come first.
func (s *Store) ListConnections(ctx context.Context, f ConnectionFilter) ([]*Connection, error) {
	query := selectConnection + ` WHERE 1=1`
	var args []any

	if f.ServicePort != nil {
		query += ` AND service_port = ?`
		args = append(args, *f.ServicePort)
	}
	for _, ruleID := range f.MatchedRules {
		query += ` AND EXISTS (SELECT 1 FROM json_each(connections.matched_rules) WHERE json_each.value = ?)`
		args = append(args, int64(ruleID))
	}
	if f.ClientAddress != "" {
		query += ` AND ip_src = ?`
		args = append(args, f.ClientAddress)
	}
	if f.ClientPort != nil {
		query += ` AND port_src = ?`
		args = append(args, *f.ClientPort)
	}
	if f.MinDuration > 0 {
		query += ` AND (closed_at - started_at) >= ?`
		args = append(args, f.MinDuration.Nanoseconds())
	}
	if f.MaxDuration > 0 {
		query += ` AND (closed_at - started_at) <= ?`
		args = append(args, f.MaxDuration.Nanoseconds())
	}
	if f.MinBytes != nil {
		query += ` AND (client_bytes + server_bytes) >= ?`
		args = append(args, *f.MinBytes)
	}
	if f.MaxBytes != nil {
		query += ` AND (client_bytes + server_bytes) <= ?`
		args = append(args, *f.MaxBytes)
	}
	if !f.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, f.StartedAfter.UnixNano())
	}
	if !f.StartedBefore.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, f.StartedBefore.UnixNano())
	}
	if !f.ClosedAfter.IsZero() {
		query += ` AND closed_at > ?`
		args = append(args, f.ClosedAfter.UnixNano())
	}
	if !f.ClosedBefore.IsZero() {
		query += ` AND closed_at < ?`
		args = append(args, f.ClosedBefore.UnixNano())
	}
	if f.Marked != nil {
		query += ` AND marked = ?`
		args = append(args, boolToInt(*f.Marked))
	}
	if f.Hidden != nil {
		query += ` AND hidden = ?`
		args = append(args, boolToInt(*f.Hidden))
	}

	order := ` ORDER BY id DESC`
	if !f.From.IsZero() {
		query += ` AND id > ?`
		args = append(args, int64(f.From))
		order = ` ORDER BY id ASC`
	}
	if !f.To.IsZero() {
		query += ` AND id < ?`
		args = append(args, int64(f.To))
		order = ` ORDER BY id DESC`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultConnectionLimit
	}
	query += order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list connections")
	}
	defer rows.Close()

	var result []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, storeErr(err, "list connections")
		}
		result = append(result, c)
	}
	return result, storeErr(rows.Err(), "list connections")
}

const selectConnection = `
	SELECT id, ip_src, port_src, ip_dst, port_dst, started_at, closed_at,
		client_bytes, server_bytes, client_documents, server_documents,
		processed_at, matched_rules, rules_version, service_port,
		client_country, marked, hidden
	FROM connections`

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var id, startedAt, closedAt, processedAt int64
	var matched string
	var marked, hidden int
	err := row.Scan(&id, &c.SourceIP, &c.SourcePort, &c.DestinationIP, &c.DestinationPort,
		&startedAt, &closedAt, &c.ClientBytes, &c.ServerBytes,
		&c.ClientDocuments, &c.ServerDocuments, &processedAt,
		&matched, &c.RulesVersion, &c.ServicePort, &c.ClientCountry, &marked, &hidden)
	if err != nil {
		return nil, err
	}
	c.ID = RowID(id)
	c.StartedAt = time.Unix(0, startedAt)
	c.ClosedAt = time.Unix(0, closedAt)
	c.ProcessedAt = time.Unix(0, processedAt)
	c.MatchedRules = []RowID{}
	if err := unmarshalJSON(matched, &c.MatchedRules); err != nil {
		return nil, err
	}
	c.Marked = marked != 0
	c.Hidden = hidden != 0
	return &c, nil
}
