// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package storage

import (
	"context"
	"time"

	"acheron.dev/acheron/internal/errors"
)

// InsertStreams writes all chunks of both sides of a connection in one
// transaction, so a reader that sees the connection row sees every chunk.
func (s *Store) InsertStreams(ctx context.Context, streams []*ConnectionStream) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "insert streams")
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO connection_streams (
			id, connection_id, from_client, document_index, payload,
			blocks_indexes, blocks_timestamps, blocks_loss, pattern_matches
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return storeErr(err, "insert streams")
	}
	defer stmt.Close()

	for _, cs := range streams {
		indexes, timestamps, loss, matches, err := encodeStreamColumns(cs)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, int64(cs.ID), int64(cs.ConnectionID),
			boolToInt(cs.FromClient), cs.DocumentIndex, cs.Payload,
			indexes, timestamps, loss, matches); err != nil {
			tx.Rollback()
			return storeErr(err, "insert streams")
		}
	}
	return storeErr(tx.Commit(), "insert streams")
}

// GetStream loads one chunk of one side. The bool result is false when the
// side has no chunk at that index.
func (s *Store) GetStream(ctx context.Context, connectionID RowID, fromClient bool,
	documentIndex int) (ConnectionStream, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, from_client, document_index, payload,
			blocks_indexes, blocks_timestamps, blocks_loss, pattern_matches
		FROM connection_streams
		WHERE connection_id = ? AND from_client = ? AND document_index = ?`,
		int64(connectionID), boolToInt(fromClient), documentIndex)
	cs, err := scanStream(row)
	if err != nil {
		if errors.GetKind(storeErr(err, "")) == errors.KindNotFound {
			return ConnectionStream{}, false, nil
		}
		return ConnectionStream{}, false, storeErr(err, "get stream")
	}
	return cs, true, nil
}

// StreamsForConnection returns every chunk of a connection ordered by side
// and document index.
func (s *Store) StreamsForConnection(ctx context.Context, connectionID RowID) ([]ConnectionStream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, from_client, document_index, payload,
			blocks_indexes, blocks_timestamps, blocks_loss, pattern_matches
		FROM connection_streams
		WHERE connection_id = ?
		ORDER BY from_client DESC, document_index ASC`, int64(connectionID))
	if err != nil {
		return nil, storeErr(err, "streams for connection")
	}
	defer rows.Close()

	var result []ConnectionStream
	for rows.Next() {
		cs, err := scanStream(rows)
		if err != nil {
			return nil, storeErr(err, "streams for connection")
		}
		result = append(result, cs)
	}
	return result, storeErr(rows.Err(), "streams for connection")
}

// DeleteStreams removes every chunk of a connection. Used to back out chunks
// when finalization loses a race on the connection row.
func (s *Store) DeleteStreams(ctx context.Context, connectionID RowID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM connection_streams WHERE connection_id = ?`, int64(connectionID))
	return storeErr(err, "delete streams")
}

// UpdateStreamMatches rewrites the pattern match side-channel of one chunk
// after a re-scan.
func (s *Store) UpdateStreamMatches(ctx context.Context, id RowID, matches map[uint][]PatternSlice) error {
	data, err := marshalJSON(matches)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE connection_streams SET pattern_matches = ? WHERE id = ?`, data, int64(id))
	return storeErr(err, "update stream matches")
}

func encodeStreamColumns(cs *ConnectionStream) (indexes, timestamps, loss, matches string, err error) {
	if len(cs.BlocksIndexes) != len(cs.BlocksTimestamps) || len(cs.BlocksIndexes) != len(cs.BlocksLoss) {
		return "", "", "", "", errors.Errorf(errors.KindInternal,
			"block array length mismatch: %d/%d/%d",
			len(cs.BlocksIndexes), len(cs.BlocksTimestamps), len(cs.BlocksLoss))
	}
	nanos := make([]int64, len(cs.BlocksTimestamps))
	for i, ts := range cs.BlocksTimestamps {
		nanos[i] = ts.UnixNano()
	}
	if indexes, err = marshalJSON(cs.BlocksIndexes); err != nil {
		return
	}
	if timestamps, err = marshalJSON(nanos); err != nil {
		return
	}
	if loss, err = marshalJSON(cs.BlocksLoss); err != nil {
		return
	}
	pm := cs.PatternMatches
	if pm == nil {
		pm = map[uint][]PatternSlice{}
	}
	matches, err = marshalJSON(pm)
	return
}

func scanStream(row rowScanner) (ConnectionStream, error) {
	var cs ConnectionStream
	var id, connID int64
	var fromClient int
	var indexes, timestamps, loss, matches string
	err := row.Scan(&id, &connID, &fromClient, &cs.DocumentIndex, &cs.Payload,
		&indexes, &timestamps, &loss, &matches)
	if err != nil {
		return cs, err
	}
	cs.ID = RowID(id)
	cs.ConnectionID = RowID(connID)
	cs.FromClient = fromClient != 0
	if err := unmarshalJSON(indexes, &cs.BlocksIndexes); err != nil {
		return cs, err
	}
	var nanos []int64
	if err := unmarshalJSON(timestamps, &nanos); err != nil {
		return cs, err
	}
	cs.BlocksTimestamps = make([]time.Time, len(nanos))
	for i, n := range nanos {
		cs.BlocksTimestamps[i] = time.Unix(0, n)
	}
	if err := unmarshalJSON(loss, &cs.BlocksLoss); err != nil {
		return cs, err
	}
	cs.PatternMatches = map[uint][]PatternSlice{}
	if err := unmarshalJSON(matches, &cs.PatternMatches); err != nil {
		return cs, err
	}
	if len(cs.BlocksIndexes) != len(cs.BlocksTimestamps) || len(cs.BlocksIndexes) != len(cs.BlocksLoss) {
		return cs, errors.Errorf(errors.KindInternal,
			"block array length mismatch in stream %d", cs.ID)
	}
	return cs, nil
}
