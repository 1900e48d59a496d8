// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package storage

import (
	"context"

	"acheron.dev/acheron/internal/errors"
)

// InsertRule persists a new rule row. A duplicate name is a Conflict.
func (s *Store) InsertRule(ctx context.Context, r *RuleRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, color, notes, enabled, patterns, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(r.ID), r.Name, r.Color, r.Notes, boolToInt(r.Enabled), string(r.Patterns), r.Version)
	if isUniqueViolation(err) {
		return errors.Errorf(errors.KindConflict, "duplicate rule name: %s", r.Name)
	}
	return storeErr(err, "insert rule")
}

// UpdateRule rewrites an existing rule row.
func (s *Store) UpdateRule(ctx context.Context, r *RuleRow) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET name = ?, color = ?, notes = ?, enabled = ?, patterns = ?, version = ?
		WHERE id = ?`,
		r.Name, r.Color, r.Notes, boolToInt(r.Enabled), string(r.Patterns), r.Version, int64(r.ID))
	if isUniqueViolation(err) {
		return errors.Errorf(errors.KindConflict, "duplicate rule name: %s", r.Name)
	}
	if err != nil {
		return storeErr(err, "update rule")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf(errors.KindNotFound, "no such rule: %d", r.ID)
	}
	return nil
}

// GetRule loads one rule row by id.
func (s *Store) GetRule(ctx context.Context, id RowID) (*RuleRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, color, notes, enabled, patterns, version FROM rules WHERE id = ?`, int64(id))
	r, err := scanRule(row)
	if err != nil {
		return nil, storeErr(err, "get rule")
	}
	return r, nil
}

// ListRules returns every rule row ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]*RuleRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, color, notes, enabled, patterns, version FROM rules ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr(err, "list rules")
	}
	defer rows.Close()

	var result []*RuleRow
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, storeErr(err, "list rules")
		}
		result = append(result, r)
	}
	return result, storeErr(rows.Err(), "list rules")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*RuleRow, error) {
	var r RuleRow
	var id int64
	var enabled int
	var patterns string
	if err := row.Scan(&id, &r.Name, &r.Color, &r.Notes, &enabled, &patterns, &r.Version); err != nil {
		return nil, err
	}
	r.ID = RowID(id)
	r.Enabled = enabled != 0
	r.Patterns = []byte(patterns)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
