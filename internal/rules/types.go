// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"encoding/json"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/storage"
)

// Direction restricts a pattern to one side of a flow.
type Direction int8

const (
	DirectionBoth Direction = iota
	DirectionClient
	DirectionServer
)

func (d Direction) String() string {
	switch d {
	case DirectionClient:
		return "client"
	case DirectionServer:
		return "server"
	default:
		return "both"
	}
}

// MarshalJSON serializes the direction as its name.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "client", "server" or "both".
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "client":
		*d = DirectionClient
	case "server":
		*d = DirectionServer
	case "both", "":
		*d = DirectionBoth
	default:
		return errors.Errorf(errors.KindValidation, "invalid direction: %s", s)
	}
	return nil
}

// PatternFlags tune how a pattern is compiled and reported.
type PatternFlags struct {
	Caseless  bool      `json:"caseless,omitempty"`
	DotAll    bool      `json:"dot_all,omitempty"`
	MinLen    int       `json:"min_len,omitempty"`
	MaxLen    int       `json:"max_len,omitempty"`
	Direction Direction `json:"direction"`
}

// Pattern is one byte regex within a rule.
type Pattern struct {
	Regex string       `json:"regex"`
	Flags PatternFlags `json:"flags"`
}

// Rule is a named set of patterns evaluated during scanning.
//
// Version is assigned the first time the pattern set is materialized into a
// scanner database and only ever grows.
type Rule struct {
	ID       storage.RowID `json:"id"`
	Name     string        `json:"name"`
	Color    string        `json:"color"`
	Notes    string        `json:"notes,omitempty"`
	Enabled  bool          `json:"enabled"`
	Patterns []Pattern     `json:"patterns"`
	Version  uint64        `json:"version"`
}

// Match is one pattern occurrence in flow-global offsets of the scanned side.
type Match struct {
	PatternID uint
	Start     uint64
	End       uint64
}
