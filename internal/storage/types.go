// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package storage

import "time"

// RowID is the globally ordered primary key for every persisted entity.
// The zero value means "no row".
type RowID int64

// IsZero reports whether the id is unset.
func (id RowID) IsZero() bool {
	return id == 0
}

// PatternSlice is a [start, end) byte range in flow-global offsets of one
// stream side.
type PatternSlice [2]uint64

// RuleRow is the persisted form of a scanning rule. The pattern set is kept
// as an opaque JSON document; the rules package owns its shape.
type RuleRow struct {
	ID       RowID  `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Notes    string `json:"notes,omitempty"`
	Enabled  bool   `json:"enabled"`
	Patterns []byte `json:"-"`
	Version  uint64 `json:"version"`
}

// Connection is one row per terminated TCP flow.
type Connection struct {
	ID              RowID     `json:"id"`
	SourceIP        string    `json:"ip_src"`
	SourcePort      uint16    `json:"port_src"`
	DestinationIP   string    `json:"ip_dst"`
	DestinationPort uint16    `json:"port_dst"`
	StartedAt       time.Time `json:"started_at"`
	ClosedAt        time.Time `json:"closed_at"`
	ClientBytes     int       `json:"client_bytes"`
	ServerBytes     int       `json:"server_bytes"`
	ClientDocuments int       `json:"client_documents"`
	ServerDocuments int       `json:"server_documents"`
	ProcessedAt     time.Time `json:"processed_at"`
	MatchedRules    []RowID   `json:"matched_rules"`
	RulesVersion    uint64    `json:"rules_version"`
	ServicePort     uint16    `json:"service_port"`
	ClientCountry   string    `json:"client_country,omitempty"`
	Marked          bool      `json:"marked"`
	Hidden          bool      `json:"hidden"`
}

// Duration returns the wall-clock length of the flow.
func (c *Connection) Duration() time.Duration {
	return c.ClosedAt.Sub(c.StartedAt)
}

// ConnectionStream is one bounded chunk of one side of a flow.
//
// BlocksIndexes, BlocksTimestamps and BlocksLoss are parallel arrays; the
// implicit end of the last block is len(Payload). PatternMatches ranges are
// flow-global offsets of the owning side, not chunk-relative.
type ConnectionStream struct {
	ID               RowID                   `json:"id"`
	ConnectionID     RowID                   `json:"connection_id"`
	FromClient       bool                    `json:"from_client"`
	DocumentIndex    int                     `json:"document_index"`
	Payload          []byte                  `json:"payload"`
	BlocksIndexes    []int                   `json:"blocks_indexes"`
	BlocksTimestamps []time.Time             `json:"blocks_timestamps"`
	BlocksLoss       []bool                  `json:"blocks_loss"`
	PatternMatches   map[uint][]PatternSlice `json:"pattern_matches"`
}

// PcapSession tracks one ingestion run.
type PcapSession struct {
	ID                RowID             `json:"id"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
	Size              int64             `json:"size"`
	ProcessedPackets  int64             `json:"processed_packets"`
	InvalidPackets    int64             `json:"invalid_packets"`
	PacketsPerService map[uint16]uint64 `json:"packets_per_service"`
	FlushAll          bool              `json:"flush_all"`
	Source            string            `json:"source"` // upload | file | watch | live
	CapturePath       string            `json:"-"`
}

// ConnectionFilter narrows ListConnections. Nil pointer fields are not
// applied. From/To paginate by RowID as described in the HTTP API.
type ConnectionFilter struct {
	ServicePort   *uint16
	MatchedRules  []RowID
	ClientAddress string
	ClientPort    *uint16
	MinDuration   time.Duration
	MaxDuration   time.Duration
	MinBytes      *int
	MaxBytes      *int
	StartedAfter  time.Time
	StartedBefore time.Time
	ClosedAfter   time.Time
	ClosedBefore  time.Time
	Marked        *bool
	Hidden        *bool
	From          RowID
	To            RowID
	Limit         int
}
