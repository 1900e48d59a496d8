// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"regexp"
	"sync/atomic"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/storage"
)

// DefaultOverlapWindow bounds the scanner's carry buffer when no pattern
// declares a max length. Matches longer than the window are not guaranteed
// across chunk seams.
const DefaultOverlapWindow = 4096

type compiledPattern struct {
	id     uint
	re     *regexp.Regexp
	minLen int
	maxLen int
}

// Database is an immutable compiled pattern set stamped with a version.
// Patterns are partitioned into per-direction sub-databases so direction
// filtering costs nothing at scan time. In-flight scans keep using the
// Database they captured even after the registry swaps in a newer one.
type Database struct {
	version uint64
	window  int
	client  []*compiledPattern
	server  []*compiledPattern
	ruleOf  map[uint]storage.RowID
	closed  atomic.Bool
}

// CompileDatabase builds a Database from the enabled patterns of the given
// rules. Compilation is all-or-nothing: any invalid pattern fails the whole
// build and the caller keeps its previous database.
func CompileDatabase(ruleSet []*Rule, version uint64) (*Database, error) {
	db := &Database{
		version: version,
		window:  0,
		ruleOf:  make(map[uint]storage.RowID),
	}
	var nextID uint
	unbounded := false
	for _, rule := range ruleSet {
		if !rule.Enabled {
			continue
		}
		for _, pattern := range rule.Patterns {
			cp, err := compilePattern(pattern, nextID)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation,
					"rule %q pattern %q does not compile", rule.Name, pattern.Regex)
			}
			db.ruleOf[cp.id] = rule.ID
			nextID++
			switch pattern.Flags.Direction {
			case DirectionClient:
				db.client = append(db.client, cp)
			case DirectionServer:
				db.server = append(db.server, cp)
			default:
				db.client = append(db.client, cp)
				db.server = append(db.server, cp)
			}
			if cp.maxLen > 0 {
				if cp.maxLen > db.window {
					db.window = cp.maxLen
				}
			} else {
				unbounded = true
			}
		}
	}
	if unbounded || db.window < DefaultOverlapWindow {
		db.window = DefaultOverlapWindow
	}
	return db, nil
}

func compilePattern(p Pattern, id uint) (*compiledPattern, error) {
	expr := p.Regex
	if p.Flags.DotAll {
		expr = "(?s)" + expr
	}
	if p.Flags.Caseless {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &compiledPattern{
		id:     id,
		re:     re,
		minLen: p.Flags.MinLen,
		maxLen: p.Flags.MaxLen,
	}, nil
}

// Version returns the database version.
func (db *Database) Version() uint64 {
	return db.version
}

// RuleOf translates an internal pattern id back to its owning rule.
func (db *Database) RuleOf(patternID uint) (storage.RowID, bool) {
	id, ok := db.ruleOf[patternID]
	return id, ok
}

// PatternCount returns how many compiled patterns the database holds.
func (db *Database) PatternCount() int {
	return len(db.ruleOf)
}

// Close marks the database unusable. Scans in progress observe this on
// their next chunk and abort; only shutdown calls it.
func (db *Database) Close() {
	db.closed.Store(true)
}

func (db *Database) patternsFor(direction Direction) []*compiledPattern {
	if direction == DirectionServer {
		return db.server
	}
	return db.client
}
