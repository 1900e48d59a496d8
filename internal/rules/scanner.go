// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"bytes"
	"io"
	"sort"

	"acheron.dev/acheron/internal/errors"
)

const scanChunkSize = 32 * 1024

// Scan evaluates every pattern of the database's sub-database for direction
// over the byte stream, reporting matches with offsets relative to the start
// of the scan. Bytes may arrive in arbitrary chunk sizes; a carry window of
// db.window bytes is kept across chunk seams so boundary-crossing matches
// are still found. Memory use is bounded by the chunk size plus the window,
// independent of input length.
func Scan(db *Database, direction Direction, r io.Reader) ([]Match, error) {
	patterns := db.patternsFor(direction)
	if len(patterns) == 0 {
		return nil, nil
	}

	var (
		matches []Match
		window  []byte
		base    uint64 // global offset of window[0]
		lastEnd = make(map[uint]uint64, len(patterns))
		chunk   = make([]byte, scanChunkSize)
	)

	for {
		if db.closed.Load() {
			return nil, errors.New(errors.KindUnavailable, "rule database closed mid-scan")
		}
		n, err := r.Read(chunk)
		if n > 0 {
			window = append(window, chunk[:n]...)
			for _, cp := range patterns {
				for _, loc := range cp.re.FindAllIndex(window, -1) {
					start := base + uint64(loc[0])
					end := base + uint64(loc[1])
					length := int(end - start)
					if cp.minLen > 0 && length < cp.minLen {
						continue
					}
					if cp.maxLen > 0 && length > cp.maxLen {
						continue
					}
					// Windows only move forward, so a per-pattern high-water
					// mark both dedupes seam re-finds and keeps ranges
					// non-overlapping per pattern id.
					if prev, seen := lastEnd[cp.id]; seen && start < prev {
						continue
					}
					lastEnd[cp.id] = end
					matches = append(matches, Match{PatternID: cp.id, Start: start, End: end})
				}
			}
			if len(window) > db.window {
				drop := len(window) - db.window
				base += uint64(drop)
				window = append(window[:0], window[drop:]...)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "scan source read failed")
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].PatternID < matches[j].PatternID
	})
	return matches, nil
}

// ScanBytes scans a fully buffered side.
func ScanBytes(db *Database, direction Direction, data []byte) ([]Match, error) {
	return Scan(db, direction, bytes.NewReader(data))
}
