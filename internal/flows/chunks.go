// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"acheron.dev/acheron/internal/assembly"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
)

// splitHalf cuts one half-stream into storage chunks of at most maxChunk
// payload bytes. Block metadata follows the cut: a block spanning a boundary
// continues in the next chunk with its timestamp and loss flag repeated.
// Matches keep their flow-global offsets and land on the chunk containing
// their start.
func splitHalf(half assembly.HalfStream, matches []rules.Match, maxChunk int) []*storage.ConnectionStream {
	if len(half.Data) == 0 {
		return nil
	}
	var chunks []*storage.ConnectionStream
	for off := 0; off < len(half.Data); off += maxChunk {
		end := off + maxChunk
		if end > len(half.Data) {
			end = len(half.Data)
		}
		cs := &storage.ConnectionStream{
			DocumentIndex: len(chunks),
			Payload:       half.Data[off:end],
		}
		for i, b := range half.Blocks {
			blockEnd := len(half.Data)
			if i < len(half.Blocks)-1 {
				blockEnd = half.Blocks[i+1].Start
			}
			if blockEnd <= off || b.Start >= end {
				continue
			}
			start := b.Start
			if start < off {
				start = off
			}
			cs.BlocksIndexes = append(cs.BlocksIndexes, start-off)
			cs.BlocksTimestamps = append(cs.BlocksTimestamps, b.Timestamp)
			cs.BlocksLoss = append(cs.BlocksLoss, b.Loss)
		}
		for _, m := range matches {
			if m.Start < uint64(off) || m.Start >= uint64(end) {
				continue
			}
			if cs.PatternMatches == nil {
				cs.PatternMatches = make(map[uint][]storage.PatternSlice)
			}
			cs.PatternMatches[m.PatternID] = append(cs.PatternMatches[m.PatternID],
				storage.PatternSlice{m.Start, m.End})
		}
		chunks = append(chunks, cs)
	}
	return chunks
}
