// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package assembly

import (
	"time"
)

// maxPendingSegments bounds out-of-order buffering per half-stream. Segments
// beyond the cap are dropped and show up as a gap when (if) the hole fills.
const maxPendingSegments = 256

// Block is a contiguous run of bytes within a half-stream sharing one
// timestamp and one retransmission flag.
type Block struct {
	Start     int
	Timestamp time.Time
	Loss      bool
}

// HalfStream is the reassembled byte stream of one direction of a flow.
type HalfStream struct {
	Data   []byte
	Blocks []Block
}

// halfStream accumulates one direction of a live flow.
type halfStream struct {
	data   []byte
	blocks []Block

	expected uint32 // next expected sequence number
	seqValid bool
	pending  map[uint32]pendingSegment // out-of-order segments keyed by seq

	lastData     time.Time // capture time of the last data packet
	finSeen      bool
	retransCarry bool // retransmission seen while no block was open
}

// pendingSegment is a parked out-of-order segment together with its own
// capture time, which drives block splitting once the hole fills.
type pendingSegment struct {
	data []byte
	ts   time.Time
}

func newHalfStream() *halfStream {
	return &halfStream{}
}

// syn primes the sequence tracker from a SYN (or SYN-ACK).
func (h *halfStream) syn(seq uint32) {
	if !h.seqValid {
		h.expected = seq + 1
		h.seqValid = true
	}
}

// segment ingests one TCP payload. Retransmitted bytes are delivered once;
// the block covering them carries the loss flag instead.
func (h *halfStream) segment(ts time.Time, seq uint32, payload []byte, gap time.Duration) {
	if len(payload) == 0 {
		return
	}
	if !h.seqValid {
		// Mid-stream pickup: trust the first segment we see.
		h.expected = seq
		h.seqValid = true
	}

	diff := int32(seq - h.expected)
	switch {
	case diff == 0:
		h.appendBytes(ts, payload, false, gap)
		h.expected += uint32(len(payload))
	case diff < 0:
		overlap := int(-diff)
		if overlap >= len(payload) {
			// Pure retransmission, nothing new.
			h.markRetransmission()
			return
		}
		h.appendBytes(ts, payload[overlap:], true, gap)
		h.expected += uint32(len(payload) - overlap)
	default:
		// Future segment; park it until the hole fills.
		if len(h.pending) < maxPendingSegments {
			if h.pending == nil {
				h.pending = make(map[uint32]pendingSegment)
			}
			buf := make([]byte, len(payload))
			copy(buf, payload)
			h.pending[seq] = pendingSegment{data: buf, ts: ts}
		}
		return
	}
	h.drainPending(gap)
}

// drainPending replays parked segments that have become deliverable, each
// stamped with its own capture time.
func (h *halfStream) drainPending(gap time.Duration) {
	for {
		progressed := false
		for seq, seg := range h.pending {
			diff := int32(seq - h.expected)
			if diff > 0 {
				continue
			}
			delete(h.pending, seq)
			if overlap := int(-diff); overlap < len(seg.data) {
				retrans := overlap > 0
				h.appendBytes(seg.ts, seg.data[overlap:], retrans, gap)
				h.expected += uint32(len(seg.data) - overlap)
			} else {
				h.markRetransmission()
			}
			progressed = true
			break
		}
		if !progressed {
			return
		}
	}
}

// appendBytes adds delivered bytes, opening a new block when the time gap
// since the previous data packet exceeds the configured threshold.
func (h *halfStream) appendBytes(ts time.Time, payload []byte, retrans bool, gap time.Duration) {
	retrans = retrans || h.retransCarry
	h.retransCarry = false

	if len(h.blocks) == 0 || ts.Sub(h.lastData) > gap {
		h.blocks = append(h.blocks, Block{
			Start:     len(h.data),
			Timestamp: ts,
			Loss:      retrans,
		})
	} else if retrans {
		h.blocks[len(h.blocks)-1].Loss = true
	}
	h.data = append(h.data, payload...)
	h.lastData = ts
}

// markRetransmission flags the block the retransmitted bytes belong to; if
// no block is open yet the flag is carried into the next one.
func (h *halfStream) markRetransmission() {
	if len(h.blocks) > 0 {
		h.blocks[len(h.blocks)-1].Loss = true
		return
	}
	h.retransCarry = true
}

// snapshot freezes the half-stream for hand-off to the persister.
func (h *halfStream) snapshot() HalfStream {
	return HalfStream{
		Data:   h.data,
		Blocks: h.blocks,
	}
}
