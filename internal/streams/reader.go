// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package streams

import (
	"bytes"
	"context"
	"sort"
	"time"

	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/parsers"
	"acheron.dev/acheron/internal/storage"
)

const (
	initialPayloadCap = 64
	// DefaultQueryLimit bounds how many payload bytes one request walks when
	// the caller does not say.
	DefaultQueryLimit = 8024
)

// Payload is one block of one side of a connection, in arrival order.
type Payload struct {
	FromClient             bool             `json:"from_client"`
	Content                string           `json:"content"`
	Metadata               parsers.Metadata `json:"metadata"`
	IsMetadataContinuation bool             `json:"is_metadata_continuation"`
	Index                  int              `json:"index"`
	Timestamp              time.Time        `json:"timestamp"`
	IsRetransmitted        bool             `json:"is_retransmitted"`
	RegexMatches           []RegexSlice     `json:"regex_matches"`
}

// RegexSlice is a pattern match range relative to the payload it annotates.
type RegexSlice struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Query selects the window and presentation of a connection's content.
type Query struct {
	Format string
	Skip   uint64
	Limit  uint64
}

// Reader merges the persisted chunks of a connection back into the
// chronological block sequence the assembler observed.
type Reader struct {
	store        *storage.Store
	logger       *logging.Logger
	defaultLimit uint64
}

// NewReader creates a Reader. defaultLimit of 0 selects DefaultQueryLimit.
func NewReader(store *storage.Store, logger *logging.Logger, defaultLimit uint64) *Reader {
	if defaultLimit == 0 {
		defaultLimit = DefaultQueryLimit
	}
	return &Reader{
		store:        store,
		logger:       logger.WithComponent("streams"),
		defaultLimit: defaultLimit,
	}
}

// ConnectionPayloads returns the merged block sequence of a connection.
//
// Both sides are walked chunk by chunk and interleaved by block timestamp;
// ties go to the client, which sent first on connections that matter. Blocks
// are returned once the walked byte count passes q.Skip and the walk stops
// after q.Limit further bytes. Runs of consecutive same-side blocks are
// parsed as one message and the resulting metadata is attached to every
// block of the run, the first flagged as the start.
func (r *Reader) ConnectionPayloads(ctx context.Context, connectionID storage.RowID, q Query) ([]*Payload, error) {
	if _, err := r.store.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		q.Limit = r.defaultLimit
	}

	payloads := make([]*Payload, 0, initialPayloadCap)
	var clientIndex, serverIndex, globalIndex uint64

	var clientBlock, serverBlock int
	var clientDoc, serverDoc int
	clientStream, err := r.stream(ctx, connectionID, true, clientDoc)
	if err != nil {
		return nil, err
	}
	serverStream, err := r.stream(ctx, connectionID, false, serverDoc)
	if err != nil {
		return nil, err
	}

	hasClientBlocks := func() bool { return clientBlock < len(clientStream.BlocksIndexes) }
	hasServerBlocks := func() bool { return serverBlock < len(serverStream.BlocksIndexes) }

	var payload *Payload
	runBuffer := make([]*Payload, 0, 16)
	runContent := new(bytes.Buffer)
	var lastSlice []byte
	var sideChanged, lastClient, lastServer bool

	flushRun := func() {
		metadata := parsers.Parse(runContent.Bytes(), len(runBuffer) > 0 && runBuffer[0].FromClient)
		continuation := false
		for _, elem := range runBuffer {
			elem.Metadata = metadata
			elem.IsMetadataContinuation = continuation
			continuation = true
		}
		runBuffer = runBuffer[:0]
		runContent.Reset()
	}

	for !clientStream.ID.IsZero() || !serverStream.ID.IsZero() {
		if err := ctx.Err(); err != nil {
			// Serve whatever already made it past the skip window; an empty
			// prefix surfaces the cancellation instead.
			if len(payloads) == 0 {
				return payloads, err
			}
			flushRun()
			return payloads, nil
		}

		fromClient := hasClientBlocks() && (!hasServerBlocks() ||
			!clientStream.BlocksTimestamps[clientBlock].After(serverStream.BlocksTimestamps[serverBlock]))

		if fromClient {
			start, end := blockBounds(&clientStream, clientBlock)
			size := uint64(end - start)
			payload = &Payload{
				FromClient:      true,
				Content:         Decode(clientStream.Payload[start:end], q.Format),
				Index:           int(clientIndex),
				Timestamp:       clientStream.BlocksTimestamps[clientBlock],
				IsRetransmitted: clientStream.BlocksLoss[clientBlock],
				RegexMatches:    matchesBetween(clientStream.PatternMatches, clientIndex, clientIndex+size),
			}
			clientIndex += size
			globalIndex += size
			clientBlock++
			lastSlice = clientStream.Payload[start:end]
			sideChanged, lastClient, lastServer = lastServer, true, false
		} else {
			start, end := blockBounds(&serverStream, serverBlock)
			size := uint64(end - start)
			payload = &Payload{
				FromClient:      false,
				Content:         Decode(serverStream.Payload[start:end], q.Format),
				Index:           int(serverIndex),
				Timestamp:       serverStream.BlocksTimestamps[serverBlock],
				IsRetransmitted: serverStream.BlocksLoss[serverBlock],
				RegexMatches:    matchesBetween(serverStream.PatternMatches, serverIndex, serverIndex+size),
			}
			serverIndex += size
			globalIndex += size
			serverBlock++
			lastSlice = serverStream.Payload[start:end]
			sideChanged, lastClient, lastServer = lastClient, false, true
		}

		if !hasClientBlocks() {
			clientDoc++
			clientBlock = 0
			if clientStream, err = r.stream(ctx, connectionID, true, clientDoc); err != nil {
				return nil, err
			}
		}
		if !hasServerBlocks() {
			serverDoc++
			serverBlock = 0
			if serverStream, err = r.stream(ctx, connectionID, false, serverDoc); err != nil {
				return nil, err
			}
		}

		if sideChanged {
			flushRun()
		}
		runBuffer = append(runBuffer, payload)
		runContent.Write(lastSlice)

		if clientStream.ID.IsZero() && serverStream.ID.IsZero() {
			flushRun()
		}

		if globalIndex > q.Skip {
			payloads = append(payloads, payload)
		}
		if globalIndex > q.Skip+q.Limit {
			// The limit cuts the trailing run short; parse what arrived so the
			// emitted blocks still carry metadata.
			flushRun()
			return payloads, nil
		}
	}

	return payloads, nil
}

// stream fetches one chunk; a missing chunk comes back as the zero value,
// which ends the walk for that side.
func (r *Reader) stream(ctx context.Context, connectionID storage.RowID, fromClient bool,
	documentIndex int) (storage.ConnectionStream, error) {
	stream, found, err := r.store.GetStream(ctx, connectionID, fromClient, documentIndex)
	if err != nil {
		return storage.ConnectionStream{}, err
	}
	if !found {
		return storage.ConnectionStream{}, nil
	}
	return stream, nil
}

func blockBounds(stream *storage.ConnectionStream, block int) (int, int) {
	start := stream.BlocksIndexes[block]
	if block < len(stream.BlocksIndexes)-1 {
		return start, stream.BlocksIndexes[block+1]
	}
	return start, len(stream.Payload)
}

// matchesBetween projects flow-global match ranges onto the [from, to)
// window, clamped and rebased to window-relative offsets.
func matchesBetween(patternMatches map[uint][]storage.PatternSlice, from, to uint64) []RegexSlice {
	var slices []RegexSlice
	for _, ranges := range patternMatches {
		for _, r := range ranges {
			if from >= r[1] || to <= r[0] {
				continue
			}
			var start, end uint64
			if r[0] > from {
				start = r[0] - from
			}
			if to <= r[1] {
				end = to - from
			} else {
				end = r[1] - from
			}
			slices = append(slices, RegexSlice{From: start, To: end})
		}
	}
	sort.Slice(slices, func(i, j int) bool {
		if slices[i].From != slices[j].From {
			return slices[i].From < slices[j].From
		}
		return slices[i].To < slices[j].To
	})
	return slices
}
