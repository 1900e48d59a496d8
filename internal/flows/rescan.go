// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"context"
	"sort"
	"sync"

	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
)

// RescanMode selects when stored connections are re-scanned after a rules
// change.
type RescanMode string

const (
	// RescanOff never revisits stored connections.
	RescanOff RescanMode = "off"
	// RescanEager walks all stale connections as soon as the rules change.
	RescanEager RescanMode = "eager"
	// RescanLazy refreshes a connection when its streams are next read.
	RescanLazy RescanMode = "lazy"
)

const rescanQueueSize = 1024

// Rescanner refreshes the pattern matches of stored connections against the
// current rule database.
type Rescanner struct {
	store    *storage.Store
	registry *rules.Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger
	mode     RescanMode

	jobs chan storage.RowID
	wg   sync.WaitGroup

	mu      sync.Mutex
	queued  map[storage.RowID]struct{}
	started bool
}

// NewRescanner creates a Rescanner in the given mode.
func NewRescanner(store *storage.Store, registry *rules.Registry, m *metrics.Metrics,
	mode RescanMode, logger *logging.Logger) *Rescanner {
	return &Rescanner{
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger.WithComponent("rescan"),
		mode:     mode,
		jobs:     make(chan storage.RowID, rescanQueueSize),
		queued:   make(map[storage.RowID]struct{}),
	}
}

// Start hooks rule version bumps and launches the worker. In eager mode a
// bump also schedules every stale connection, including ones left over from
// a previous run.
func (r *Rescanner) Start() {
	r.registry.OnVersionBump(func(version uint64) {
		r.metrics.RulesVersion.Set(float64(version))
		if r.mode == RescanEager {
			go r.enqueueStale(version)
		}
	})
	if r.mode == RescanOff || r.mode == "" {
		return
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for connID := range r.jobs {
			r.mu.Lock()
			delete(r.queued, connID)
			r.mu.Unlock()
			if err := r.rescan(context.Background(), connID); err != nil {
				r.logger.Warn("rescan failed", "connection_id", int64(connID), "error", err)
			}
		}
	}()

	if r.mode == RescanEager {
		_, version := r.registry.CurrentDatabase()
		go r.enqueueStale(version)
	}
}

// Touch schedules a refresh for a connection about to be read. Only does
// anything in lazy mode.
func (r *Rescanner) Touch(connID storage.RowID) {
	if r.mode != RescanLazy {
		return
	}
	r.enqueue(connID)
}

// Close stops the worker after draining queued work.
func (r *Rescanner) Close() {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return
	}
	close(r.jobs)
	r.wg.Wait()
}

func (r *Rescanner) enqueueStale(version uint64) {
	ids, err := r.store.StaleConnections(context.Background(), version)
	if err != nil {
		r.logger.Warn("stale connection query failed", "error", err)
		return
	}
	if len(ids) > 0 {
		r.logger.Info("scheduling rescan", "connections", len(ids), "version", version)
	}
	for _, id := range ids {
		r.enqueue(id)
	}
}

// enqueue adds a connection unless it is already waiting. A full queue drops
// the id; eager mode will pick it up on the next version bump and lazy mode
// on the next read.
func (r *Rescanner) enqueue(connID storage.RowID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if _, waiting := r.queued[connID]; waiting {
		return
	}
	select {
	case r.jobs <- connID:
		r.queued[connID] = struct{}{}
	default:
	}
}

func (r *Rescanner) rescan(ctx context.Context, connID storage.RowID) error {
	conn, err := r.store.GetConnection(ctx, connID)
	if err != nil {
		return err
	}
	db, version := r.registry.CurrentDatabase()
	if conn.RulesVersion >= version {
		return nil
	}

	chunks, err := r.store.StreamsForConnection(ctx, connID)
	if err != nil {
		return err
	}

	var matched []storage.RowID
	for _, fromClient := range []bool{true, false} {
		direction := rules.DirectionServer
		if fromClient {
			direction = rules.DirectionClient
		}

		var side []*storage.ConnectionStream
		var data []byte
		for i := range chunks {
			if chunks[i].FromClient == fromClient {
				side = append(side, &chunks[i])
				data = append(data, chunks[i].Payload...)
			}
		}
		if len(side) == 0 {
			continue
		}

		matches, err := rules.ScanBytes(db, direction, data)
		if err != nil {
			return err
		}
		matched = append(matched, matchedRuleIDs(db, matches)...)

		base := uint64(0)
		for _, cs := range side {
			end := base + uint64(len(cs.Payload))
			updated := make(map[uint][]storage.PatternSlice)
			for _, m := range matches {
				if m.Start >= base && m.Start < end {
					updated[m.PatternID] = append(updated[m.PatternID],
						storage.PatternSlice{m.Start, m.End})
				}
			}
			if err := r.store.UpdateStreamMatches(ctx, cs.ID, updated); err != nil {
				return err
			}
			base = end
		}
	}

	if err := r.store.UpdateConnectionRules(ctx, connID, dedupeRowIDs(matched), version); err != nil {
		return err
	}
	r.metrics.RescansCompleted.Inc()
	r.logger.Debug("connection rescanned", "connection_id", int64(connID), "version", version)
	return nil
}

func dedupeRowIDs(ids []storage.RowID) []storage.RowID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[storage.RowID]struct{}, len(ids))
	var out []storage.RowID
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
