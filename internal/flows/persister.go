// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flows finalizes terminated TCP flows: scanning them against the
// rule database, cutting them into storage chunks, and writing connection
// rows. It also re-scans stored connections when rules change.
package flows

import (
	"context"
	"sort"
	"sync"
	"time"

	"acheron.dev/acheron/internal/assembly"
	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
)

const (
	defaultWorkers       = 4
	defaultQueueSize     = 512
	defaultMaxChunkBytes = 64 * 1024
	persistAttempts      = 3
	persistBackoff       = 100 * time.Millisecond
)

// Notifier pushes server events to interested clients.
type Notifier interface {
	Broadcast(event string, payload any)
}

// PersisterConfig tunes the finalize worker pool.
type PersisterConfig struct {
	Workers       int
	QueueSize     int
	MaxChunkBytes int
}

// Persister consumes completed flows and writes them to storage. Enqueue
// blocks when all workers are busy and the queue is full, which
// backpressures capture instead of dropping flows.
type Persister struct {
	store    *storage.Store
	registry *rules.Registry
	geo      Resolver
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *logging.Logger
	cfg      PersisterConfig

	jobs chan *assembly.CompletedFlow
	wg   sync.WaitGroup
}

// NewPersister creates a Persister. geo and notifier may be nil.
func NewPersister(store *storage.Store, registry *rules.Registry, geo Resolver,
	notifier Notifier, m *metrics.Metrics, cfg PersisterConfig, logger *logging.Logger) *Persister {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	return &Persister{
		store:    store,
		registry: registry,
		geo:      geo,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithComponent("flows"),
		cfg:      cfg,
		jobs:     make(chan *assembly.CompletedFlow, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (p *Persister) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for cf := range p.jobs {
				p.metrics.PersistQueueDepth.Dec()
				p.process(context.Background(), cf)
			}
		}()
	}
}

// Enqueue hands a completed flow to the pool. Safe for use as the
// assembler's completion callback.
func (p *Persister) Enqueue(cf *assembly.CompletedFlow) {
	p.metrics.PersistQueueDepth.Inc()
	p.jobs <- cf
}

// Close drains the queue and stops the workers.
func (p *Persister) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Persister) process(ctx context.Context, cf *assembly.CompletedFlow) {
	flowKV := []any{
		"client", cf.Key.Client.IP,
		"server", cf.Key.Server.IP,
		"service_port", cf.ServicePort(),
	}

	_, exists, err := p.store.FindConnectionByFlow(ctx,
		cf.Key.Client.IP, cf.Key.Client.Port,
		cf.Key.Server.IP, cf.Key.Server.Port, cf.StartedAt)
	if err != nil {
		p.logger.Error("finalize pre-check failed", append(flowKV, "error", err)...)
	}
	if exists {
		p.metrics.ConnectionsDuplicate.Inc()
		return
	}

	clientMatches, serverMatches, db, version, err := p.scanFlow(cf)
	if err != nil {
		p.logger.Error("flow scan failed", append(flowKV, "error", err)...)
		p.metrics.ConnectionsFailed.Inc()
		return
	}
	p.metrics.PatternMatches.Add(float64(len(clientMatches) + len(serverMatches)))

	clientChunks := splitHalf(cf.Client, clientMatches, p.cfg.MaxChunkBytes)
	serverChunks := splitHalf(cf.Server, serverMatches, p.cfg.MaxChunkBytes)

	conn := &storage.Connection{
		ID:              p.store.NextRowID(),
		SourceIP:        cf.Key.Client.IP,
		SourcePort:      cf.Key.Client.Port,
		DestinationIP:   cf.Key.Server.IP,
		DestinationPort: cf.Key.Server.Port,
		StartedAt:       cf.StartedAt,
		ClosedAt:        cf.LastSeen,
		ClientBytes:     len(cf.Client.Data),
		ServerBytes:     len(cf.Server.Data),
		ClientDocuments: len(clientChunks),
		ServerDocuments: len(serverChunks),
		ProcessedAt:     time.Now(),
		MatchedRules:    matchedRuleIDs(db, clientMatches, serverMatches),
		RulesVersion:    version,
		ServicePort:     cf.ServicePort(),
	}
	if p.geo != nil {
		conn.ClientCountry = p.geo.Country(conn.SourceIP)
	}

	streams := make([]*storage.ConnectionStream, 0, len(clientChunks)+len(serverChunks))
	for _, cs := range clientChunks {
		cs.ID = p.store.NextRowID()
		cs.ConnectionID = conn.ID
		cs.FromClient = true
		streams = append(streams, cs)
	}
	for _, cs := range serverChunks {
		cs.ID = p.store.NextRowID()
		cs.ConnectionID = conn.ID
		cs.FromClient = false
		streams = append(streams, cs)
	}

	if err := p.persist(ctx, conn, streams); err != nil {
		if errors.GetKind(err) == errors.KindConflict {
			p.metrics.ConnectionsDuplicate.Inc()
			return
		}
		p.logger.Error("flow persistence failed", append(flowKV, "error", err)...)
		p.metrics.ConnectionsFailed.Inc()
		return
	}

	p.metrics.ConnectionsStored.Inc()
	p.metrics.StreamChunksStored.Add(float64(len(streams)))
	p.logger.Debug("connection stored", append(flowKV,
		"connection_id", int64(conn.ID),
		"client_bytes", conn.ClientBytes,
		"server_bytes", conn.ServerBytes,
		"matched_rules", len(conn.MatchedRules))...)
	if p.notifier != nil {
		p.notifier.Broadcast("connections", conn)
	}
}

// scanFlow runs both directions against the current database. A database
// retired mid-scan is retried against the fresh one.
func (p *Persister) scanFlow(cf *assembly.CompletedFlow) (client, server []rules.Match,
	db *rules.Database, version uint64, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		db, version = p.registry.CurrentDatabase()
		client, err = rules.ScanBytes(db, rules.DirectionClient, cf.Client.Data)
		if err == nil {
			server, err = rules.ScanBytes(db, rules.DirectionServer, cf.Server.Data)
		}
		if err == nil {
			return client, server, db, version, nil
		}
		if errors.GetKind(err) != errors.KindUnavailable {
			break
		}
	}
	return nil, nil, nil, 0, err
}

// persist writes chunks then the connection row, retrying transient storage
// failures with a bounded backoff. The connection row goes last so readers
// that can see a connection always see its chunks.
func (p *Persister) persist(ctx context.Context, conn *storage.Connection, streams []*storage.ConnectionStream) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(persistBackoff << (attempt - 1))
		}
		if err = p.store.InsertStreams(ctx, streams); err != nil {
			continue
		}
		err = p.store.InsertConnection(ctx, conn)
		if err == nil {
			return nil
		}
		// Back the chunks out: on a lost finalize race the other writer's
		// copy stands, and on a transient failure the retry must not trip
		// over its own stream ids.
		if delErr := p.store.DeleteStreams(ctx, conn.ID); delErr != nil {
			p.logger.Warn("orphan chunk cleanup failed",
				"connection_id", int64(conn.ID), "error", delErr)
		}
		if errors.GetKind(err) == errors.KindConflict {
			return err
		}
	}
	return err
}

func matchedRuleIDs(db *rules.Database, matchSets ...[]rules.Match) []storage.RowID {
	seen := make(map[storage.RowID]struct{})
	for _, matches := range matchSets {
		for _, m := range matches {
			if id, ok := db.RuleOf(m.PatternID); ok {
				seen[id] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]storage.RowID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
