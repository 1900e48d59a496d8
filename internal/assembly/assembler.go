// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package assembly turns captured packets into ordered, side-tagged byte
// streams. Flows are identified by their TCP 4-tuple; each flow carries two
// half-streams whose bytes are grouped into timestamped blocks.
package assembly

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"acheron.dev/acheron/internal/logging"
)

const flowShards = 16

// Endpoint is one side of a flow.
type Endpoint struct {
	IP   string
	Port uint16
}

// FlowKey identifies a flow. Client is the initiating side: the source of
// the first packet observed for the flow.
type FlowKey struct {
	Client Endpoint
	Server Endpoint
}

func (k FlowKey) reversed() FlowKey {
	return FlowKey{Client: k.Server, Server: k.Client}
}

// CompletedFlow is handed to the persister when a flow terminates.
type CompletedFlow struct {
	Key       FlowKey
	StartedAt time.Time
	LastSeen  time.Time
	Client    HalfStream
	Server    HalfStream
}

// ServicePort is the listening side of the flow: the destination port of
// its first packet.
func (cf *CompletedFlow) ServicePort() uint16 {
	return cf.Key.Server.Port
}

type flow struct {
	key          FlowKey
	halves       [2]*halfStream // 0 = client->server
	firstSeen    time.Time
	lastActivity time.Time
	rstSeen      bool
}

func (f *flow) terminated() bool {
	return f.rstSeen || (f.halves[0].finSeen && f.halves[1].finSeen)
}

type shard struct {
	mu    sync.Mutex
	flows map[FlowKey]*flow
}

// Config tunes the assembler.
type Config struct {
	// BlockGap is the time gap that starts a new block within a half-stream.
	BlockGap time.Duration
	// IdleTimeout terminates flows with no packet on either side.
	IdleTimeout time.Duration
	// OnComplete receives each terminated flow. Called synchronously from
	// the ingestion goroutine; receivers must hand off quickly.
	OnComplete func(*CompletedFlow)
}

// Assembler demultiplexes packets into flows. Operations on a given flow are
// serialized by its shard lock; distinct flows proceed in parallel.
type Assembler struct {
	cfg    Config
	logger *logging.Logger
	shards [flowShards]shard
}

// NewAssembler creates an Assembler.
func NewAssembler(cfg Config, logger *logging.Logger) *Assembler {
	if cfg.BlockGap <= 0 {
		cfg.BlockGap = 100 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	a := &Assembler{cfg: cfg, logger: logger.WithComponent("assembly")}
	for i := range a.shards {
		a.shards[i].flows = make(map[FlowKey]*flow)
	}
	return a
}

// HandlePacket ingests one captured packet. It returns the service port of
// the packet's flow and whether the packet was accepted as IP/TCP. Malformed
// packets are rejected, never propagated as errors.
func (a *Assembler) HandlePacket(pkt gopacket.Packet) (uint16, bool) {
	var srcIP, dstIP string
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return 0, false
	}
	tcp, ok := pkt.TransportLayer().(*layers.TCP)
	if !ok {
		return 0, false
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	src := Endpoint{IP: srcIP, Port: uint16(tcp.SrcPort)}
	dst := Endpoint{IP: dstIP, Port: uint16(tcp.DstPort)}
	return a.handleSegment(ts, src, dst, tcp), true
}

func (a *Assembler) handleSegment(ts time.Time, src, dst Endpoint, tcp *layers.TCP) uint16 {
	key := FlowKey{Client: src, Server: dst}
	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	f, fromClient := sh.lookup(key)
	if f == nil {
		// First packet wins: its source is the client, its destination the
		// service port.
		f = &flow{
			key:       key,
			halves:    [2]*halfStream{newHalfStream(), newHalfStream()},
			firstSeen: ts,
		}
		sh.flows[key] = f
		fromClient = true
	}

	half := f.halves[1]
	if fromClient {
		half = f.halves[0]
	}

	if tcp.SYN {
		half.syn(tcp.Seq)
	}
	if tcp.FIN {
		half.finSeen = true
	}
	if tcp.RST {
		f.rstSeen = true
	}
	if len(tcp.Payload) > 0 {
		half.segment(ts, tcp.Seq, tcp.Payload, a.cfg.BlockGap)
	}
	f.lastActivity = ts

	if f.terminated() {
		delete(sh.flows, f.key)
		a.complete(f)
	}
	return f.key.Server.Port
}

func (sh *shard) lookup(key FlowKey) (*flow, bool) {
	if f, ok := sh.flows[key]; ok {
		return f, true
	}
	if f, ok := sh.flows[key.reversed()]; ok {
		return f, false
	}
	return nil, false
}

// FlushOlderThan terminates every flow whose last activity predates cutoff.
// Capture sources call this periodically with packet-clock cutoffs so idle
// flows close even during replay of historical captures.
func (a *Assembler) FlushOlderThan(cutoff time.Time) int {
	flushed := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for key, f := range sh.flows {
			if f.lastActivity.Before(cutoff) {
				delete(sh.flows, key)
				a.complete(f)
				flushed++
			}
		}
		sh.mu.Unlock()
	}
	return flushed
}

// FlushAll force-terminates every open flow, regardless of FIN/idle state.
func (a *Assembler) FlushAll() int {
	return a.FlushOlderThan(farFuture)
}

// FlushIdle applies the configured idle timeout against now.
func (a *Assembler) FlushIdle(now time.Time) int {
	return a.FlushOlderThan(now.Add(-a.cfg.IdleTimeout))
}

// OpenFlows reports how many flows are still in memory.
func (a *Assembler) OpenFlows() int {
	n := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		n += len(sh.flows)
		sh.mu.Unlock()
	}
	return n
}

var farFuture = time.Unix(1<<48, 0)

func (a *Assembler) complete(f *flow) {
	if a.cfg.OnComplete == nil {
		return
	}
	cf := &CompletedFlow{
		Key:       f.key,
		StartedAt: f.firstSeen,
		LastSeen:  f.lastActivity,
		Client:    f.halves[0].snapshot(),
		Server:    f.halves[1].snapshot(),
	}
	a.cfg.OnComplete(cf)
}

func (a *Assembler) shardFor(key FlowKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Client.IP))
	h.Write([]byte(key.Server.IP))
	h.Write([]byte{byte(key.Client.Port), byte(key.Client.Port >> 8),
		byte(key.Server.Port), byte(key.Server.Port >> 8)})
	// XOR-fold so both directions of a flow land on the same shard.
	sum := h.Sum32()
	rh := fnv.New32a()
	rh.Write([]byte(key.Server.IP))
	rh.Write([]byte(key.Client.IP))
	rh.Write([]byte{byte(key.Server.Port), byte(key.Server.Port >> 8),
		byte(key.Client.Port), byte(key.Client.Port >> 8)})
	return &a.shards[(sum^rh.Sum32())%flowShards]
}
