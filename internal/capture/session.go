// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture ingests packets into the assembler: uploaded or local pcap
// files replayed offline, live interface captures recorded to disk, and a
// watched drop directory.
package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"
	"github.com/gopacket/gopacket/pcapgo"

	"acheron.dev/acheron/internal/assembly"
	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/storage"
)

const (
	defaultFlushEvery = 30 * time.Second
	liveSnaplen       = 65535
	maxUploadBytes    = 1 << 30
)

// The classic pcap magics (both endiannesses, with and without nanosecond
// timestamps) plus the pcapng section header.
var captureMagics = [][]byte{
	{0xa1, 0xb2, 0xc3, 0xd4},
	{0xd4, 0xc3, 0xb2, 0xa1},
	{0xa1, 0xb2, 0x3c, 0x4d},
	{0x4d, 0x3c, 0xb2, 0xa1},
	{0x0a, 0x0d, 0x0d, 0x0a},
}

func validCaptureMagic(head []byte) bool {
	for _, magic := range captureMagics {
		if bytes.HasPrefix(head, magic) {
			return true
		}
	}
	return false
}

// Config tunes the capture manager.
type Config struct {
	// PcapsDir is where capture files live. Uploads, imported files and live
	// recordings all end up here.
	PcapsDir string
	// FlushEvery is how much packet time may pass between idle-flow sweeps
	// during a replay. Live captures sweep on the wall clock instead.
	FlushEvery time.Duration
}

// Manager owns capture sessions. Replays run one goroutine per session; the
// assembler serializes per-flow work internally.
type Manager struct {
	store     *storage.Store
	assembler *assembly.Assembler
	metrics   *metrics.Metrics
	logger    *logging.Logger
	cfg       Config

	mu   sync.Mutex
	live map[storage.RowID]*liveCapture
	wg   sync.WaitGroup
}

type liveCapture struct {
	handle *pcap.Handle
	stop   chan struct{}
	once   sync.Once
}

// NewManager creates a Manager and its pcaps directory.
func NewManager(store *storage.Store, assembler *assembly.Assembler, m *metrics.Metrics,
	cfg Config, logger *logging.Logger) (*Manager, error) {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if err := os.MkdirAll(cfg.PcapsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "create pcaps dir %s", cfg.PcapsDir)
	}
	return &Manager{
		store:     store,
		assembler: assembler,
		metrics:   m,
		logger:    logger.WithComponent("capture"),
		cfg:       cfg,
		live:      make(map[storage.RowID]*liveCapture),
	}, nil
}

// UploadSession stores an uploaded capture and replays it. The first bytes
// must carry a pcap or pcapng magic.
func (m *Manager) UploadSession(ctx context.Context, upload io.Reader, flushAll bool) (*storage.PcapSession, error) {
	path := filepath.Join(m.cfg.PcapsDir, uuid.New().String()+".pcap")
	out, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "store upload")
	}
	size, err := io.Copy(out, io.LimitReader(upload, maxUploadBytes))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, errors.KindUnavailable, "store upload")
	}
	sess, err := m.startReplay(ctx, path, size, flushAll, "upload")
	if err != nil {
		os.Remove(path)
	}
	return sess, err
}

// FileSession imports a capture already on disk. The file is copied into the
// pcaps directory; deleteOriginal removes the source after the copy.
func (m *Manager) FileSession(ctx context.Context, srcPath string, deleteOriginal, flushAll bool) (*storage.PcapSession, error) {
	return m.fileSession(ctx, srcPath, deleteOriginal, flushAll, "file")
}

func (m *Manager) fileSession(ctx context.Context, srcPath string, deleteOriginal, flushAll bool,
	source string) (*storage.PcapSession, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.KindNotFound, "no such capture file: %s", srcPath)
		}
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open capture file %s", srcPath)
	}
	defer src.Close()

	path := filepath.Join(m.cfg.PcapsDir, uuid.New().String()+filepath.Ext(srcPath))
	out, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "copy capture file")
	}
	size, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, errors.KindUnavailable, "copy capture file")
	}

	sess, err := m.startReplay(ctx, path, size, flushAll, source)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if deleteOriginal {
		if err := os.Remove(srcPath); err != nil {
			m.logger.Warn("could not delete original capture", "path", srcPath, "error", err)
		}
	}
	return sess, nil
}

func (m *Manager) startReplay(ctx context.Context, path string, size int64, flushAll bool,
	source string) (*storage.PcapSession, error) {
	head := make([]byte, 4)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open capture")
	}
	_, err = io.ReadFull(f, head)
	f.Close()
	if err != nil || !validCaptureMagic(head) {
		return nil, errors.New(errors.KindValidation, "not a pcap or pcapng file")
	}

	sess := &storage.PcapSession{
		ID:                m.store.NextRowID(),
		StartedAt:         time.Now(),
		Size:              size,
		PacketsPerService: make(map[uint16]uint64),
		FlushAll:          flushAll,
		Source:            source,
		CapturePath:       path,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	m.metrics.SessionsStarted.WithLabelValues(source).Inc()

	// The replay goroutine owns sess from here on; hand the caller a
	// detached copy so it can serialize the row without racing the counters.
	snap := sessionSnapshot(sess)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.replay(sess)
	}()
	return snap, nil
}

// sessionSnapshot copies a session row, including its per-service counter
// map, so callers never share state with a running capture goroutine.
func sessionSnapshot(sess *storage.PcapSession) *storage.PcapSession {
	snap := *sess
	snap.PacketsPerService = make(map[uint16]uint64, len(sess.PacketsPerService))
	for port, n := range sess.PacketsPerService {
		snap.PacketsPerService[port] = n
	}
	return &snap
}

// replay feeds one capture file through the assembler. Idle flows are swept
// on the packet clock so historical captures age out flows at recorded
// speed, not wall speed.
func (m *Manager) replay(sess *storage.PcapSession) {
	handle, err := pcap.OpenOffline(sess.CapturePath)
	if err != nil {
		m.logger.Error("replay open failed", "session_id", int64(sess.ID), "error", err)
		m.completeSession(sess)
		return
	}
	defer handle.Close()

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	var lastSweep, lastPacket time.Time
	for pkt := range src.Packets() {
		m.ingest(sess, pkt)
		ts := pkt.Metadata().Timestamp
		if ts.IsZero() {
			continue
		}
		lastPacket = ts
		if lastSweep.IsZero() {
			lastSweep = ts
		} else if ts.Sub(lastSweep) >= m.cfg.FlushEvery {
			m.assembler.FlushIdle(ts)
			lastSweep = ts
		}
	}

	if sess.FlushAll {
		m.assembler.FlushAll()
	} else if !lastPacket.IsZero() {
		m.assembler.FlushIdle(lastPacket)
	}
	m.completeSession(sess)
}

func (m *Manager) ingest(sess *storage.PcapSession, pkt gopacket.Packet) {
	port, ok := m.assembler.HandlePacket(pkt)
	if ok {
		sess.ProcessedPackets++
		sess.PacketsPerService[port]++
		m.metrics.PacketsProcessed.Inc()
	} else {
		sess.InvalidPackets++
		m.metrics.PacketsInvalid.Inc()
	}
}

func (m *Manager) completeSession(sess *storage.PcapSession) {
	sess.CompletedAt = time.Now()
	m.metrics.OpenFlows.Set(float64(m.assembler.OpenFlows()))
	if err := m.store.UpdateSession(context.Background(), sess); err != nil {
		m.logger.Error("session update failed", "session_id", int64(sess.ID), "error", err)
		return
	}
	m.logger.Info("capture session completed",
		"session_id", int64(sess.ID),
		"source", sess.Source,
		"processed_packets", sess.ProcessedPackets,
		"invalid_packets", sess.InvalidPackets,
		"flush_all", sess.FlushAll)
}

// LiveSession captures from a network interface until stopped, recording the
// raw packets to a pcap file in the pcaps directory.
func (m *Manager) LiveSession(ctx context.Context, iface, bpf string) (*storage.PcapSession, error) {
	handle, err := pcap.OpenLive(iface, liveSnaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open interface %s", iface)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, errors.KindValidation, "bad capture filter %q", bpf)
		}
	}

	path := filepath.Join(m.cfg.PcapsDir, uuid.New().String()+".pcap")
	out, err := os.Create(path)
	if err != nil {
		handle.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "create live recording")
	}
	writer := pcapgo.NewWriter(out)
	if err := writer.WriteFileHeader(liveSnaplen, handle.LinkType()); err != nil {
		out.Close()
		os.Remove(path)
		handle.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "create live recording")
	}

	sess := &storage.PcapSession{
		ID:                m.store.NextRowID(),
		StartedAt:         time.Now(),
		PacketsPerService: make(map[uint16]uint64),
		Source:            "live",
		CapturePath:       path,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		out.Close()
		os.Remove(path)
		handle.Close()
		return nil, err
	}
	m.metrics.SessionsStarted.WithLabelValues("live").Inc()

	lc := &liveCapture{handle: handle, stop: make(chan struct{})}
	m.mu.Lock()
	m.live[sess.ID] = lc
	m.mu.Unlock()

	snap := sessionSnapshot(sess)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer out.Close()
		defer handle.Close()
		m.captureLive(sess, lc, writer, out)
	}()
	return snap, nil
}

func (m *Manager) captureLive(sess *storage.PcapSession, lc *liveCapture,
	writer *pcapgo.Writer, out *os.File) {
	src := gopacket.NewPacketSource(lc.handle, lc.handle.LinkType())
	packets := src.Packets()
	sweep := time.NewTicker(m.cfg.FlushEvery)
	defer sweep.Stop()

	for {
		select {
		case <-lc.stop:
			m.finishLive(sess, out)
			return
		case <-sweep.C:
			m.assembler.FlushIdle(time.Now())
			m.metrics.OpenFlows.Set(float64(m.assembler.OpenFlows()))
		case pkt, ok := <-packets:
			if !ok {
				m.finishLive(sess, out)
				return
			}
			if err := writer.WritePacket(pkt.Metadata().CaptureInfo, pkt.Data()); err != nil {
				m.logger.Warn("live recording write failed",
					"session_id", int64(sess.ID), "error", err)
			}
			m.ingest(sess, pkt)
		}
	}
}

func (m *Manager) finishLive(sess *storage.PcapSession, out *os.File) {
	m.mu.Lock()
	delete(m.live, sess.ID)
	m.mu.Unlock()
	m.assembler.FlushIdle(time.Now())
	if info, err := out.Stat(); err == nil {
		sess.Size = info.Size()
	}
	m.completeSession(sess)
}

// StopSession ends a live capture.
func (m *Manager) StopSession(id storage.RowID) error {
	m.mu.Lock()
	lc, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no running live session: %d", id)
	}
	lc.once.Do(func() { close(lc.stop) })
	return nil
}

// SessionFile returns the on-disk capture of a completed or running session,
// for download.
func (m *Manager) SessionFile(ctx context.Context, id storage.RowID) (string, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.CapturePath == "" {
		return "", errors.Errorf(errors.KindNotFound, "session %d has no capture file", id)
	}
	if _, err := os.Stat(sess.CapturePath); err != nil {
		return "", errors.Errorf(errors.KindNotFound, "capture file for session %d is gone", id)
	}
	return sess.CapturePath, nil
}

// Sessions lists all sessions, newest first.
func (m *Manager) Sessions(ctx context.Context) ([]*storage.PcapSession, error) {
	return m.store.ListSessions(ctx)
}

// Session returns one session row.
func (m *Manager) Session(ctx context.Context, id storage.RowID) (*storage.PcapSession, error) {
	return m.store.GetSession(ctx, id)
}

// Close stops live captures and waits for running replays to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, lc := range m.live {
		lc.once.Do(func() { close(lc.stop) })
	}
	m.mu.Unlock()
	m.wg.Wait()
}
