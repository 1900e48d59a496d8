package flows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/storage"
)

func seedStoredConnection(t *testing.T, f *flowFixture, clientPort uint16, serverPayload string) storage.RowID {
	t.Helper()
	ctx := context.Background()
	conn := &storage.Connection{
		ID:              f.store.NextRowID(),
		SourceIP:        "10.60.1.2",
		SourcePort:      clientPort,
		DestinationIP:   "10.60.4.1",
		DestinationPort: 80,
		StartedAt:       flowBase,
		ClosedAt:        flowBase.Add(time.Second),
		ProcessedAt:     flowBase.Add(2 * time.Second),
		ServerBytes:     len(serverPayload),
		ServerDocuments: 1,
		ServicePort:     80,
	}
	require.NoError(t, f.store.InsertConnection(ctx, conn))
	require.NoError(t, f.store.InsertStreams(ctx, []*storage.ConnectionStream{{
		ID:               f.store.NextRowID(),
		ConnectionID:     conn.ID,
		FromClient:       false,
		DocumentIndex:    0,
		Payload:          []byte(serverPayload),
		BlocksIndexes:    []int{0},
		BlocksTimestamps: []time.Time{flowBase},
		BlocksLoss:       []bool{false},
	}}))
	return conn.ID
}

func TestRescanEager(t *testing.T) {
	f := newFlowFixture(t, PersisterConfig{Workers: 1})
	f.persister.Close()
	connID := seedStoredConnection(t, f, 40010, "the flag is CTF{abc} here")

	rescanner := NewRescanner(f.store, f.registry, f.metrics, RescanEager, testLogger())
	rescanner.Start()
	t.Cleanup(rescanner.Close)

	ruleID := f.addFlagRule(t)

	require.Eventually(t, func() bool {
		conn, err := f.store.GetConnection(context.Background(), connID)
		return err == nil && conn.RulesVersion == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := f.store.GetConnection(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, []storage.RowID{ruleID}, conn.MatchedRules)

	stream, found, err := f.store.GetStream(context.Background(), connID, false, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, stream.PatternMatches, uint(0))
	assert.Equal(t, storage.PatternSlice{12, 20}, stream.PatternMatches[uint(0)][0])
}

func TestRescanLazy(t *testing.T) {
	f := newFlowFixture(t, PersisterConfig{Workers: 1})
	f.persister.Close()
	f.addFlagRule(t)
	connID := seedStoredConnection(t, f, 40011, "CTF{zzz}")

	rescanner := NewRescanner(f.store, f.registry, f.metrics, RescanLazy, testLogger())
	rescanner.Start()
	t.Cleanup(rescanner.Close)

	rescanner.Touch(connID)

	require.Eventually(t, func() bool {
		conn, err := f.store.GetConnection(context.Background(), connID)
		return err == nil && conn.RulesVersion == 1 && len(conn.MatchedRules) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRescanOff(t *testing.T) {
	f := newFlowFixture(t, PersisterConfig{Workers: 1})
	f.persister.Close()
	f.addFlagRule(t)
	connID := seedStoredConnection(t, f, 40012, "CTF{zzz}")

	rescanner := NewRescanner(f.store, f.registry, f.metrics, RescanOff, testLogger())
	rescanner.Start()
	rescanner.Touch(connID)
	rescanner.Close()

	conn, err := f.store.GetConnection(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), conn.RulesVersion)
	assert.Empty(t, conn.MatchedRules)
}

func TestRescanSkipsCurrentConnections(t *testing.T) {
	f := newFlowFixture(t, PersisterConfig{Workers: 1})
	f.addFlagRule(t)

	// Persisted after the rule existed: already at version 1.
	f.persister.Enqueue(testFlow(40013, "hi", "CTF{abc}"))
	f.persister.Close()
	conn := f.onlyConnection(t)

	rescanner := NewRescanner(f.store, f.registry, f.metrics, RescanEager, testLogger())
	rescanner.Start()
	rescanner.Close()

	after, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.RulesVersion, after.RulesVersion)
	assert.Equal(t, conn.MatchedRules, after.MatchedRules)
}

func testLogger() *logging.Logger {
	return logging.New(logging.DefaultConfig())
}
