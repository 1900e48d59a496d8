package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/parsers"
	"acheron.dev/acheron/internal/storage"
)

var testBase = time.Unix(1700000000, 0)

type testBlock struct {
	start int
	ts    time.Time
	loss  bool
}

func newTestReader(t *testing.T) (*Reader, *storage.Store) {
	t.Helper()
	logger := logging.New(logging.DefaultConfig())
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewReader(store, logger, 0), store
}

func seedConnection(t *testing.T, store *storage.Store) storage.RowID {
	t.Helper()
	conn := &storage.Connection{
		ID:              store.NextRowID(),
		SourceIP:        "10.60.1.2",
		SourcePort:      40000,
		DestinationIP:   "10.60.4.1",
		DestinationPort: 80,
		StartedAt:       testBase,
		ClosedAt:        testBase.Add(time.Second),
		ProcessedAt:     testBase.Add(2 * time.Second),
		ServicePort:     80,
	}
	require.NoError(t, store.InsertConnection(context.Background(), conn))
	return conn.ID
}

func seedStream(t *testing.T, store *storage.Store, connID storage.RowID, fromClient bool,
	doc int, payload string, blocks []testBlock, matches map[uint][]storage.PatternSlice) {
	t.Helper()
	cs := &storage.ConnectionStream{
		ID:             store.NextRowID(),
		ConnectionID:   connID,
		FromClient:     fromClient,
		DocumentIndex:  doc,
		Payload:        []byte(payload),
		PatternMatches: matches,
	}
	for _, b := range blocks {
		cs.BlocksIndexes = append(cs.BlocksIndexes, b.start)
		cs.BlocksTimestamps = append(cs.BlocksTimestamps, b.ts)
		cs.BlocksLoss = append(cs.BlocksLoss, b.loss)
	}
	require.NoError(t, store.InsertStreams(context.Background(), []*storage.ConnectionStream{cs}))
}

func TestConnectionPayloadsMergesSides(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	request := "GET /flag HTTP/1.1\r\nHost: x\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	seedStream(t, store, connID, true, 0, request,
		[]testBlock{{start: 0, ts: testBase}},
		map[uint][]storage.PatternSlice{0: {{5, 9}}})
	seedStream(t, store, connID, false, 0, response,
		[]testBlock{{start: 0, ts: testBase.Add(10 * time.Millisecond)}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	assert.True(t, payloads[0].FromClient)
	assert.Equal(t, request, payloads[0].Content)
	assert.False(t, payloads[0].IsMetadataContinuation)
	req, ok := payloads[0].Metadata.(*parsers.HTTPRequestMetadata)
	require.True(t, ok)
	assert.Equal(t, "GET", req.Method)
	require.Len(t, payloads[0].RegexMatches, 1)
	assert.Equal(t, RegexSlice{From: 5, To: 9}, payloads[0].RegexMatches[0])

	assert.False(t, payloads[1].FromClient)
	resp, ok := payloads[1].Metadata.(*parsers.HTTPResponseMetadata)
	require.True(t, ok)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, "hello", resp.Body)
}

func TestConnectionPayloadsClientWinsTies(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "ping",
		[]testBlock{{start: 0, ts: testBase}}, nil)
	seedStream(t, store, connID, false, 0, "pong",
		[]testBlock{{start: 0, ts: testBase}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.True(t, payloads[0].FromClient)
	assert.Equal(t, "ping", payloads[0].Content)
	assert.False(t, payloads[1].FromClient)
}

func TestConnectionPayloadsMetadataContinuation(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	// One HTTP request split over two client blocks before the server talks.
	seedStream(t, store, connID, true, 0, "GET /x HTTP/1.1\r\nHost: y\r\n\r\n",
		[]testBlock{
			{start: 0, ts: testBase},
			{start: 9, ts: testBase.Add(time.Millisecond)},
		}, nil)
	seedStream(t, store, connID, false, 0, "HTTP/1.1 404 Not Found\r\n\r\n",
		[]testBlock{{start: 0, ts: testBase.Add(50 * time.Millisecond)}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 3)

	req, ok := payloads[0].Metadata.(*parsers.HTTPRequestMetadata)
	require.True(t, ok)
	assert.Equal(t, "/x", req.URL)
	assert.False(t, payloads[0].IsMetadataContinuation)

	assert.Same(t, payloads[0].Metadata, payloads[1].Metadata)
	assert.True(t, payloads[1].IsMetadataContinuation)

	resp, ok := payloads[2].Metadata.(*parsers.HTTPResponseMetadata)
	require.True(t, ok)
	assert.Equal(t, 404, resp.StatusCode)
	assert.False(t, payloads[2].IsMetadataContinuation)
}

func TestConnectionPayloadsWalksDocuments(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "AB",
		[]testBlock{{start: 0, ts: testBase}}, nil)
	seedStream(t, store, connID, true, 1, "CD",
		[]testBlock{{start: 0, ts: testBase.Add(time.Millisecond)}}, nil)
	seedStream(t, store, connID, false, 0, "EF",
		[]testBlock{{start: 0, ts: testBase.Add(time.Second)}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, "AB", payloads[0].Content)
	assert.Equal(t, "CD", payloads[1].Content)
	assert.Equal(t, "EF", payloads[2].Content)
	assert.False(t, payloads[2].FromClient)
}

func TestConnectionPayloadsMatchesRebasedPerChunk(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	// Second chunk of the client side; flow-global offsets continue from the
	// first chunk, so a match at global [12, 16) sits at [2, 6) here.
	seedStream(t, store, connID, true, 0, "0123456789",
		[]testBlock{{start: 0, ts: testBase}}, nil)
	seedStream(t, store, connID, true, 1, "xxFLAGxx",
		[]testBlock{{start: 0, ts: testBase.Add(time.Millisecond)}},
		map[uint][]storage.PatternSlice{3: {{12, 16}}})

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Empty(t, payloads[0].RegexMatches)
	require.Len(t, payloads[1].RegexMatches, 1)
	assert.Equal(t, RegexSlice{From: 2, To: 6}, payloads[1].RegexMatches[0])
}

func TestConnectionPayloadsSkipAndLimit(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "aaaabbbbcccc",
		[]testBlock{
			{start: 0, ts: testBase},
			{start: 4, ts: testBase.Add(time.Second)},
			{start: 8, ts: testBase.Add(2 * time.Second)},
		}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{Skip: 4})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, "bbbb", payloads[0].Content)

	payloads, err = reader.ConnectionPayloads(context.Background(), connID, Query{Limit: 4})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, "aaaa", payloads[0].Content)
	assert.Equal(t, "bbbb", payloads[1].Content)
}

func TestConnectionPayloadsFormat(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "ab",
		[]testBlock{{start: 0, ts: testBase}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{Format: "hex"})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "6162", payloads[0].Content)
}

func TestConnectionPayloadsRetransmissionFlag(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "lostlost",
		[]testBlock{
			{start: 0, ts: testBase, loss: true},
			{start: 4, ts: testBase.Add(time.Second)},
		}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.True(t, payloads[0].IsRetransmitted)
	assert.False(t, payloads[1].IsRetransmitted)
}

func TestConnectionPayloadsIndexesSpanDocuments(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	// Two client chunks; block indexes must keep counting across the
	// chunk boundary instead of restarting at zero.
	seedStream(t, store, connID, true, 0, "aaaabbbb",
		[]testBlock{
			{start: 0, ts: testBase},
			{start: 4, ts: testBase.Add(time.Millisecond)},
		}, nil)
	seedStream(t, store, connID, true, 1, "cccc",
		[]testBlock{{start: 0, ts: testBase.Add(2 * time.Millisecond)}}, nil)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, 0, payloads[0].Index)
	assert.Equal(t, 4, payloads[1].Index)
	assert.Equal(t, 8, payloads[2].Index)
}

func TestConnectionPayloadsLimitCutParsesMetadata(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "GET / HTTP/1.1\r\n\r\n",
		[]testBlock{{start: 0, ts: testBase}}, nil)
	seedStream(t, store, connID, false, 0, "HTTP/1.1 200 OK\r\n\r\n",
		[]testBlock{{start: 0, ts: testBase.Add(time.Millisecond)}}, nil)

	// The limit cuts the walk after the request block; its run must still
	// be parsed so the emitted block carries metadata.
	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{Limit: 4})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	req, ok := payloads[0].Metadata.(*parsers.HTTPRequestMetadata)
	require.True(t, ok)
	assert.Equal(t, "GET", req.Method)
	assert.False(t, payloads[0].IsMetadataContinuation)
}

// stopAfterContext reports cancellation starting from its nth Err call while
// never closing Done, so only the walk loop observes it.
type stopAfterContext struct {
	context.Context
	calls int
	after int
}

func (c *stopAfterContext) Err() error {
	c.calls++
	if c.calls > c.after {
		return context.Canceled
	}
	return nil
}

func TestConnectionPayloadsCancellationReturnsPrefix(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "aaaabbbb",
		[]testBlock{
			{start: 0, ts: testBase},
			{start: 4, ts: testBase.Add(time.Millisecond)},
		}, nil)

	ctx := &stopAfterContext{Context: context.Background(), after: 1}
	payloads, err := reader.ConnectionPayloads(ctx, connID, Query{})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "aaaa", payloads[0].Content)
}

func TestConnectionPayloadsCancellationBeforeSkip(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	seedStream(t, store, connID, true, 0, "aaaabbbb",
		[]testBlock{
			{start: 0, ts: testBase},
			{start: 4, ts: testBase.Add(time.Millisecond)},
		}, nil)

	// Nothing cleared the skip window yet, so the cancellation surfaces.
	ctx := &stopAfterContext{Context: context.Background(), after: 1}
	payloads, err := reader.ConnectionPayloads(ctx, connID, Query{Skip: 100})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, payloads)
}

func TestConnectionPayloadsUnknownConnection(t *testing.T) {
	reader, _ := newTestReader(t)

	_, err := reader.ConnectionPayloads(context.Background(), storage.RowID(9999), Query{})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestConnectionPayloadsEmptyConnection(t *testing.T) {
	reader, store := newTestReader(t)
	connID := seedConnection(t, store)

	payloads, err := reader.ConnectionPayloads(context.Background(), connID, Query{})
	require.NoError(t, err)
	assert.Empty(t, payloads)
}
