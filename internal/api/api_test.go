package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acheron.dev/acheron/internal/assembly"
	"acheron.dev/acheron/internal/capture"
	"acheron.dev/acheron/internal/config"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
	"acheron.dev/acheron/internal/streams"
)

var apiBase = time.Unix(1700000000, 0)

type apiFixture struct {
	store    *storage.Store
	registry *rules.Registry
	server   *Server
	ts       *httptest.Server
}

func newAPIFixture(t *testing.T, mutate func(*Options)) *apiFixture {
	t.Helper()
	logger := logging.New(logging.DefaultConfig())
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := rules.NewRegistry(context.Background(), store, logger)
	require.NoError(t, err)

	m := metrics.New()
	assembler := assembly.NewAssembler(assembly.Config{}, logger)
	captures, err := capture.NewManager(store, assembler, m, capture.Config{
		PcapsDir: t.TempDir(),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(captures.Close)

	opts := Options{
		Store:      store,
		Registry:   registry,
		Reader:     streams.NewReader(store, logger, 0),
		Captures:   captures,
		Metrics:    m,
		Logger:     logger,
		Settings:   config.DefaultSettings(),
		Configured: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	server := NewServer(opts)
	t.Cleanup(server.Close)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{store: store, registry: registry, server: server, ts: ts}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func validSettings() config.Settings {
	s := config.DefaultSettings()
	s.ServerAddress = "10.60.0.1"
	s.FlagRegex = `CTF\{[a-z0-9]+\}`
	return s
}

func TestSetupRequiredBeforeAPI(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) { o.Configured = false })

	resp := f.do(t, "GET", "/api/rules", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, "POST", "/setup", validSettings())
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var listed []*rules.Rule
	resp = f.do(t, "GET", "/api/rules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "flag", listed[0].Name)
	assert.Equal(t, `CTF\{[a-z0-9]+\}`, listed[0].Patterns[0].Regex)
}

func TestSetupRejectsShortFlagRegex(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) { o.Configured = false })

	settings := validSettings()
	settings.FlagRegex = "CTF"
	resp := f.do(t, "POST", "/setup", settings)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetupReplacesFlagRule(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, "POST", "/setup", validSettings())
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	second := validSettings()
	second.FlagRegex = `FLAG\{[a-f0-9]{32}\}`
	resp = f.do(t, "POST", "/setup", second)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var listed []*rules.Rule
	resp = f.do(t, "GET", "/api/rules", nil)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, `FLAG\{[a-f0-9]{32}\}`, listed[0].Patterns[0].Regex)
	assert.Equal(t, uint64(2), listed[0].Version)
}

func TestBasicAuth(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) {
		o.Settings.AuthRequired = true
		o.Settings.Accounts = map[string]string{"analyst": "hunter2"}
	})

	resp := f.do(t, "GET", "/api/rules", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", f.ts.URL+"/api/rules", nil)
	require.NoError(t, err)
	req.SetBasicAuth("analyst", "hunter2")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	req.SetBasicAuth("analyst", "wrong")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestRuleCRUD(t *testing.T) {
	f := newAPIFixture(t, nil)

	rule := rules.Rule{
		Name:    "exfil",
		Color:   "#1e88e5",
		Enabled: true,
		Patterns: []rules.Pattern{{
			Regex: `wget http://`,
			Flags: rules.PatternFlags{Direction: rules.DirectionClient},
		}},
	}
	resp := f.do(t, "POST", "/api/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created rules.Rule
	decodeBody(t, resp, &created)
	assert.False(t, created.ID.IsZero())
	assert.Equal(t, uint64(1), created.Version)

	resp = f.do(t, "POST", "/api/rules", rule)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "GET", fmt.Sprintf("/api/rules/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched rules.Rule
	decodeBody(t, resp, &fetched)
	assert.Equal(t, "exfil", fetched.Name)

	stale := uint64(99)
	resp = f.do(t, "PUT", fmt.Sprintf("/api/rules/%d", created.ID), rules.RulePatch{
		ExpectedVersion: &stale,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	notes := "seen in round 3"
	resp = f.do(t, "PUT", fmt.Sprintf("/api/rules/%d", created.ID), rules.RulePatch{
		Notes: &notes,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated rules.Rule
	decodeBody(t, resp, &updated)
	assert.Equal(t, notes, updated.Notes)

	resp = f.do(t, "GET", "/api/rules/424242", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedAPIConnection(t *testing.T, f *apiFixture, clientPort, servicePort uint16, serverPayload string) storage.RowID {
	t.Helper()
	ctx := context.Background()
	conn := &storage.Connection{
		ID:              f.store.NextRowID(),
		SourceIP:        "10.60.1.2",
		SourcePort:      clientPort,
		DestinationIP:   "10.60.4.1",
		DestinationPort: servicePort,
		StartedAt:       apiBase,
		ClosedAt:        apiBase.Add(2 * time.Second),
		ProcessedAt:     apiBase.Add(3 * time.Second),
		ServerBytes:     len(serverPayload),
		ServerDocuments: 1,
		ServicePort:     servicePort,
	}
	require.NoError(t, f.store.InsertConnection(ctx, conn))
	require.NoError(t, f.store.InsertStreams(ctx, []*storage.ConnectionStream{{
		ID:               f.store.NextRowID(),
		ConnectionID:     conn.ID,
		FromClient:       false,
		DocumentIndex:    0,
		Payload:          []byte(serverPayload),
		BlocksIndexes:    []int{0},
		BlocksTimestamps: []time.Time{apiBase},
		BlocksLoss:       []bool{false},
	}}))
	return conn.ID
}

func TestConnectionListAndFilters(t *testing.T) {
	f := newAPIFixture(t, nil)
	webID := seedAPIConnection(t, f, 40001, 80, "HTTP/1.1 200 OK\r\n\r\n")
	seedAPIConnection(t, f, 40002, 6379, "+PONG\r\n")

	var listed []*storage.Connection
	resp := f.do(t, "GET", "/api/connections", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 2)

	resp = f.do(t, "GET", "/api/connections?service_port=80", nil)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, webID, listed[0].ID)

	resp = f.do(t, "GET", "/api/connections?service_port=nope", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionMarkAndHide(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := seedAPIConnection(t, f, 40003, 80, "hello")

	resp := f.do(t, "POST", fmt.Sprintf("/api/connections/%d/mark", id), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "POST", fmt.Sprintf("/api/connections/%d/hide", id), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var conn storage.Connection
	resp = f.do(t, "GET", fmt.Sprintf("/api/connections/%d", id), nil)
	decodeBody(t, resp, &conn)
	assert.True(t, conn.Marked)
	assert.True(t, conn.Hidden)

	resp = f.do(t, "POST", fmt.Sprintf("/api/connections/%d/unmark", id), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "GET", fmt.Sprintf("/api/connections/%d", id), nil)
	decodeBody(t, resp, &conn)
	assert.False(t, conn.Marked)

	resp = f.do(t, "POST", "/api/connections/424242/mark", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := seedAPIConnection(t, f, 40004, 80, "HTTP/1.1 200 OK\r\n\r\nCTF{")

	resp := f.do(t, "GET", fmt.Sprintf("/api/streams/%d", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payloads []map[string]any
	decodeBody(t, resp, &payloads)
	require.Len(t, payloads, 1)
	assert.Equal(t, false, payloads[0]["from_client"])
	assert.Contains(t, payloads[0]["content"], "200 OK")

	resp = f.do(t, "GET", fmt.Sprintf("/api/streams/%d?format=hex", id), nil)
	decodeBody(t, resp, &payloads)
	require.Len(t, payloads, 1)
	assert.Equal(t, "485454502f312e3120323030204f4b0d0a0d0a4354467b",
		payloads[0]["content"])

	resp = f.do(t, "GET", "/api/streams/424242", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPcapUploadRejectsGarbage(t *testing.T) {
	f := newAPIFixture(t, nil)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "bogus.pcap")
	require.NoError(t, err)
	part.Write([]byte("not a capture at all"))
	require.NoError(t, form.Close())

	req, err := http.NewRequest("POST", f.ts.URL+"/api/pcap/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var sessions []*storage.PcapSession
	list := f.do(t, "GET", "/api/pcap/sessions", nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	decodeBody(t, list, &sessions)
	assert.Empty(t, sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.do(t, "GET", "/metrics", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "acheron_packets_processed_total")
}

func TestWebsocketBroadcast(t *testing.T) {
	f := newAPIFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Let the server register the client before broadcasting.
	require.Eventually(t, func() bool {
		f.server.ws.mu.Lock()
		defer f.server.ws.mu.Unlock()
		return len(f.server.ws.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.server.Notifier().Broadcast("connections", map[string]any{"id": 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event wsEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "connections", event.Event)
}
