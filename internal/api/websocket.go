// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	// wsSendBuffer bounds per-client backlog; slow clients are dropped.
	wsSendBuffer = 64
)

// wsEvent is the envelope every broadcast wears on the wire.
type wsEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// WSManager fans pipeline events out to connected UI clients. It satisfies
// the finalizer's Notifier so new connections appear without polling.
type WSManager struct {
	metrics *metrics.Metrics
	logger  *logging.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
}

// NewWSManager creates an empty manager.
func NewWSManager(m *metrics.Metrics, logger *logging.Logger) *WSManager {
	return &WSManager{
		metrics: m,
		logger:  logger.WithComponent("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The analyst UI may be served from another origin during a CTF.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Broadcast sends one event to every connected client. Clients that cannot
// keep up are disconnected rather than blocking the pipeline.
func (m *WSManager) Broadcast(event string, payload any) {
	data, err := json.Marshal(wsEvent{Event: event, Payload: payload})
	if err != nil {
		m.logger.Error("cannot encode event", "event", event, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, client := range m.clients {
		select {
		case client.send <- data:
		default:
			m.logger.Warn("dropping slow websocket client", "client_id", client.id)
			m.removeLocked(client)
		}
	}
}

// Close disconnects every client.
func (m *WSManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, client := range m.clients {
		m.removeLocked(client)
	}
}

func (m *WSManager) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.clients[client.id] = client
	m.mu.Unlock()
	m.metrics.WebsocketClients.Inc()
	m.logger.Info("websocket client connected", "client_id", client.id)

	go m.writePump(client)
	go m.readPump(client)
}

// writePump owns all writes on the connection.
func (m *WSManager) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.remove(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.remove(client)
				return
			}
		}
	}
}

// readPump discards client messages; the feed is one-way. It exists to
// process pongs and to notice disconnects.
func (m *WSManager) readPump(client *wsClient) {
	defer func() {
		m.remove(client)
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *WSManager) remove(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(client)
}

// removeLocked drops a client. Caller holds mu.
func (m *WSManager) removeLocked(client *wsClient) {
	if _, ok := m.clients[client.id]; !ok {
		return
	}
	delete(m.clients, client.id)
	close(client.send)
	client.conn.Close()
	m.metrics.WebsocketClients.Dec()
}
