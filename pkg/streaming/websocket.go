// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming pushes step lifecycle events (create/complete/signal/
// time-limit) to connected WebSocket clients, backed by internal/events'
// in-process bus. It carries no RPC/decode logic of its own (§1: out of
// scope); it only relays what lifecycle.Manager already published.
package streaming

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jontk/slurm-stepmgr/internal/events"
)

// WebSocketServer relays internal/events.StepEvents to connected clients.
type WebSocketServer struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewWebSocketServer builds a server that relays events published on bus.
func NewWebSocketServer(bus *events.Bus) *WebSocketServer {
	return &WebSocketServer{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// StreamMessage is one envelope written to a connected client.
type StreamMessage struct {
	Type      string           `json:"type"`
	Event     *events.StepEvent `json:"event,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
}

// subscriberBuffer bounds how many undelivered events a slow client can
// accumulate before the bus starts dropping for it.
const subscriberBuffer = 64

// ServeHTTP makes WebSocketServer usable directly as an http.Handler,
// e.g. mounted on a gorilla/mux route.
func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the connection and relays bus events to it
// until the client disconnects.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("WebSocket close error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, unsub := ws.bus.Subscribe(subscriberBuffer)
	defer unsub()

	go ws.watchForClose(conn, cancel)

	ws.relay(ctx, conn, ch)
}

// watchForClose drains (and discards) client-initiated reads so a
// disconnect or close frame is detected and cancels ctx.
func (ws *WebSocketServer) watchForClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (ws *WebSocketServer) relay(ctx context.Context, conn *websocket.Conn, ch <-chan events.StepEvent) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				ws.sendMessage(conn, StreamMessage{Type: "stream_closed", Timestamp: time.Now()})
				return
			}
			evCopy := ev
			ws.sendMessage(conn, StreamMessage{Type: "event", Event: &evCopy, Timestamp: time.Now()})
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("WebSocket ping error: %v", err)
				return
			}
		}
	}
}

func (ws *WebSocketServer) sendMessage(conn *websocket.Conn, msg StreamMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}

func (ws *WebSocketServer) sendError(conn *websocket.Conn, message string) {
	ws.sendMessage(conn, StreamMessage{Type: "error", Error: message, Timestamp: time.Now()})
}
