package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/metrics"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The progress feed carries no secrets beyond handles the client
		// already knows; allow non-browser clients.
		return true
	},
}

const wsWriteDeadline = 5 * time.Second

// handleProgressWebSocket streams live upload progress events to the
// monitoring dashboard.
func (s *Server) handleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.ActiveWebSocketConnections.Inc()
	defer metrics.ActiveWebSocketConnections.Dec()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(map[string]interface{}{
				"type":      "progress",
				"event":     ev,
				"timestamp": time.Now().Unix(),
			}); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
