package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pixiv/neoagent/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // stats surface is bound to an operator-controlled port
	},
}

// WSMessage is one frame on the stats feed.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// startLogFeed wires the logger broadcast channel into the connected
// websocket clients. Called once per stats server.
func (s *Server) startLogFeed() {
	logCh := make(chan string, 64)
	logger.SetBroadcast(logCh)

	go func() {
		for line := range logCh {
			payload, err := json.Marshal(line)
			if err != nil {
				continue
			}
			msg := WSMessage{Type: "log", Payload: payload}
			s.clientsMu.Lock()
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
			s.clientsMu.Unlock()
		}
	}()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	client := &Client{send: make(chan WSMessage, 256)}
	s.AddClient(client)
	defer s.RemoveClient(client)

	// Initial backlog so a fresh dashboard is not empty.
	if history, err := json.Marshal(logger.GetHistory()); err == nil {
		conn.WriteJSON(WSMessage{Type: "log_history", Payload: history})
	}

	for msg := range client.send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
