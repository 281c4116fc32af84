// Package api exposes the stats surface of a proxy environment: a JSON
// snapshot endpoint and a websocket pushing live snapshots and recent log
// lines, handled on the support side away from the proxy hot path.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pixiv/neoagent/pkg/config"
	"github.com/pixiv/neoagent/pkg/logger"
	"github.com/pixiv/neoagent/pkg/proxy"
)

// Server serves stats for one proxy environment.
type Server struct {
	env *proxy.Env
	cfg config.Environment

	clientsMu sync.Mutex
	clients   map[*Client]bool

	httpServer *http.Server
}

// Client is one connected websocket consumer.
type Client struct {
	send chan WSMessage
}

// NewServer creates the stats server for env.
func NewServer(env *proxy.Env, cfg config.Environment) *Server {
	return &Server{
		env:     env,
		cfg:     cfg,
		clients: make(map[*Client]bool),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collectStats()); err != nil {
		logger.Warn("stats encode failed", "err", err)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(logger.GetHistory()); err != nil {
		logger.Warn("logs encode failed", "err", err)
	}
}

// ListenAndServe serves the stats surface on stat_sockpath or stat_port and
// runs the broadcast loop pushing snapshots to websocket clients.
func (s *Server) ListenAndServe() error {
	var (
		l   net.Listener
		err error
	)
	if s.cfg.StatSockPath != "" {
		if _, serr := os.Stat(s.cfg.StatSockPath); serr == nil {
			os.Remove(s.cfg.StatSockPath)
		}
		l, err = net.Listen("unix", s.cfg.StatSockPath)
	} else {
		l, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.StatPort))
	}
	if err != nil {
		return err
	}

	s.startLogFeed()
	go s.broadcastLoop()

	s.httpServer = &http.Server{Handler: s.Routes()}
	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the stats HTTP server down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// broadcastLoop pushes a stats snapshot to every websocket client once a
// second.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		payload, err := json.Marshal(s.collectStats())
		if err != nil {
			continue
		}
		msg := WSMessage{Type: "stats", Payload: payload}

		s.clientsMu.Lock()
		for c := range s.clients {
			select {
			case c.send <- msg:
			default:
				// Slow consumer, drop the frame
			}
		}
		s.clientsMu.Unlock()
	}
}

// AddClient registers a new websocket client.
func (s *Server) AddClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
}

// RemoveClient unregisters a websocket client.
func (s *Server) RemoveClient(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}
