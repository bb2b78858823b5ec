package server

import (
	"log"
	"net/http"
)

// Handler returns the HTTP handler serving /ws, /health and, when
// installed, /api/. It also starts the broadcaster, so tests can mount it
// on an httptest server without calling StartAsync.
func (s *Server) Handler() http.Handler {
	s.broadcasterOnce.Do(func() { go s.runBroadcaster() })
	return s.createMux()
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.mu.RLock()
	api := s.api
	s.mu.RUnlock()

	if api != nil {
		mux.Handle("/api/", api)
		log.Printf("server: API registered at /api/")
	}

	return mux
}

// handleWebSocket upgrades a request to /ws and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan Message, channelBufferSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	log.Printf("server: client connected (%d total)", s.ClientCount())

	go client.writePump()
	go client.readPump()
}
