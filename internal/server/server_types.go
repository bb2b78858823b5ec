package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// channelBufferSize is the buffer size for the broadcast channel and
// per-client send channels. When a buffer fills up, messages are dropped.
const channelBufferSize = 256

// Server manages WebSocket connections and broadcasts messages to clients.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7080")
	addr string

	upgrader websocket.Upgrader

	// clients tracks all connected WebSocket clients.
	clients map[*Client]bool

	// mu protects clients, stopped and api.
	mu sync.RWMutex

	// stopped prevents sending to a closed broadcast channel.
	stopped bool

	// broadcast receives messages to send to all clients.
	broadcast chan Message

	// broadcasterOnce starts runBroadcaster at most once.
	broadcasterOnce sync.Once

	httpServer *http.Server

	// tlsConfig switches the listener to HTTPS/WSS when set.
	tlsConfig *tls.Config

	// boundAddr is the listener address once StartAsync succeeded.
	boundAddr net.Addr

	// api serves /api/ when set.
	api http.Handler
}

// Client is one connected WebSocket subscriber.
type Client struct {
	conn *websocket.Conn

	// send is the buffered queue drained by writePump.
	send chan Message

	// done is closed to signal the client should shut down.
	done chan struct{}

	// sendOnce guards closing done.
	sendOnce sync.Once

	server *Server
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string) *Server {
	return &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway serves browser dashboards on other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, channelBufferSize),
	}
}

// SetAPIHandler installs the handler for /api/ routes. It must be called
// before the server starts.
func (s *Server) SetAPIHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = h
}

// SetTLSConfig makes StartAsync serve TLS. It must be called before the
// server starts.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConfig = cfg
}

// Addr returns the bound listen address once the server is running, and
// the configured one before that.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != nil {
		return s.boundAddr.String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
