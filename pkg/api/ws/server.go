// Package ws provides the WebSocket session server web clients connect to.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/logger"
)

// Server is the WebSocket session server.
type Server struct {
	mu          sync.RWMutex
	coordinator *bluetooth.Coordinator
	dispatcher  *Dispatcher
	config      ServerConfig
	log         *logger.Logger
	upgrader    websocket.Upgrader
	clients     map[*Client]bool
	running     bool
	server      *http.Server
}

// ServerConfig holds WebSocket server configuration.
type ServerConfig struct {
	// Host is the bind address; the gateway is loopback-only.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port"`

	// WriteTimeout is the write timeout per frame.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// ReadBufferSize is the read buffer size.
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size"`

	// WriteBufferSize is the write buffer size.
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size"`
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            21327,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Client represents one WebSocket session.
type Client struct {
	conn    *websocket.Conn
	server  *Server
	session *bluetooth.Session
	send    chan []byte
}

// NewServer creates a new WebSocket server.
func NewServer(coordinator *bluetooth.Coordinator, config ServerConfig, log *logger.Logger) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	return &Server{
		coordinator: coordinator,
		dispatcher:  NewDispatcher(coordinator, log),
		config:      config,
		log:         log,
		clients:     make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// Browser pages on any origin may talk to the local gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start starts the WebSocket server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: mux,
	}

	s.log.Info("Listening", "addr", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("WebSocket server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

// Stop stops the WebSocket server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	for client := range s.clients {
		client.conn.Close()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	s.running = false
	return nil
}

// handleWebSocket upgrades the connection and runs the session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := bluetooth.NewSession()
	client := &Client{
		conn:    conn,
		server:  s,
		session: session,
		send:    make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	s.log.Info("New WebSocket connection", "peer", r.RemoteAddr, "session", session.ID)
	s.coordinator.WatchAdapter(session.Bus)

	go client.writePump()
	go client.forwardNotifications()
	go client.readPump()
}

// removeClient tears the session down: in-flight work is aborted, the
// session leaves the coordinator's listener list, and the send channel
// closes.
func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	s.log.Info("Closing connection", "session", client.session.ID)
	client.session.Bus.Send(bluetooth.AbortMessage(bluetooth.AbortDisconnect))
	s.coordinator.StopWatching(client.session.Bus)
	close(client.send)
}

// forwardNotifications relays the session channel to the socket.
func (c *Client) forwardNotifications() {
	defer func() {
		if r := recover(); r != nil {
			c.server.log.Error("Panic in notification forwarder", "error", r, "stack", string(debug.Stack()))
		}
	}()

	receiver := c.session.Bus.Subscribe()
	defer c.session.Bus.Unsubscribe(receiver)

	for msg := range receiver {
		if msg.IsAbort {
			if msg.Abort == bluetooth.AbortDisconnect {
				return
			}
			continue
		}
		if msg.Notification == nil {
			continue
		}
		data, err := json.Marshal(msg.Notification)
		if err != nil {
			c.server.log.Warn("Failed to encode notification", "error", err)
			continue
		}
		c.enqueue(data)
	}
}

// enqueue hands a frame to the write pump, dropping it when the client is
// too slow to keep the session alive.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// readPump reads requests from the client and dispatches them in order.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		if mt != websocket.TextMessage {
			// Browsers probe a suspended host with a bare PING frame.
			if string(message) == "PING" {
				c.enqueue([]byte("PONG"))
			}
			continue
		}

		req, id, err := decodeRequest(message)
		if err != nil {
			c.server.log.Info("Malformed request", "error", err)
			if id == "" {
				continue
			}
			c.reply(ErrorResponse{ID: id, Error: ErrProtocol.Error()})
			continue
		}

		c.server.log.Debug("Handling method", "method", req.Method.Name, "id", req.ID, "session", c.session.ID)
		if out := c.server.dispatcher.Handle(context.Background(), req, c.session); out != nil {
			c.reply(out)
		}
	}
}

// reply encodes and enqueues one envelope.
func (c *Client) reply(envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		c.server.log.Warn("Failed to encode response", "error", err)
		return
	}
	c.enqueue(data)
}

// writePump writes queued frames to the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
