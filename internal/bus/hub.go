package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub is the local broadcast server peers connect to. It relays every
// received signal to all peers except the sender; it never stores or
// inspects payloads beyond decoding them.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on (default: 127.0.0.1:7411).
	Addr string

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Addr:   "127.0.0.1:7411",
		Logger: log.New(os.Stderr, "[bus] ", log.LstdFlags),
	}
}

// NewHub creates a new invalidation hub.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Start begins listening for peer connections.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", h.handlePeer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  0, // peers hold the connection open
		WriteTimeout: 0,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Invalidation hub listening on %s", h.Addr())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Hub server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when configured with :0.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully shuts down the hub.
func (h *Hub) Stop() error {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()
	return nil
}

// handlePeer upgrades a peer connection and relays its signals.
func (h *Hub) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local loopback transport
	})
	if err != nil {
		h.logger.Printf("Failed to accept peer: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			h.logger.Printf("Dropping malformed signal: %v", err)
			continue
		}

		h.relay(conn, data)
	}
}

// relay sends the raw signal to every peer except the sender.
func (h *Hub) relay(sender *websocket.Conn, data []byte) {
	h.clientsMu.RLock()
	peers := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		if conn != sender {
			peers = append(peers, conn)
		}
	}
	h.clientsMu.RUnlock()

	for _, conn := range peers {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Printf("Failed to relay to peer: %v", err)
		}
	}
}
