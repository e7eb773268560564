package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Peer is one process's connection to the invalidation hub.
type Peer struct {
	id   string
	conn *websocket.Conn

	handlerMu sync.RWMutex
	handler   Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Connect dials the hub at addr (host:port). The caller decides what an
// unreachable hub means; the cache layer treats it as single-peer
// degradation, not an error.
func Connect(addr string, logger *log.Logger) (*Peer, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s/bus", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial invalidation hub at %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	p.wg.Add(1)
	go p.readLoop()

	return p, nil
}

// ID returns the peer's identity used for origin stamping.
func (p *Peer) ID() string {
	return p.id
}

// Publish broadcasts a signal to the other peers. Fire-and-forget: failures
// are logged and swallowed, the TTL is the correctness backstop.
func (p *Peer) Publish(sig Signal) {
	sig.Origin = p.id

	data, err := json.Marshal(sig)
	if err != nil {
		p.logger.Printf("Failed to marshal signal: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		p.logger.Printf("Failed to publish invalidation: %v", err)
	}
}

// SetHandler registers the callback for incoming signals.
func (p *Peer) SetHandler(h Handler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// Close tears down the connection and stops the read loop.
func (p *Peer) Close() error {
	p.cancel()
	err := p.conn.Close(websocket.StatusNormalClosure, "")
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close bus connection: %w", err)
	}
	return nil
}

// readLoop dispatches incoming signals to the handler until the connection
// drops. A dropped connection is degradation, not an error: the peer simply
// stops hearing other tabs.
func (p *Peer) readLoop() {
	defer p.wg.Done()

	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Printf("Warning: invalidation bus disconnected: %v", err)
			}
			return
		}

		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			p.logger.Printf("Dropping malformed signal: %v", err)
			continue
		}
		if sig.Origin == p.id {
			continue
		}

		p.handlerMu.RLock()
		h := p.handler
		p.handlerMu.RUnlock()
		if h != nil {
			h(sig)
		}
	}
}
