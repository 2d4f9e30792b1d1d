package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/protocol"
)

// GatewayConfig holds push gateway connection settings.
type GatewayConfig struct {
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultGatewayConfig returns default WebSocket settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Gateway fans bus events out to WebSocket subscribers.
type Gateway struct {
	cfg      GatewayConfig
	sim      *Simulator
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// NewGateway creates a push gateway backed by the simulator's bus.
func NewGateway(cfg GatewayConfig, sim *Simulator) *Gateway {
	return &Gateway{
		cfg: cfg,
		sim: sim,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[*websocket.Conn]chan []byte),
	}
}

// Start subscribes to the bus and broadcasts until ctx is done.
func (g *Gateway) Start(ctx context.Context, bus Bus) error {
	unsubscribe, err := bus.Subscribe(g.broadcast)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
		g.closeAll()
	}()
	return nil
}

// HandleSubscribe upgrades an HTTP request to a push subscription.
func (g *Gateway) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade subscriber connection")
		return
	}

	send := make(chan []byte, 64)
	g.mu.Lock()
	g.conns[conn] = send
	total := len(g.conns)
	g.mu.Unlock()
	log.Info().Str("remote", conn.RemoteAddr().String()).Int("subscribers", total).Msg("subscriber connected")

	// New subscribers get the latest outcome right away; everything else
	// arrives via their snapshot reconciliation.
	if env := g.sim.LastOutcomeEnvelope(); env != nil {
		if data, err := json.Marshal(env); err == nil {
			select {
			case send <- data:
			default:
			}
		}
	}

	go g.writePump(conn, send)
	go g.readPump(conn)
}

// broadcast queues an envelope to every subscriber, dropping it for
// subscribers whose send buffer is full.
func (g *Gateway) broadcast(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast envelope")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for conn, send := range g.conns {
		select {
		case send <- data:
		default:
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("subscriber send buffer full, dropping connection")
			g.removeLocked(conn)
		}
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			g.remove(conn)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

// readPump discards inbound frames; the stream is one-way. A read error
// means the subscriber went away.
func (g *Gateway) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			g.remove(conn)
			return
		}
	}
}

func (g *Gateway) remove(conn *websocket.Conn) {
	g.mu.Lock()
	g.removeLocked(conn)
	g.mu.Unlock()
}

func (g *Gateway) removeLocked(conn *websocket.Conn) {
	if send, ok := g.conns[conn]; ok {
		delete(g.conns, conn)
		close(send)
		conn.Close()
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		g.removeLocked(conn)
	}
}

// SubscriberCount reports the number of open push subscriptions.
func (g *Gateway) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}
