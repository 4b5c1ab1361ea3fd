// Package server exposes the running cluster over HTTP: a stats snapshot
// endpoint and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/polycore/polycore/internal/core/cluster"
	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/observability/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventBuffer bounds the per-client event queue. A slow reader loses events
// rather than stalling the publishers.
const eventBuffer = 64

// Monitor serves read-only views of the cluster.
type Monitor struct {
	coord  *cluster.Coordinator
	bus    *bus.Bus
	logger *log.Logger
	server *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewMonitor(coord *cluster.Coordinator, eventBus *bus.Bus, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		coord:   coord,
		bus:     eventBus,
		logger:  logger.With(log.String("component", "monitor")),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler builds the route table. Exposed separately so tests can serve it
// without binding a port.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", m.handleStats)
	mux.HandleFunc("/balance", m.handleBalance)
	mux.HandleFunc("/events", m.handleEvents)
	return mux
}

// Start serves on addr until Stop.
func (m *Monitor) Start(addr string) error {
	m.server = &http.Server{
		Addr:    addr,
		Handler: m.Handler(),
	}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("monitor server failed", log.Err(err))
		}
	}()
	m.logger.Info("monitor listening", log.String("addr", addr))
	return nil
}

// Stop shuts the listener down and closes every streaming client.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	for conn := range m.clients {
		_ = conn.Close()
	}
	m.clients = make(map[*websocket.Conn]struct{})
	m.mu.Unlock()

	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.coord.SystemStatistics()); err != nil {
		m.logger.Error("encoding stats", log.Err(err))
	}
}

// handleBalance runs one balance pass and returns its report. The pass only
// moves processes when the cluster is configured for auto-migration.
func (m *Monitor) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.coord.BalanceLoad()); err != nil {
		m.logger.Error("encoding balance report", log.Err(err))
	}
}

// handleEvents upgrades the connection and streams every bus event as one
// JSON message per event.
func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", log.Err(err))
		return
	}
	m.mu.Lock()
	m.clients[conn] = struct{}{}
	m.mu.Unlock()

	// Bus handlers must not block, so events go through a bounded channel and
	// a dedicated writer goroutine. The queue is never closed; a cancelled
	// subscription may still fire from an in-flight publish.
	queue := make(chan bus.Event, eventBuffer)
	done := make(chan struct{})
	sub := m.bus.Subscribe(bus.Wildcard, func(ev bus.Event) {
		select {
		case queue <- ev:
		default:
			// Client too slow; drop.
		}
	})

	go func() {
		defer func() {
			sub.Cancel()
			m.mu.Lock()
			delete(m.clients, conn)
			m.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			select {
			case ev := <-queue:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Reader loop only notices disconnects; clients do not send anything.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
