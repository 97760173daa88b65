// Package monitor implements the Visual-mode dashboard: a read-only
// HTTP/WebSocket server broadcasting backtest/optimization progress,
// plus a Prometheus /metrics endpoint. Adapted from this codebase's
// own API server, trimmed to a read-only progress feed since Visual
// mode never accepts control commands (spec.md §6 names the mode but
// leaves its surface unspecified).
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Event is one progress/result update broadcast to every connected client.
type Event struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"` // "candidate:progress" or "candidate:complete"
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// client is one connected WebSocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the Visual-mode dashboard.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	addr       string
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*client

	candidatesTotal     prometheus.Gauge
	candidatesCompleted prometheus.Gauge
	bestFitness         prometheus.Gauge
}

// New builds a dashboard server bound to addr (host:port), registering
// its own Prometheus collectors.
func New(logger *zap.Logger, addr string) *Server {
	s := &Server{
		logger:  logger,
		addr:    addr,
		router:  mux.NewRouter(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		candidatesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtestsim_candidates_total",
			Help: "Total candidates in the current optimization run.",
		}),
		candidatesCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtestsim_candidates_completed",
			Help: "Candidates completed so far in the current optimization run.",
		}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtestsim_best_fitness",
			Help: "Best fitness score observed so far.",
		}),
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(s.candidatesTotal, s.candidatesCompleted, s.bestFitness)

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// Start begins serving; it blocks until the server stops or errors.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("monitor: starting dashboard", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the dashboard down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// ReportProgress updates the Prometheus gauges and broadcasts a
// candidate:progress event to every connected client.
func (s *Server) ReportProgress(completed, total int) {
	s.candidatesCompleted.Set(float64(completed))
	s.candidatesTotal.Set(float64(total))
	s.broadcast("candidate:progress", map[string]int{"completed": completed, "total": total})
}

// ReportBest updates the best-fitness gauge and broadcasts a
// candidate:complete event.
func (s *Server) ReportBest(score float64) {
	s.bestFitness.Set(score)
	s.broadcast("candidate:complete", map[string]float64{"best_fitness": score})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("monitor: websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

// readPump only drains and discards inbound frames (pings/closes);
// the dashboard is read-only and accepts no client commands.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcast(method string, payload interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("monitor: marshal event failed", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Debug("monitor: client send buffer full, dropping event", zap.String("client", c.id))
		}
	}
}
