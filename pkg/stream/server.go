// Package stream exposes conversation state events over websockets,
// plus health and metrics endpoints. One socket follows one
// conversation; events fan out from the coordinator's subscription.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/pkg/agent"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventMessage is the wire form of a state event
type EventMessage struct {
	Type      string           `json:"type"`
	Event     agent.StateEvent `json:"event"`
	Seq       int64            `json:"seq"`
	Timestamp int64            `json:"timestamp"`
}

// Server serves websocket subscriptions to conversation state
type Server struct {
	addr        string
	coordinator *agent.Coordinator
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	server *http.Server
	seq    uint64

	shuttingDown bool
	shutdownMu   sync.RWMutex
	conns        sync.WaitGroup
}

// Config holds stream server configuration
type Config struct {
	Addr        string
	Coordinator *agent.Coordinator
	Logger      zerolog.Logger
}

// NewServer creates a new stream server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	return &Server{
		addr:        cfg.Addr,
		coordinator: cfg.Coordinator,
		logger:      cfg.Logger.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Loopback-only deployment; origin checks add nothing.
				return true
			},
		},
	}, nil
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Stream server listening")

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for open sockets to drain
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	draining := s.shuttingDown
	s.shutdownMu.RUnlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.conns.Add(1)
	go s.serveConn(conn, conversationID)
}

// serveConn relays state events for one conversation until the peer
// disconnects or the subscription closes.
func (s *Server) serveConn(conn *websocket.Conn, conversationID string) {
	defer s.conns.Done()
	defer conn.Close()

	logger := s.logger.With().Str("conversation_id", conversationID).Logger()
	logger.Debug().Msg("Stream client connected")

	events, cancel := s.coordinator.Subscribe(conversationID)
	defer cancel()

	// Drain the read side so close frames are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				logger.Debug().Msg("Subscription closed")
				return
			}
			if err := s.writeEvent(conn, event); err != nil {
				logger.Debug().Err(err).Msg("Stream client write failed")
				return
			}
		case <-closed:
			logger.Debug().Msg("Stream client disconnected")
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event agent.StateEvent) error {
	msg := EventMessage{
		Type:      "state",
		Event:     event,
		Seq:       int64(atomic.AddUint64(&s.seq, 1)),
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
