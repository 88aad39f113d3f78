// Package relay re-broadcasts the normalized event stream over a local
// WebSocket endpoint, so dashboards can watch markets without speaking any
// exchange protocol themselves. It forwards events as-is: order-book
// assembly stays with the consumer.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aqs-base/ccew/client"
)

// Envelope is the JSON frame sent to dashboard clients.
type Envelope struct {
	Type     string      `json:"type"`
	Exchange string      `json:"exchange"`
	Data     interface{} `json:"data,omitempty"`
}

// Server fans the normalized event stream out to any number of WebSocket
// subscribers. Slow subscribers are dropped rather than allowed to stall the
// broadcast.
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	broadcast chan Envelope
}

// NewServer creates a relay listening on addr (e.g. ":8080").
func NewServer(addr string) *Server {
	return &Server{
		addr:      addr,
		logger:    log.Logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Envelope, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler so embedders can mount the relay on
// their own server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Publish queues one event for broadcast. Lifecycle events pass through with
// no payload; data events carry their normalized record.
func (s *Server) Publish(ev client.Event) {
	env := Envelope{Type: string(ev.Kind), Exchange: string(ev.Exchange)}
	switch ev.Kind {
	case client.EventTrade:
		env.Data = ev.Trade
	case client.EventL2Snapshot:
		env.Data = ev.L2Snapshot
	case client.EventL2Update:
		env.Data = ev.L2Update
	case client.EventL3Snapshot:
		env.Data = ev.L3Snapshot
	case client.EventL3Update:
		env.Data = ev.L3Update
	}

	select {
	case s.broadcast <- env:
	default:
		s.logger.Warn().Str("type", env.Type).Msg("relay backlog full, dropping event")
	}
}

// Pump consumes a client's whole event stream into the relay. It returns
// when the stream closes, making it convenient to run one goroutine per
// exchange client.
func (s *Server) Pump(events <-chan client.Event) {
	for ev := range events {
		s.Publish(ev)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("relay client connected")

	defer func() {
		s.drop(conn)
		s.logger.Info().Str("remote", r.RemoteAddr).Msg("relay client disconnected")
	}()

	// Subscribers are read-only; the read loop only notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.broadcast:
			payload, err := json.Marshal(env)
			if err != nil {
				s.logger.Error().Err(err).Msg("relay marshal failed")
				continue
			}
			for _, conn := range s.snapshotClients() {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.drop(conn)
				}
			}
		}
	}
}

func (s *Server) snapshotClients() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}
