// Package socket provides a self-healing WebSocket connection. It owns one
// live transport at a time, redials with exponential backoff after
// unexpected closures, and surfaces the connection lifecycle as an ordered
// event stream instead of errors.
package socket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Conn is the transport surface the socket consumes. Framing, TLS and
// ping/pong live below this line; tests substitute scripted fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one transport connection to the given endpoint.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// GorillaDialer returns a Dialer backed by gorilla/websocket.
func GorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// EventType tags one entry of the socket's event stream.
type EventType int

const (
	// Open signals a freshly established transport.
	Open EventType = iota
	// Message carries one inbound frame in wire arrival order.
	Message
	// Disconnected signals an unexpected transport closure; a redial is
	// already scheduled.
	Disconnected
	// Closing signals an explicit Close; no redial follows and the event
	// stream ends after it.
	Closing
)

// Event is one entry of the socket's event stream. Data is set for Message
// events only.
type Event struct {
	Type EventType
	Data []byte
}

// Target computes the endpoint for the next dial attempt. It is re-evaluated
// on every (re)connect so URL-embedded subscription exchanges can fold their
// current subscription set into the stream path, and handshake-gated
// exchanges can attach cached credentials.
type Target func(ctx context.Context) (url string, header http.Header, err error)

// Options configures a Socket.
type Options struct {
	Dialer          Dialer
	InitialInterval time.Duration   // first redial delay, default 500ms
	MaxInterval     time.Duration   // redial delay ceiling, default 15s
	EventBuffer     int             // event channel capacity, default 1024
	Logger          *zerolog.Logger // defaults to the global logger
}

// ErrNotConnected is returned by Send when no transport is live.
var ErrNotConnected = errors.New("socket: not connected")

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("socket: closed")

// Socket maintains exactly one live transport connection, redialing
// automatically until Close is called.
type Socket struct {
	target Target
	dialer Dialer
	policy *backoff.ExponentialBackOff
	logger zerolog.Logger

	events chan Event

	mu      sync.Mutex
	conn    Conn
	started bool
	closed  bool
	forced  bool
	cancel  context.CancelFunc
}

// New creates a Socket that dials whatever target reports. The socket is
// inert until Connect is called.
func New(target Target, opts Options) *Socket {
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer(10 * time.Second)
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 15 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.InitialInterval
	policy.MaxInterval = opts.MaxInterval

	return &Socket{
		target: target,
		dialer: opts.Dialer,
		policy: policy,
		logger: logger,
		events: make(chan Event, opts.EventBuffer),
	}
}

// Events returns the ordered lifecycle/message stream. The channel is closed
// after the Closing event.
func (s *Socket) Events() <-chan Event { return s.events }

// Connect starts the supervision loop. Repeated calls are no-ops. The
// context bounds the socket's whole lifetime; cancellation behaves like
// Close.
func (s *Socket) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.supervise(ctx)
}

// Send writes one frame to the live transport.
func (s *Socket) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Reconnect drops the live transport, forcing an immediate redial without
// backoff. A no-op when nothing is connected yet; the pending dial will
// succeed or retry on its own.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.forced = true
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close tears the socket down for good: the transport is closed, redialing
// stops, and the event stream ends with a Closing event. Idempotent.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if !started {
		// No supervisor ever ran, so nobody else will end the stream.
		s.events <- Event{Type: Closing}
		close(s.events)
	}
}

// supervise is the only goroutine that dials, reads, and emits events, which
// keeps the stream ordered by construction.
func (s *Socket) supervise(ctx context.Context) {
	defer func() {
		s.events <- Event{Type: Closing}
		close(s.events)
	}()

	for {
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		conn, err := s.dialOnce(ctx)
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("dial failed, retrying")
			if !s.sleep(ctx, s.policy.NextBackOff()) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.forced = false
		s.mu.Unlock()

		s.policy.Reset()
		s.events <- Event{Type: Open}

		forced := s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}

		s.events <- Event{Type: Disconnected}
		if forced {
			// Forced reconnects redial immediately.
			continue
		}
		if !s.sleep(ctx, s.policy.NextBackOff()) {
			return
		}
	}
}

func (s *Socket) dialOnce(ctx context.Context) (Conn, error) {
	url, header, err := s.target(ctx)
	if err != nil {
		return nil, err
	}
	return s.dialer(ctx, url, header)
}

// readLoop pumps frames until the transport dies. Returns true when the
// closure was a forced reconnect rather than a failure.
func (s *Socket) readLoop(conn Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			forced := s.forced
			s.forced = false
			closed := s.closed
			s.mu.Unlock()
			if !forced && !closed {
				s.logger.Warn().Err(err).Msg("transport closed unexpectedly")
			}
			return forced
		}
		s.events <- Event{Type: Message, Data: data}
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
