package client

import (
	"context"
	"net/http"
	"sync"
)

// Handshake acquires connection credentials (cookies, headers) from an
// exchange that gates WebSocket access behind a browser challenge.
type Handshake func(ctx context.Context) (http.Header, error)

// HandshakeCache memoizes a successful Handshake for the life of the
// process. Concurrent callers before the first resolution share one
// in-flight attempt instead of triggering duplicate handshakes; a failed
// attempt is not cached, so the next connect retries. A single cache may be
// shared by several clients hitting the same gated exchange.
type HandshakeCache struct {
	fn Handshake

	mu      sync.Mutex
	header  http.Header
	done    bool
	pending chan struct{}
}

// NewHandshakeCache wraps fn. A nil fn yields a cache whose Header always
// returns nil headers, so ungated exchanges need no special casing.
func NewHandshakeCache(fn Handshake) *HandshakeCache {
	return &HandshakeCache{fn: fn}
}

// Header returns the cached credentials, performing the handshake on first
// use.
func (c *HandshakeCache) Header(ctx context.Context) (http.Header, error) {
	if c == nil || c.fn == nil {
		return nil, nil
	}

	for {
		c.mu.Lock()
		if c.done {
			h := c.header
			c.mu.Unlock()
			return h, nil
		}
		if c.pending == nil {
			// This caller performs the handshake.
			pending := make(chan struct{})
			c.pending = pending
			c.mu.Unlock()

			header, err := c.fn(ctx)

			c.mu.Lock()
			c.pending = nil
			if err == nil {
				c.header = header
				c.done = true
			}
			c.mu.Unlock()
			close(pending)

			return header, err
		}
		// Someone else is mid-handshake; share its outcome.
		pending := c.pending
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pending:
		}
	}
}
