// Package client implements the exchange-agnostic market data client. One
// Client owns one physical WebSocket connection, multiplexes any number of
// logical channel subscriptions over it, survives silent and explicit
// disconnects, and delegates wire-format translation to a pluggable
// per-exchange adapter.
package client

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/socket"
	"github.com/aqs-base/ccew/types"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// Options configures a Client. The zero value is usable.
type Options struct {
	// DebounceWindow coalesces bursts of subscription changes into one
	// reconnect cycle. Default 100ms.
	DebounceWindow time.Duration

	// WatchdogTimeout forces a reconnect when no market data arrives for
	// this long while connected. Default 60s.
	WatchdogTimeout time.Duration

	// ReconnectInitialDelay and ReconnectMaxDelay bound the socket's
	// redial backoff.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// Handshake acquires credentials for exchanges that gate WebSocket
	// access behind a browser challenge. Performed once per process and
	// reused on every reconnect.
	Handshake Handshake

	// HandshakeCache overrides Handshake with a cache shared across
	// clients.
	HandshakeCache *HandshakeCache

	// Dialer substitutes the transport; tests inject scripted fakes.
	Dialer socket.Dialer

	// EventBuffer is the event channel capacity. Default 1024.
	EventBuffer int

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Client orchestrates a resilient socket, an idle watchdog and an exchange
// adapter. All state is owned by a single run-loop goroutine; public methods
// post work onto it, so no operation observes a half-applied mutation.
type Client struct {
	adapter   exchange.Adapter
	sock      *socket.Socket
	watcher   *Watcher
	handshake *HandshakeCache
	logger    zerolog.Logger

	debounceWindow time.Duration

	// subs holds one map per channel kind, keyed by the adapter's wire key.
	// Mutated only on the run loop; read by the socket's target callback.
	subs subscriptionSets

	events chan Event
	cmds   chan func()
	done   chan struct{}

	// Loop-owned state below; never touched outside run().
	ctx              context.Context
	cancel           context.CancelFunc
	started          bool
	connected        bool
	closed           bool
	reconnectPending bool
	debounce         *time.Timer
}

// New creates a client for the given adapter. The client stays idle until
// the first subscribe call; Close releases it.
func New(adapter exchange.Adapter, opts Options) *Client {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 100 * time.Millisecond
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 60 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("exchange", string(adapter.Exchange())).Logger()

	hs := opts.HandshakeCache
	if hs == nil {
		hs = NewHandshakeCache(opts.Handshake)
	}

	c := &Client{
		adapter:        adapter,
		handshake:      hs,
		logger:         logger,
		debounceWindow: opts.DebounceWindow,
		events:         make(chan Event, opts.EventBuffer),
		cmds:           make(chan func()),
		done:           make(chan struct{}),
	}
	c.subs.init()

	c.sock = socket.New(c.target, socket.Options{
		Dialer:          opts.Dialer,
		InitialInterval: opts.ReconnectInitialDelay,
		MaxInterval:     opts.ReconnectMaxDelay,
		Logger:          &logger,
	})
	c.watcher = NewWatcher(opts.WatchdogTimeout, func() {
		c.logger.Info().Msg("watchdog: no data within idle window, forcing reconnect")
		c.post(c.forceReconnect)
	})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c
}

// Exchange returns the adapter's exchange identifier.
func (c *Client) Exchange() types.ExchangeName { return c.adapter.Exchange() }

// Capability flags. Callers branch on these before subscribing.
func (c *Client) HasTrades() bool          { return c.adapter.Has(exchange.Trades) }
func (c *Client) HasLevel2Snapshots() bool { return c.adapter.Has(exchange.Level2Snapshots) }
func (c *Client) HasLevel2Updates() bool   { return c.adapter.Has(exchange.Level2Updates) }
func (c *Client) HasLevel3Snapshots() bool { return c.adapter.Has(exchange.Level3Snapshots) }
func (c *Client) HasLevel3Updates() bool   { return c.adapter.Has(exchange.Level3Updates) }

// Events returns the client's tagged-union event stream. The caller owns the
// dispatch loop and must keep consuming; the channel closes after the final
// EventClosed.
func (c *Client) Events() <-chan Event { return c.events }

// SubscribeTrades subscribes the market's trade stream.
func (c *Client) SubscribeTrades(m types.Market) error {
	return c.subscribe(exchange.Trades, m)
}

// UnsubscribeTrades removes the market's trade stream subscription.
func (c *Client) UnsubscribeTrades(m types.Market) error {
	return c.unsubscribe(exchange.Trades, m)
}

// SubscribeLevel2Snapshots subscribes full aggregated book snapshots.
func (c *Client) SubscribeLevel2Snapshots(m types.Market) error {
	return c.subscribe(exchange.Level2Snapshots, m)
}

// UnsubscribeLevel2Snapshots removes the snapshot subscription.
func (c *Client) UnsubscribeLevel2Snapshots(m types.Market) error {
	return c.unsubscribe(exchange.Level2Snapshots, m)
}

// SubscribeLevel2Updates subscribes incremental aggregated book updates.
func (c *Client) SubscribeLevel2Updates(m types.Market) error {
	return c.subscribe(exchange.Level2Updates, m)
}

// UnsubscribeLevel2Updates removes the update subscription.
func (c *Client) UnsubscribeLevel2Updates(m types.Market) error {
	return c.unsubscribe(exchange.Level2Updates, m)
}

// SubscribeLevel3Snapshots subscribes order-by-order book snapshots.
func (c *Client) SubscribeLevel3Snapshots(m types.Market) error {
	return c.subscribe(exchange.Level3Snapshots, m)
}

// UnsubscribeLevel3Snapshots removes the snapshot subscription.
func (c *Client) UnsubscribeLevel3Snapshots(m types.Market) error {
	return c.unsubscribe(exchange.Level3Snapshots, m)
}

// SubscribeLevel3Updates subscribes order-by-order book updates.
func (c *Client) SubscribeLevel3Updates(m types.Market) error {
	return c.subscribe(exchange.Level3Updates, m)
}

// UnsubscribeLevel3Updates removes the update subscription.
func (c *Client) UnsubscribeLevel3Updates(m types.Market) error {
	return c.unsubscribe(exchange.Level3Updates, m)
}

// Reconnect unconditionally closes and reopens the socket, bypassing the
// debounce window.
func (c *Client) Reconnect() {
	c.post(c.forceReconnect)
}

// Close tears the client down: the socket is closed, timers are canceled,
// and the event stream ends with exactly one EventClosed. Idempotent.
func (c *Client) Close() {
	c.post(c.doClose)
}

func (c *Client) subscribe(kind exchange.ChannelKind, m types.Market) error {
	if !c.adapter.Has(kind) {
		return exchange.ErrUnsupportedChannel
	}
	if !c.post(func() { c.doSubscribe(kind, m) }) {
		return ErrClosed
	}
	return nil
}

func (c *Client) unsubscribe(kind exchange.ChannelKind, m types.Market) error {
	if !c.adapter.Has(kind) {
		return exchange.ErrUnsupportedChannel
	}
	if !c.post(func() { c.doUnsubscribe(kind, m) }) {
		return ErrClosed
	}
	return nil
}

// post hands fn to the run loop. Returns false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// target is the socket's dial callback. It runs on the socket's supervisor
// goroutine, which is why the subscription sets carry their own lock.
func (c *Client) target(ctx context.Context) (string, http.Header, error) {
	header, err := c.handshake.Header(ctx)
	if err != nil {
		return "", nil, err
	}
	url, err := c.adapter.ConnectionTarget(c.subs.snapshot())
	if err != nil {
		return "", nil, err
	}
	return url, header, nil
}

// run is the client's single event-handling context: subscription sets,
// adapter state and timers are mutated here and nowhere else.
func (c *Client) run() {
	sockEvents := c.sock.Events()
	for !c.closed {
		var debounceC <-chan time.Time
		if c.debounce != nil {
			debounceC = c.debounce.C
		}
		select {
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-sockEvents:
			if !ok {
				sockEvents = nil
				continue
			}
			c.handleSocketEvent(ev)
		case <-debounceC:
			c.debounce = nil
			c.connectOrReconnect()
		}
	}
}

func (c *Client) handleSocketEvent(ev socket.Event) {
	switch ev.Type {
	case socket.Open:
		c.onOpen()
	case socket.Message:
		c.onMessage(ev.Data)
	case socket.Disconnected:
		c.onDisconnected()
	case socket.Closing:
		// Only Close tears the socket down, and doClose drains the
		// stream itself; nothing to do here.
	}
}

// onOpen re-establishes the full logical state on a fresh connection: a new
// transport carries no server-side memory of prior subscriptions.
func (c *Client) onOpen() {
	c.connected = true

	if b, ok := c.adapter.(exchange.Bootstrapper); ok {
		for _, frame := range b.BootstrapFrames() {
			if err := c.sock.Send(frame); err != nil {
				c.logger.Error().Err(err).Msg("bootstrap frame send failed")
			}
		}
	}

	for _, sub := range c.subs.snapshot() {
		frame, ok := c.adapter.SubscribeFrame(sub.Kind, sub.Market)
		if !ok || frame == nil {
			continue
		}
		if err := c.sock.Send(frame); err != nil {
			c.logger.Error().Err(err).
				Str("channel", sub.Kind.String()).
				Str("market", sub.Market.RemoteID).
				Msg("subscribe replay failed")
		}
	}

	c.watcher.Start()
	c.logger.Info().Msg("connected")
	c.emit(Event{Kind: EventConnected, Exchange: c.adapter.Exchange()})
	if c.reconnectPending {
		c.reconnectPending = false
		c.emit(Event{Kind: EventReconnected, Exchange: c.adapter.Exchange()})
	}
}

func (c *Client) onDisconnected() {
	c.connected = false
	c.watcher.Stop()
	c.adapter.Reset()
	c.logger.Info().Msg("disconnected")
	c.emit(Event{Kind: EventDisconnected, Exchange: c.adapter.Exchange()})
}

// onMessage funnels one raw frame through the adapter. A malformed frame
// costs only itself: it is logged and dropped while the connection stays up.
func (c *Client) onMessage(raw []byte) {
	classified, err := c.adapter.Classify(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	ev := Event{Exchange: c.adapter.Exchange()}
	switch classified.Kind {
	case exchange.Ack:
		// Registry bookkeeping already happened inside the adapter.
		c.watcher.MarkAlive()
		return
	case exchange.Heartbeat:
		return
	case exchange.ClassTrade:
		ev.Kind, ev.Trade = EventTrade, classified.Trade
	case exchange.ClassL2Snapshot:
		ev.Kind, ev.L2Snapshot = EventL2Snapshot, classified.L2Snapshot
	case exchange.ClassL2Update:
		ev.Kind, ev.L2Update = EventL2Update, classified.L2Update
	case exchange.ClassL3Snapshot:
		ev.Kind, ev.L3Snapshot = EventL3Snapshot, classified.L3Snapshot
	case exchange.ClassL3Update:
		ev.Kind, ev.L3Update = EventL3Update, classified.L3Update
	default:
		return
	}

	c.watcher.MarkAlive()
	c.emit(ev)
}

func (c *Client) doSubscribe(kind exchange.ChannelKind, m types.Market) {
	if c.closed {
		return
	}
	key := c.adapter.WireKey(m)
	if !c.subs.add(kind, key, m) {
		// Already subscribed; idempotent.
		return
	}

	if c.connected {
		frame, ok := c.adapter.SubscribeFrame(kind, m)
		if !ok {
			// Subscriptions live in the connection URL; rebuild it.
			c.scheduleDebounce()
			return
		}
		if frame == nil {
			return
		}
		if err := c.sock.Send(frame); err != nil {
			c.logger.Error().Err(err).
				Str("channel", kind.String()).
				Str("market", m.RemoteID).
				Msg("subscribe send failed")
		}
		return
	}

	if !c.started {
		// First subscription wakes the client; the debounce window lets a
		// burst of initial subscribes share one connection attempt.
		c.scheduleDebounce()
	}
	// Otherwise a (re)connect is already in flight and the replay on the
	// next open will cover this entry.
}

func (c *Client) doUnsubscribe(kind exchange.ChannelKind, m types.Market) {
	if c.closed {
		return
	}
	key := c.adapter.WireKey(m)
	if !c.subs.remove(kind, key) {
		return
	}

	if !c.connected {
		// The entry is gone from the sets; the next replay simply omits it.
		return
	}

	frame, ok := c.adapter.UnsubscribeFrame(kind, m)
	if !ok {
		c.scheduleDebounce()
		return
	}
	if frame == nil {
		return
	}
	if err := c.sock.Send(frame); err != nil {
		c.logger.Error().Err(err).
			Str("channel", kind.String()).
			Str("market", m.RemoteID).
			Msg("unsubscribe send failed")
	}
}

// scheduleDebounce arms (or re-arms) the single pending reconnect. N rapid
// subscription changes collapse into exactly one reconnect cycle.
func (c *Client) scheduleDebounce() {
	if c.debounce != nil {
		if !c.debounce.Stop() {
			select {
			case <-c.debounce.C:
			default:
			}
		}
		c.debounce.Reset(c.debounceWindow)
		return
	}
	c.debounce = time.NewTimer(c.debounceWindow)
}

func (c *Client) cancelDebounce() {
	if c.debounce == nil {
		return
	}
	if !c.debounce.Stop() {
		select {
		case <-c.debounce.C:
		default:
		}
	}
	c.debounce = nil
}

func (c *Client) connectOrReconnect() {
	if c.closed {
		return
	}
	if !c.started {
		if len(c.subs.snapshot()) == 0 {
			// Everything was unsubscribed again before the debounce fired.
			return
		}
		c.started = true
		c.sock.Connect(c.ctx)
		return
	}
	c.sock.Reconnect()
}

func (c *Client) forceReconnect() {
	if c.closed {
		return
	}
	c.cancelDebounce()
	c.reconnectPending = true
	c.connectOrReconnect()
}

func (c *Client) doClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancelDebounce()
	c.watcher.Stop()
	c.cancel()
	c.sock.Close()

	// Drain the socket's stream so its supervisor can finish; nothing that
	// arrives now is visible to the caller.
	for range c.sock.Events() {
	}

	c.adapter.Reset()
	c.subs.clear()

	c.logger.Info().Msg("closed")
	c.emit(Event{Kind: EventClosed, Exchange: c.adapter.Exchange()})
	close(c.events)
	close(c.done)
}

func (c *Client) emit(ev Event) {
	c.events <- ev
}

// subscriptionSets is the five per-kind wire-key→market maps. The lock
// exists solely because the socket's dial callback snapshots the sets from
// its own goroutine; all mutation happens on the run loop.
type subscriptionSets struct {
	mu   sync.Mutex
	sets [exchange.NumChannelKinds]map[string]types.Market
}

func (s *subscriptionSets) init() {
	for i := range s.sets {
		s.sets[i] = make(map[string]types.Market)
	}
}

// add inserts the market under key; false when already present.
func (s *subscriptionSets) add(kind exchange.ChannelKind, key string, m types.Market) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sets[kind][key]; exists {
		return false
	}
	s.sets[kind][key] = m
	return true
}

// remove deletes the entry under key; false when absent.
func (s *subscriptionSets) remove(kind exchange.ChannelKind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sets[kind][key]; !exists {
		return false
	}
	delete(s.sets[kind], key)
	return true
}

// snapshot returns all active subscriptions in deterministic order.
func (s *subscriptionSets) snapshot() []exchange.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []exchange.Subscription
	for kind := range s.sets {
		keys := make([]string, 0, len(s.sets[kind]))
		for key := range s.sets[kind] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			subs = append(subs, exchange.Subscription{
				Kind:   exchange.ChannelKind(kind),
				Market: s.sets[kind][key],
			})
		}
	}
	return subs
}

func (s *subscriptionSets) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sets {
		s.sets[i] = make(map[string]types.Market)
	}
}
