// Package binance implements the adapter for Binance spot combined streams.
// Binance embeds subscriptions in the connection URL: changing the channel
// set means reconnecting with a recomputed stream path, so SubscribeFrame
// and UnsubscribeFrame report unsupported and the client falls back to its
// debounced reconnect.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/types"
)

const wsBase = "wss://stream.binance.com:9443/stream"

func init() {
	exchange.Register(types.Binance, func() exchange.Adapter { return New() })
}

// Adapter speaks the Binance combined-stream protocol.
type Adapter struct {
	// streams maps stream name ("btcusdt@trade") to its subscription. It is
	// rebuilt by ConnectionTarget, which runs on the socket's dial
	// goroutine while Classify runs on the client loop, hence the lock.
	mu      sync.Mutex
	streams map[string]exchange.Subscription
}

// New creates a Binance adapter.
func New() *Adapter {
	return &Adapter{streams: make(map[string]exchange.Subscription)}
}

// Exchange returns the exchange identifier.
func (a *Adapter) Exchange() types.ExchangeName { return types.Binance }

// Has reports the channel kinds Binance offers.
func (a *Adapter) Has(kind exchange.ChannelKind) bool {
	switch kind {
	case exchange.Trades, exchange.Level2Snapshots, exchange.Level2Updates:
		return true
	default:
		return false
	}
}

// WireKey normalizes the remote id the way the stream path spells it.
func (a *Adapter) WireKey(m types.Market) string {
	return strings.ToLower(m.RemoteID)
}

// ConnectionTarget folds every active subscription into the combined-stream
// URL and rebuilds the stream index used to attribute inbound frames.
func (a *Adapter) ConnectionTarget(subs []exchange.Subscription) (string, error) {
	streams := make(map[string]exchange.Subscription, len(subs))
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		name, err := a.streamName(sub)
		if err != nil {
			return "", err
		}
		if _, dup := streams[name]; dup {
			continue
		}
		streams[name] = sub
		names = append(names, name)
	}

	a.mu.Lock()
	a.streams = streams
	a.mu.Unlock()

	return wsBase + "?streams=" + strings.Join(names, "/"), nil
}

func (a *Adapter) streamName(sub exchange.Subscription) (string, error) {
	sym := strings.ToLower(sub.Market.RemoteID)
	switch sub.Kind {
	case exchange.Trades:
		return sym + "@trade", nil
	case exchange.Level2Snapshots:
		return sym + "@depth20", nil
	case exchange.Level2Updates:
		return sym + "@depth@100ms", nil
	default:
		return "", fmt.Errorf("binance: no stream for channel %s", sub.Kind)
	}
}

// SubscribeFrame reports unsupported: subscriptions live in the URL.
func (a *Adapter) SubscribeFrame(exchange.ChannelKind, types.Market) ([]byte, bool) {
	return nil, false
}

// UnsubscribeFrame reports unsupported: subscriptions live in the URL.
func (a *Adapter) UnsubscribeFrame(exchange.ChannelKind, types.Market) ([]byte, bool) {
	return nil, false
}

// Classify attributes one combined-stream frame by its stream-name suffix.
func (a *Adapter) Classify(raw []byte) (exchange.Classified, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad frame: %w", err)
	}
	if env.Stream == "" {
		// Control responses ({"result":null,"id":N}) and anything else
		// outside the combined-stream envelope.
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}

	a.mu.Lock()
	sub, known := a.streams[env.Stream]
	a.mu.Unlock()
	if !known {
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}

	switch {
	case strings.HasSuffix(env.Stream, "@trade"):
		return a.classifyTrade(sub.Market, env.Data)
	case strings.HasSuffix(env.Stream, "@depth@100ms"):
		return a.classifyDepthUpdate(sub.Market, env.Data)
	case strings.HasSuffix(env.Stream, "@depth20"):
		return a.classifyPartialDepth(sub.Market, env.Data)
	default:
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}
}

// Reset drops the stream index; the next ConnectionTarget rebuilds it.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.streams = make(map[string]exchange.Subscription)
	a.mu.Unlock()
}

func (a *Adapter) classifyTrade(m types.Market, data json.RawMessage) (exchange.Classified, error) {
	var ev TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad trade frame: %w", err)
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad trade price %q: %w", ev.Price, err)
	}
	amount, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad trade quantity %q: %w", ev.Quantity, err)
	}
	side := types.SideBuy
	if ev.IsBuyerMaker {
		side = types.SideSell
	}
	return exchange.Classified{
		Kind: exchange.ClassTrade,
		Trade: &types.Trade{
			Exchange:   types.Binance,
			Base:       m.Base,
			Quote:      m.Quote,
			TradeID:    strconv.FormatInt(ev.TradeID, 10),
			UnixTimeMs: ev.TradeTime,
			Side:       side,
			Price:      price,
			Amount:     amount,
		},
	}, nil
}

func (a *Adapter) classifyDepthUpdate(m types.Market, data json.RawMessage) (exchange.Classified, error) {
	var ev DepthUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad depth frame: %w", err)
	}
	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return exchange.Classified{}, err
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return exchange.Classified{}, err
	}
	return exchange.Classified{
		Kind: exchange.ClassL2Update,
		L2Update: &types.Level2Update{
			Exchange:       types.Binance,
			Base:           m.Base,
			Quote:          m.Quote,
			SequenceID:     ev.FinalUpdateID,
			LastSequenceID: ev.FirstUpdateID,
			Bids:           bids,
			Asks:           asks,
		},
	}, nil
}

func (a *Adapter) classifyPartialDepth(m types.Market, data json.RawMessage) (exchange.Classified, error) {
	var ev PartialDepth
	if err := json.Unmarshal(data, &ev); err != nil {
		return exchange.Classified{}, fmt.Errorf("binance: bad partial depth frame: %w", err)
	}
	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return exchange.Classified{}, err
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return exchange.Classified{}, err
	}
	return exchange.Classified{
		Kind: exchange.ClassL2Snapshot,
		L2Snapshot: &types.Level2Snapshot{
			Exchange:   types.Binance,
			Base:       m.Base,
			Quote:      m.Quote,
			SequenceID: ev.LastUpdateID,
			Bids:       bids,
			Asks:       asks,
		},
	}, nil
}

func parseLevels(raw [][]string) ([]types.Level2Point, error) {
	points := make([]types.Level2Point, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			return nil, fmt.Errorf("binance: malformed price level %v", level)
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("binance: bad level price %q: %w", level[0], err)
		}
		size, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("binance: bad level size %q: %w", level[1], err)
		}
		points = append(points, types.Level2Point{Price: price, Size: size})
	}
	return points, nil
}
