// Package gemini implements the adapter for the Gemini v2 marketdata feed.
// One "l2" wire subscription per market carries both trades and level2
// updates, so the adapter reference-counts logical subscriptions per market:
// the wire subscribe goes out only on the 0→1 transition and the wire
// unsubscribe only on 1→0. The counts are connection-scoped and rebuilt by
// the client's subscription replay after every reconnect.
package gemini

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/types"
)

const wsURL = "wss://api.gemini.com/v2/marketdata"

func init() {
	exchange.Register(types.Gemini, func() exchange.Adapter { return New() })
}

// marketState is the shared-channel bookkeeping for one market.
type marketState struct {
	market       types.Market
	refs         int
	kinds        map[exchange.ChannelKind]bool
	snapshotSeen bool
}

// Adapter speaks the Gemini v2 marketdata protocol. State is
// connection-scoped and touched only from the owning client's run loop.
type Adapter struct {
	markets map[string]*marketState
}

// New creates a Gemini adapter.
func New() *Adapter {
	return &Adapter{markets: make(map[string]*marketState)}
}

// Exchange returns the exchange identifier.
func (a *Adapter) Exchange() types.ExchangeName { return types.Gemini }

// Has reports the channel kinds Gemini offers.
func (a *Adapter) Has(kind exchange.ChannelKind) bool {
	return kind == exchange.Trades || kind == exchange.Level2Updates
}

// WireKey normalizes the remote id the way the feed spells symbols.
func (a *Adapter) WireKey(m types.Market) string {
	return strings.ToUpper(m.RemoteID)
}

// ConnectionTarget is fixed: subscriptions are live control frames.
func (a *Adapter) ConnectionTarget([]exchange.Subscription) (string, error) {
	return wsURL, nil
}

// SubscribeFrame increments the market's refcount and emits the wire
// subscribe only on the 0→1 transition; the shared channel already serves
// every later logical subscription.
func (a *Adapter) SubscribeFrame(kind exchange.ChannelKind, m types.Market) ([]byte, bool) {
	if !a.Has(kind) {
		return nil, false
	}
	key := a.WireKey(m)
	state, ok := a.markets[key]
	if !ok {
		state = &marketState{market: m, kinds: make(map[exchange.ChannelKind]bool)}
		a.markets[key] = state
	}
	state.kinds[kind] = true
	state.refs++
	if state.refs > 1 {
		return nil, true
	}
	frame, _ := json.Marshal(SubscribeRequest{
		Type:          "subscribe",
		Subscriptions: []Subscription{{Name: "l2", Symbols: []string{key}}},
	})
	return frame, true
}

// UnsubscribeFrame decrements the refcount and emits the wire unsubscribe
// only on the 1→0 transition.
func (a *Adapter) UnsubscribeFrame(kind exchange.ChannelKind, m types.Market) ([]byte, bool) {
	if !a.Has(kind) {
		return nil, false
	}
	key := a.WireKey(m)
	state, ok := a.markets[key]
	if !ok {
		return nil, true
	}
	delete(state.kinds, kind)
	state.refs--
	if state.refs > 0 {
		return nil, true
	}
	delete(a.markets, key)
	frame, _ := json.Marshal(SubscribeRequest{
		Type:          "unsubscribe",
		Subscriptions: []Subscription{{Name: "l2", Symbols: []string{key}}},
	})
	return frame, true
}

// Classify parses one raw frame. Data for a channel kind no longer wanted on
// the shared channel is swallowed without an event.
func (a *Adapter) Classify(raw []byte) (exchange.Classified, error) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Classified{}, fmt.Errorf("gemini: bad frame: %w", err)
	}

	switch msg.Type {
	case "heartbeat":
		return exchange.Classified{Kind: exchange.Heartbeat}, nil
	case "l2_updates":
		return a.classifyL2(&msg)
	case "trade":
		return a.classifyTrade(&msg)
	default:
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}
}

// Reset drops all refcounts and snapshot markers; the client's replay on the
// next connection rebuilds them.
func (a *Adapter) Reset() {
	a.markets = make(map[string]*marketState)
}

func (a *Adapter) classifyL2(msg *WSMessage) (exchange.Classified, error) {
	state, ok := a.markets[strings.ToUpper(msg.Symbol)]
	if !ok {
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}

	var bids, asks []types.Level2Point
	for _, change := range msg.Changes {
		if len(change) < 3 {
			return exchange.Classified{}, fmt.Errorf("gemini: malformed change %v", change)
		}
		price, err := decimal.NewFromString(change[1])
		if err != nil {
			return exchange.Classified{}, fmt.Errorf("gemini: bad change price %q: %w", change[1], err)
		}
		size, err := decimal.NewFromString(change[2])
		if err != nil {
			return exchange.Classified{}, fmt.Errorf("gemini: bad change size %q: %w", change[2], err)
		}
		point := types.Level2Point{Price: price, Size: size}
		switch change[0] {
		case "buy":
			bids = append(bids, point)
		case "sell":
			asks = append(asks, point)
		default:
			return exchange.Classified{}, fmt.Errorf("gemini: unknown change side %q", change[0])
		}
	}

	if !state.kinds[exchange.Level2Updates] {
		// Shared channel noise: only a trade subscription is active for
		// this market.
		state.snapshotSeen = true
		return exchange.Classified{Kind: exchange.Heartbeat}, nil
	}

	m := state.market
	if !state.snapshotSeen {
		// The first l2_updates after subscribing carries the whole book.
		state.snapshotSeen = true
		return exchange.Classified{
			Kind: exchange.ClassL2Snapshot,
			L2Snapshot: &types.Level2Snapshot{
				Exchange: types.Gemini,
				Base:     m.Base,
				Quote:    m.Quote,
				Bids:     bids,
				Asks:     asks,
			},
		}, nil
	}
	return exchange.Classified{
		Kind: exchange.ClassL2Update,
		L2Update: &types.Level2Update{
			Exchange: types.Gemini,
			Base:     m.Base,
			Quote:    m.Quote,
			Bids:     bids,
			Asks:     asks,
		},
	}, nil
}

func (a *Adapter) classifyTrade(msg *WSMessage) (exchange.Classified, error) {
	state, ok := a.markets[strings.ToUpper(msg.Symbol)]
	if !ok {
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}
	if !state.kinds[exchange.Trades] {
		// The shared channel still carries trades for a market whose trade
		// subscription was dropped; swallow them.
		return exchange.Classified{Kind: exchange.Heartbeat}, nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("gemini: bad trade price %q: %w", msg.Price, err)
	}
	amount, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("gemini: bad trade quantity %q: %w", msg.Quantity, err)
	}
	side := types.SideUnknown
	switch msg.Side {
	case "buy":
		side = types.SideBuy
	case "sell":
		side = types.SideSell
	}

	m := state.market
	return exchange.Classified{
		Kind: exchange.ClassTrade,
		Trade: &types.Trade{
			Exchange:   types.Gemini,
			Base:       m.Base,
			Quote:      m.Quote,
			TradeID:    strconv.FormatInt(msg.EventID, 10),
			UnixTimeMs: msg.Timestamp,
			Side:       side,
			Price:      price,
			Amount:     amount,
		},
	}, nil
}
