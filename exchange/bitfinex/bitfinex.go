// Package bitfinex implements the adapter for the Bitfinex v2 WebSocket API.
// Bitfinex assigns an opaque channel id in the subscription acknowledgment;
// every subsequent data frame carries only that id, so the adapter keeps a
// per-connection channel registry populated from acks and consults it for
// every frame. Because frames are delivered in wire order, the ack for a
// channel is always classified before that channel's data; a data frame
// whose id is not yet registered is dropped as unrecognized.
package bitfinex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/types"
)

const (
	wsURL = "wss://api-pub.bitfinex.com/ws/2"

	// flagSeqAll makes the server append a sequence number to every
	// channel frame.
	flagSeqAll = 65536

	precLevel2 = "P0"
	precLevel3 = "R0"
)

func init() {
	exchange.Register(types.Bitfinex, func() exchange.Adapter { return New() })
}

// channelEntry is one live wire channel, resolved from its subscription ack.
type channelEntry struct {
	kind         exchange.ChannelKind
	market       types.Market
	snapshotSeen bool
}

// Adapter speaks the Bitfinex v2 protocol. All state is connection-scoped
// and only touched from the owning client's run loop, so no locking.
type Adapter struct {
	// pending indexes outstanding subscribe requests by channel/prec/symbol
	// until the matching ack arrives.
	pending map[string]exchange.Subscription
	// channels is the registry consulted on every data frame.
	channels map[int64]*channelEntry
}

// New creates a Bitfinex adapter.
func New() *Adapter {
	return &Adapter{
		pending:  make(map[string]exchange.Subscription),
		channels: make(map[int64]*channelEntry),
	}
}

// Exchange returns the exchange identifier.
func (a *Adapter) Exchange() types.ExchangeName { return types.Bitfinex }

// Has reports the channel kinds Bitfinex offers. Book snapshots arrive as
// the first frame of the corresponding update channel, not as separate
// subscriptions.
func (a *Adapter) Has(kind exchange.ChannelKind) bool {
	switch kind {
	case exchange.Trades, exchange.Level2Updates, exchange.Level3Updates:
		return true
	default:
		return false
	}
}

// WireKey normalizes the remote id the way the wire symbol spells it.
func (a *Adapter) WireKey(m types.Market) string {
	return wireSymbol(m)
}

// ConnectionTarget is fixed: subscriptions are live control frames.
func (a *Adapter) ConnectionTarget([]exchange.Subscription) (string, error) {
	return wsURL, nil
}

// BootstrapFrames enables sequence numbers before any subscription replay.
func (a *Adapter) BootstrapFrames() [][]byte {
	frame, _ := json.Marshal(ConfRequest{Event: "conf", Flags: flagSeqAll})
	return [][]byte{frame}
}

// SubscribeFrame builds a live subscribe request and records it as pending
// until the ack assigns its channel id.
func (a *Adapter) SubscribeFrame(kind exchange.ChannelKind, m types.Market) ([]byte, bool) {
	req := SubscribeRequest{Event: "subscribe", Symbol: wireSymbol(m)}
	switch kind {
	case exchange.Trades:
		req.Channel = "trades"
	case exchange.Level2Updates:
		req.Channel = "book"
		req.Prec, req.Freq, req.Len = precLevel2, "F0", "25"
	case exchange.Level3Updates:
		req.Channel = "book"
		req.Prec = precLevel3
	default:
		return nil, false
	}

	a.pending[pendingKey(req.Channel, req.Prec, req.Symbol)] = exchange.Subscription{Kind: kind, Market: m}
	frame, _ := json.Marshal(req)
	return frame, true
}

// UnsubscribeFrame addresses the wire channel by its registered id. When no
// ack has arrived yet there is nothing to address; the entry is simply
// dropped from the pending index and the reply to the still-in-flight
// subscribe will be ignored as unrecognized.
func (a *Adapter) UnsubscribeFrame(kind exchange.ChannelKind, m types.Market) ([]byte, bool) {
	key := wireSymbol(m)
	for id, entry := range a.channels {
		if entry.kind == kind && wireSymbol(entry.market) == key {
			frame, _ := json.Marshal(UnsubscribeRequest{Event: "unsubscribe", ChanID: id})
			return frame, true
		}
	}
	channel, prec := "trades", ""
	if kind == exchange.Level2Updates {
		channel, prec = "book", precLevel2
	} else if kind == exchange.Level3Updates {
		channel, prec = "book", precLevel3
	}
	delete(a.pending, pendingKey(channel, prec, key))
	return nil, true
}

// Classify parses one raw frame: JSON objects are protocol events, JSON
// arrays are channel data.
func (a *Adapter) Classify(raw []byte) (exchange.Classified, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return a.classifyEvent(raw)
	}
	return a.classifyData(raw)
}

// Reset clears the channel registry and pending index.
func (a *Adapter) Reset() {
	a.pending = make(map[string]exchange.Subscription)
	a.channels = make(map[int64]*channelEntry)
}

func (a *Adapter) classifyEvent(raw []byte) (exchange.Classified, error) {
	var ev eventFrame
	if err := json.Unmarshal(raw, &ev); err != nil {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad event frame: %w", err)
	}
	switch ev.Event {
	case "subscribed":
		key := pendingKey(ev.Channel, ev.Prec, ev.Symbol)
		sub, ok := a.pending[key]
		if !ok {
			return exchange.Classified{Kind: exchange.Unrecognized}, nil
		}
		delete(a.pending, key)
		a.channels[ev.ChanID] = &channelEntry{kind: sub.Kind, market: sub.Market}
		return exchange.Classified{Kind: exchange.Ack}, nil
	case "unsubscribed":
		delete(a.channels, ev.ChanID)
		return exchange.Classified{Kind: exchange.Ack}, nil
	case "conf", "info", "pong":
		return exchange.Classified{Kind: exchange.Ack}, nil
	case "error":
		// A rejected subscribe affects only itself; the client logs this
		// and every other channel stays live.
		return exchange.Classified{}, fmt.Errorf("bitfinex: subscription rejected: %s (code %d)", ev.Msg, ev.Code)
	default:
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}
}

func (a *Adapter) classifyData(raw []byte) (exchange.Classified, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad data frame: %w", err)
	}
	if len(parts) < 2 {
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}

	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad channel id: %w", err)
	}
	entry, known := a.channels[chanID]
	if !known {
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}

	// String tag: heartbeat or trade executions.
	var tag string
	if err := json.Unmarshal(parts[1], &tag); err == nil {
		switch tag {
		case "hb":
			return exchange.Classified{Kind: exchange.Heartbeat}, nil
		case "tu":
			if len(parts) < 3 {
				return exchange.Classified{Kind: exchange.Unrecognized}, nil
			}
			return a.classifyTrade(entry.market, parts[2])
		case "te":
			// "tu" repeats the same execution with its final id; emitting
			// both would double every trade.
			return exchange.Classified{Kind: exchange.Heartbeat}, nil
		default:
			return exchange.Classified{Kind: exchange.Unrecognized}, nil
		}
	}

	seq := trailingSeq(parts)

	switch entry.kind {
	case exchange.Trades:
		// The initial payload is a backlog of recent trades; only live
		// executions are forwarded.
		return exchange.Classified{Kind: exchange.Heartbeat}, nil
	case exchange.Level2Updates:
		return a.classifyBook(entry, parts[1], seq)
	case exchange.Level3Updates:
		return a.classifyRawBook(entry, parts[1], seq)
	default:
		return exchange.Classified{Kind: exchange.Unrecognized}, nil
	}
}

func (a *Adapter) classifyTrade(m types.Market, payload json.RawMessage) (exchange.Classified, error) {
	var fields []json.Number
	if err := json.Unmarshal(payload, &fields); err != nil || len(fields) < 4 {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad trade payload: %s", payload)
	}
	id, _ := fields[0].Int64()
	mts, _ := fields[1].Int64()
	amount, err := decimal.NewFromString(fields[2].String())
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad trade amount %q: %w", fields[2], err)
	}
	price, err := decimal.NewFromString(fields[3].String())
	if err != nil {
		return exchange.Classified{}, fmt.Errorf("bitfinex: bad trade price %q: %w", fields[3], err)
	}
	side := types.SideBuy
	if amount.IsNegative() {
		side = types.SideSell
		amount = amount.Abs()
	}
	return exchange.Classified{
		Kind: exchange.ClassTrade,
		Trade: &types.Trade{
			Exchange:   types.Bitfinex,
			Base:       m.Base,
			Quote:      m.Quote,
			TradeID:    strconv.FormatInt(id, 10),
			UnixTimeMs: mts,
			Side:       side,
			Price:      price,
			Amount:     amount,
		},
	}, nil
}

// classifyBook handles P0 channels: the first payload after the ack is the
// full book, later payloads are single-level updates.
func (a *Adapter) classifyBook(entry *channelEntry, payload json.RawMessage, seq int64) (exchange.Classified, error) {
	levels, snapshot, err := parseBookPayload(payload)
	if err != nil {
		return exchange.Classified{}, err
	}

	var bids, asks []types.Level2Point
	for _, lvl := range levels {
		point := types.Level2Point{Price: lvl.first, OrderCount: int(lvl.count)}
		// Count zero removes the level; size is zeroed and the amount's
		// sign only tells which side to remove from.
		if lvl.count > 0 {
			point.Size = lvl.amount.Abs()
		}
		if lvl.amount.IsNegative() {
			asks = append(asks, point)
		} else {
			bids = append(bids, point)
		}
	}

	m := entry.market
	if snapshot && !entry.snapshotSeen {
		entry.snapshotSeen = true
		return exchange.Classified{
			Kind: exchange.ClassL2Snapshot,
			L2Snapshot: &types.Level2Snapshot{
				Exchange:   types.Bitfinex,
				Base:       m.Base,
				Quote:      m.Quote,
				SequenceID: seq,
				Bids:       bids,
				Asks:       asks,
			},
		}, nil
	}
	return exchange.Classified{
		Kind: exchange.ClassL2Update,
		L2Update: &types.Level2Update{
			Exchange:   types.Bitfinex,
			Base:       m.Base,
			Quote:      m.Quote,
			SequenceID: seq,
			Bids:       bids,
			Asks:       asks,
		},
	}, nil
}

// classifyRawBook handles R0 channels keyed by order id.
func (a *Adapter) classifyRawBook(entry *channelEntry, payload json.RawMessage, seq int64) (exchange.Classified, error) {
	levels, snapshot, err := parseBookPayload(payload)
	if err != nil {
		return exchange.Classified{}, err
	}

	var bids, asks []types.Level3Point
	for _, lvl := range levels {
		// R0 layout is [orderId, price, amount]; price zero removes the
		// order.
		point := types.Level3Point{
			OrderID: lvl.first.BigInt().String(),
			Price:   lvl.second,
			Size:    lvl.amount.Abs(),
		}
		if lvl.amount.IsNegative() {
			asks = append(asks, point)
		} else {
			bids = append(bids, point)
		}
	}

	m := entry.market
	if snapshot && !entry.snapshotSeen {
		entry.snapshotSeen = true
		return exchange.Classified{
			Kind: exchange.ClassL3Snapshot,
			L3Snapshot: &types.Level3Snapshot{
				Exchange:   types.Bitfinex,
				Base:       m.Base,
				Quote:      m.Quote,
				SequenceID: seq,
				Bids:       bids,
				Asks:       asks,
			},
		}, nil
	}
	return exchange.Classified{
		Kind: exchange.ClassL3Update,
		L3Update: &types.Level3Update{
			Exchange:   types.Bitfinex,
			Base:       m.Base,
			Quote:      m.Quote,
			SequenceID: seq,
			Bids:       bids,
			Asks:       asks,
		},
	}, nil
}

// bookLevel is one three-number book entry. The same shape serves P0
// ([price, count, amount]) and R0 ([orderId, price, amount]) layouts; the
// caller picks the interpretation, so the first two fields stay positional.
type bookLevel struct {
	first  decimal.Decimal
	second decimal.Decimal
	count  int64 // second field as an integer, for P0 order counts
	amount decimal.Decimal
}

// parseBookPayload decodes either a snapshot (array of levels) or a single
// level, reporting which one it was.
func parseBookPayload(payload json.RawMessage) ([]bookLevel, bool, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[[") {
		var rows [][]json.Number
		if err := json.Unmarshal(payload, &rows); err != nil {
			return nil, false, fmt.Errorf("bitfinex: bad book snapshot: %w", err)
		}
		levels := make([]bookLevel, 0, len(rows))
		for _, row := range rows {
			lvl, err := parseBookLevel(row)
			if err != nil {
				return nil, false, err
			}
			levels = append(levels, lvl)
		}
		return levels, true, nil
	}

	var row []json.Number
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, false, fmt.Errorf("bitfinex: bad book update: %w", err)
	}
	lvl, err := parseBookLevel(row)
	if err != nil {
		return nil, false, err
	}
	return []bookLevel{lvl}, false, nil
}

func parseBookLevel(row []json.Number) (bookLevel, error) {
	if len(row) < 3 {
		return bookLevel{}, fmt.Errorf("bitfinex: short book level %v", row)
	}
	first, err := decimal.NewFromString(row[0].String())
	if err != nil {
		return bookLevel{}, fmt.Errorf("bitfinex: bad book field %q: %w", row[0], err)
	}
	second, err := decimal.NewFromString(row[1].String())
	if err != nil {
		return bookLevel{}, fmt.Errorf("bitfinex: bad book field %q: %w", row[1], err)
	}
	amount, err := decimal.NewFromString(row[2].String())
	if err != nil {
		return bookLevel{}, fmt.Errorf("bitfinex: bad book field %q: %w", row[2], err)
	}
	count, _ := row[1].Int64()
	return bookLevel{first: first, second: second, count: count, amount: amount}, nil
}

// trailingSeq extracts the SEQ_ALL sequence number appended to data frames.
func trailingSeq(parts []json.RawMessage) int64 {
	if len(parts) < 3 {
		return 0
	}
	var seq int64
	if err := json.Unmarshal(parts[len(parts)-1], &seq); err != nil {
		return 0
	}
	return seq
}

func pendingKey(channel, prec, symbol string) string {
	return channel + "|" + prec + "|" + symbol
}

// wireSymbol renders the market's remote id in Bitfinex "t"-prefixed form
// ("BTCUSD" → "tBTCUSD"). An id that already carries the prefix passes
// through.
func wireSymbol(m types.Market) string {
	id := m.RemoteID
	if len(id) > 1 && id[0] == 't' && id[1:] == strings.ToUpper(id[1:]) {
		return id
	}
	return "t" + strings.ToUpper(id)
}
