// Package types defines the exchange-agnostic market data model. Every
// adapter funnels its wire formats into these shapes, so consumers never
// special-case an exchange. Prices and sizes are decimals to avoid float
// precision loss.
package types

import (
	"github.com/shopspring/decimal"
)

// ExchangeName represents supported exchange identifiers
type ExchangeName string

const (
	Binance  ExchangeName = "binance"
	Bitfinex ExchangeName = "bitfinex"
	Gemini   ExchangeName = "gemini"
)

// TradeSide indicates which side of the book the aggressor was on
type TradeSide string

const (
	SideBuy     TradeSide = "buy"
	SideSell    TradeSide = "sell"
	SideUnknown TradeSide = "unknown"
)

// Market identifies a base/quote trading pair on one exchange. RemoteID is
// the identifier the exchange itself uses on the wire. Markets are
// caller-owned: the client references them in its subscription maps but
// never mutates them.
type Market struct {
	Exchange ExchangeName `json:"exchange"`
	RemoteID string       `json:"remoteId"`
	Base     string       `json:"base"`
	Quote    string       `json:"quote"`
}

// Trade is a single executed trade, normalized across exchanges. TradeID
// uniqueness is exchange-defined; it is neither global nor guaranteed
// monotonic across reconnects.
type Trade struct {
	Exchange   ExchangeName    `json:"exchange"`
	Base       string          `json:"base"`
	Quote      string          `json:"quote"`
	TradeID    string          `json:"tradeId"`
	UnixTimeMs int64           `json:"unixTimeMs"`
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
}

// Level2Point is one aggregated price level. OrderCount is zero when the
// exchange does not report it.
type Level2Point struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	OrderCount int             `json:"orderCount,omitempty"`
}

// Level2Snapshot is a complete aggregated book state tagged with a sequence
// checkpoint. Bids and Asks preserve the exchange's wire ordering.
type Level2Snapshot struct {
	Exchange   ExchangeName  `json:"exchange"`
	Base       string        `json:"base"`
	Quote      string        `json:"quote"`
	SequenceID int64         `json:"sequenceId"`
	Bids       []Level2Point `json:"bids"`
	Asks       []Level2Point `json:"asks"`
}

// Level2Update is an incremental aggregated book change. LastSequenceID is
// zero when the exchange reports only a single checkpoint per update.
// Sequence contiguity is forwarded faithfully but never enforced here; gap
// detection is the caller's concern.
type Level2Update struct {
	Exchange       ExchangeName  `json:"exchange"`
	Base           string        `json:"base"`
	Quote          string        `json:"quote"`
	SequenceID     int64         `json:"sequenceId"`
	LastSequenceID int64         `json:"lastSequenceId,omitempty"`
	Bids           []Level2Point `json:"bids"`
	Asks           []Level2Point `json:"asks"`
}

// Level3Point is a single resting order, keyed by the exchange's order
// identifier rather than by aggregated price.
type Level3Point struct {
	OrderID string          `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// Level3Snapshot is a complete order-by-order book state.
type Level3Snapshot struct {
	Exchange   ExchangeName  `json:"exchange"`
	Base       string        `json:"base"`
	Quote      string        `json:"quote"`
	SequenceID int64         `json:"sequenceId"`
	Bids       []Level3Point `json:"bids"`
	Asks       []Level3Point `json:"asks"`
}

// Level3Update is an incremental order-by-order book change.
type Level3Update struct {
	Exchange       ExchangeName  `json:"exchange"`
	Base           string        `json:"base"`
	Quote          string        `json:"quote"`
	SequenceID     int64         `json:"sequenceId"`
	LastSequenceID int64         `json:"lastSequenceId,omitempty"`
	Bids           []Level3Point `json:"bids"`
	Asks           []Level3Point `json:"asks"`
}
