package exchange

import (
	"errors"

	"github.com/aqs-base/ccew/types"
)

// ChannelKind enumerates the logical subscription channels a client can
// multiplex over one connection.
type ChannelKind int

const (
	Trades ChannelKind = iota
	Level2Snapshots
	Level2Updates
	Level3Snapshots
	Level3Updates

	numChannelKinds
)

// NumChannelKinds is the number of logical channel kinds.
const NumChannelKinds = int(numChannelKinds)

func (k ChannelKind) String() string {
	switch k {
	case Trades:
		return "trades"
	case Level2Snapshots:
		return "l2snapshot"
	case Level2Updates:
		return "l2update"
	case Level3Snapshots:
		return "l3snapshot"
	case Level3Updates:
		return "l3update"
	default:
		return "unknown"
	}
}

// ErrUnsupportedChannel is returned when a subscribe call names a channel
// kind the adapter's exchange does not offer.
var ErrUnsupportedChannel = errors.New("channel kind not supported by exchange")

// Subscription pairs a channel kind with the market it targets.
type Subscription struct {
	Kind   ChannelKind
	Market types.Market
}

// Classification tags the outcome of classifying one inbound wire frame.
type Classification int

const (
	// Unrecognized marks frames the adapter cannot attribute; the client
	// drops them and keeps the connection up.
	Unrecognized Classification = iota
	// Ack marks subscription acknowledgments; the adapter has already
	// absorbed them into its channel registry.
	Ack
	// Heartbeat marks keep-alive frames carrying no market data.
	Heartbeat
	ClassTrade
	ClassL2Snapshot
	ClassL2Update
	ClassL3Snapshot
	ClassL3Update
)

// Classified is the result of Adapter.Classify for one raw frame. Exactly
// the field matching Kind is populated.
type Classified struct {
	Kind       Classification
	Trade      *types.Trade
	L2Snapshot *types.Level2Snapshot
	L2Update   *types.Level2Update
	L3Snapshot *types.Level3Snapshot
	L3Update   *types.Level3Update
}

// Adapter translates between normalized subscriptions/events and one
// exchange's wire protocol. Adapters hold only connection-scoped state
// (channel registries, shared-channel refcounts); the owning client calls
// Reset on every disconnect and replays subscriptions on every connect, so
// an adapter never needs to survive a reconnect on its own.
//
// All methods except ConnectionTarget are invoked from the owning client's
// run loop only and must not block on network I/O. ConnectionTarget is called
// from the socket's dial goroutine; adapters that mutate state there need
// their own synchronization.
type Adapter interface {
	// Exchange returns the exchange identifier this adapter speaks for.
	Exchange() types.ExchangeName

	// Has reports whether the exchange offers the given channel kind.
	Has(kind ChannelKind) bool

	// WireKey returns the key under which a market is held in the client's
	// subscription sets. Two Market values naming the same remote product
	// must map to the same key.
	WireKey(m types.Market) string

	// ConnectionTarget computes the WebSocket endpoint for the given active
	// subscriptions. Exchanges that embed subscriptions in the URL derive
	// the stream path here; others return a fixed endpoint.
	ConnectionTarget(subs []Subscription) (string, error)

	// SubscribeFrame builds the wire frame that subscribes one market to one
	// channel kind. ok is false when the exchange cannot subscribe
	// incrementally and the client must reconnect with a recomputed target.
	// A nil frame with ok true means the subscription is already covered by
	// an existing wire channel (shared-channel exchanges).
	SubscribeFrame(kind ChannelKind, m types.Market) (frame []byte, ok bool)

	// UnsubscribeFrame is the inverse of SubscribeFrame with the same
	// (frame, ok) conventions.
	UnsubscribeFrame(kind ChannelKind, m types.Market) (frame []byte, ok bool)

	// Classify parses one raw inbound frame. A non-nil error marks a frame
	// that looked like it should parse but did not; the client logs and
	// drops it without tearing the connection down.
	Classify(raw []byte) (Classified, error)

	// Reset clears all connection-scoped state.
	Reset()
}

// Bootstrapper is implemented by adapters that must send protocol frames
// immediately after the socket opens, before any subscription replay
// (e.g. enabling sequence numbers).
type Bootstrapper interface {
	BootstrapFrames() [][]byte
}
