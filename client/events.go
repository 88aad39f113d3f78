package client

import (
	"github.com/aqs-base/ccew/types"
)

// EventKind tags one entry of the client's event stream.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
	EventClosed       EventKind = "closed"
	EventTrade        EventKind = "trade"
	EventL2Snapshot   EventKind = "l2snapshot"
	EventL2Update     EventKind = "l2update"
	EventL3Snapshot   EventKind = "l3snapshot"
	EventL3Update     EventKind = "l3update"
)

// Event is one entry of the client's tagged-union event stream. Exactly the
// payload field matching Kind is populated; lifecycle events carry none.
type Event struct {
	Kind     EventKind
	Exchange types.ExchangeName

	Trade      *types.Trade
	L2Snapshot *types.Level2Snapshot
	L2Update   *types.Level2Update
	L3Snapshot *types.Level3Snapshot
	L3Update   *types.Level3Update
}
