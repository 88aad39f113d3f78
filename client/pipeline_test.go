package client_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aqs-base/ccew/client"
	"github.com/aqs-base/ccew/exchange/bitfinex"
	"github.com/aqs-base/ccew/types"
)

// TestBitfinexPipeline drives the real Bitfinex adapter through the client
// against a scripted connection: ack-assigned channel ids, a book snapshot
// followed by an update, and a trade execution.
func TestBitfinexPipeline(t *testing.T) {
	d := newFakeDialer()
	c := client.New(bitfinex.New(), testOptions(d))
	defer c.Close()

	m := types.Market{Exchange: types.Bitfinex, RemoteID: "BTCUSD", Base: "BTC", Quote: "USD"}
	if err := c.SubscribeTrades(m); err != nil {
		t.Fatalf("subscribe trades: %v", err)
	}
	if err := c.SubscribeLevel2Updates(m); err != nil {
		t.Fatalf("subscribe book: %v", err)
	}

	waitEvent(t, c.Events(), client.EventConnected)
	conn := d.conn(t)
	if got := d.dials(); got != 1 {
		t.Fatalf("two subscribes within the debounce window must share one dial, got %d", got)
	}

	// conf bootstrap plus both subscribe requests, in that order.
	frames := conn.waitFrames(t, 3)
	if !strings.Contains(frames[0], `"event":"conf"`) {
		t.Errorf("first frame must enable sequence numbers, got %s", frames[0])
	}
	joined := strings.Join(frames[1:], "\n")
	if !strings.Contains(joined, `"channel":"trades"`) || !strings.Contains(joined, `"channel":"book"`) {
		t.Errorf("missing subscribe requests: %v", frames)
	}
	if !strings.Contains(joined, `"symbol":"tBTCUSD"`) {
		t.Errorf("remote id not rendered as a wire symbol: %v", frames)
	}

	conn.push(`{"event":"subscribed","channel":"trades","chanId":1,"symbol":"tBTCUSD"}`)
	conn.push(`{"event":"subscribed","channel":"book","chanId":2,"symbol":"tBTCUSD","prec":"P0","freq":"F0","len":"25"}`)

	conn.push(`[2,[[100.5,2,1.2],[100.6,1,-0.8]],1]`)
	conn.push(`[2,[100.5,0,1],2]`)
	conn.push(`[1,"hb"]`)
	conn.push(`[1,"tu",[777,1700000000000,-0.25,100.55],3]`)

	snap := waitEvent(t, c.Events(), client.EventL2Snapshot)
	if snap.L2Snapshot.SequenceID != 1 {
		t.Errorf("snapshot sequence = %d, want 1", snap.L2Snapshot.SequenceID)
	}
	if len(snap.L2Snapshot.Bids) != 1 || len(snap.L2Snapshot.Asks) != 1 {
		t.Fatalf("snapshot sides = %d bids / %d asks, want 1/1",
			len(snap.L2Snapshot.Bids), len(snap.L2Snapshot.Asks))
	}
	if !snap.L2Snapshot.Bids[0].Price.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("bid price = %s, want 100.5", snap.L2Snapshot.Bids[0].Price)
	}
	if !snap.L2Snapshot.Asks[0].Size.Equal(decimal.RequireFromString("0.8")) {
		t.Errorf("ask size = %s, want 0.8 (absolute amount)", snap.L2Snapshot.Asks[0].Size)
	}

	upd := waitEvent(t, c.Events(), client.EventL2Update)
	if upd.L2Update.SequenceID != 2 {
		t.Errorf("update sequence = %d, want 2", upd.L2Update.SequenceID)
	}
	if len(upd.L2Update.Bids) != 1 || !upd.L2Update.Bids[0].Size.IsZero() {
		t.Errorf("count-zero frame must remove the bid level: %+v", upd.L2Update)
	}

	trade := waitEvent(t, c.Events(), client.EventTrade)
	if trade.Trade.TradeID != "777" {
		t.Errorf("trade id = %s, want 777", trade.Trade.TradeID)
	}
	if trade.Trade.Side != types.SideSell {
		t.Errorf("negative amount must classify as a sell, got %s", trade.Trade.Side)
	}
	if !trade.Trade.Amount.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("trade amount = %s, want 0.25", trade.Trade.Amount)
	}
	if trade.Trade.Base != "BTC" || trade.Trade.Quote != "USD" {
		t.Errorf("trade pair = %s/%s, want BTC/USD", trade.Trade.Base, trade.Trade.Quote)
	}

	// The heartbeat and the acks produce no consumer-visible events.
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected extra event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
